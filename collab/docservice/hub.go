package docservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

var ErrNotAttached = fmt.Errorf("replica is not attached")

// what the hub pushes to an attached replica.
// Either field may be nil when only the other changed.
type Delivery struct {
	Snapshot  *Snapshot
	Presences []PeerPresence
}

type DeliverFunction func(delivery *Delivery)

// Hub is the authoritative document store.
// Documents are created lazily on first attach and live as long as the hub.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	mutex     sync.Mutex
	documents map[string]*hubDocument
}

type hubDocument struct {
	fields       map[string]any
	version      uint64
	replicas     map[string]*hubReplica
	replicaOrder []string
}

func NewHub(ctx context.Context) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:       cancelCtx,
		cancel:    cancel,
		documents: map[string]*hubDocument{},
	}
}

// registers the replica and returns the current snapshot.
// Attaching an already attached replica id replaces its delivery function.
func (self *Hub) Attach(key string, replicaId string, presence Presence, deliver DeliverFunction) (*Snapshot, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ctx.Err() != nil {
		return nil, fmt.Errorf("hub is closed")
	}

	document, ok := self.documents[key]
	if !ok {
		document = &hubDocument{
			fields:   map[string]any{},
			replicas: map[string]*hubReplica{},
		}
		self.documents[key] = document
		glog.V(1).Infof("[hub]create %s\n", key)
	}

	if previous, ok := document.replicas[replicaId]; ok {
		previous.cancel()
	} else {
		document.replicaOrder = append(document.replicaOrder, replicaId)
	}
	replica := newHubReplica(self.ctx, replicaId, copyPresence(presence), deliver)
	document.replicas[replicaId] = replica
	go replica.run()

	glog.V(1).Infof("[hub]attach %s %s\n", key, replicaId)
	self.broadcastPresences(document, replicaId)
	return document.snapshot(), nil
}

// applies the ops atomically in arrival order and fans the result out to the other replicas
func (self *Hub) Apply(key string, replicaId string, ops []*Op) (*Snapshot, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	document, err := self.attachedDocument(key, replicaId)
	if err != nil {
		return nil, err
	}

	fields := copyFields(document.fields)
	changed, err := applyOps(fields, ops)
	if err != nil {
		return nil, err
	}
	if changed {
		document.fields = fields
		document.version += 1
		glog.V(2).Infof("[hub]apply %s %s v%d (%d ops)\n", key, replicaId, document.version, len(ops))
		for _, otherReplicaId := range document.replicaOrder {
			if otherReplicaId == replicaId {
				continue
			}
			document.replicas[otherReplicaId].pushSnapshot(document.snapshot())
		}
	}
	return document.snapshot(), nil
}

func (self *Hub) Pull(key string, replicaId string) (*Snapshot, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	document, err := self.attachedDocument(key, replicaId)
	if err != nil {
		return nil, err
	}
	return document.snapshot(), nil
}

func (self *Hub) Detach(key string, replicaId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	document, err := self.attachedDocument(key, replicaId)
	if err != nil {
		return err
	}
	document.replicas[replicaId].cancel()
	delete(document.replicas, replicaId)
	if i := slices.Index(document.replicaOrder, replicaId); 0 <= i {
		document.replicaOrder = slices.Delete(document.replicaOrder, i, i+1)
	}
	glog.V(1).Infof("[hub]detach %s %s\n", key, replicaId)
	self.broadcastPresences(document, replicaId)
	return nil
}

// the current fields of a document, or false if no replica ever attached to it
func (self *Hub) Inspect(key string) (*Snapshot, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	document, ok := self.documents[key]
	if !ok {
		return nil, false
	}
	return document.snapshot(), true
}

func (self *Hub) Close() {
	self.cancel()
}

// caller must hold the mutex
func (self *Hub) attachedDocument(key string, replicaId string) (*hubDocument, error) {
	document, ok := self.documents[key]
	if !ok {
		return nil, ErrNotAttached
	}
	if _, ok := document.replicas[replicaId]; !ok {
		return nil, ErrNotAttached
	}
	return document, nil
}

// caller must hold the mutex
func (self *Hub) broadcastPresences(document *hubDocument, sourceReplicaId string) {
	presences := document.presences()
	for _, replicaId := range document.replicaOrder {
		if replicaId == sourceReplicaId {
			continue
		}
		document.replicas[replicaId].pushPresences(presences)
	}
}

func (self *hubDocument) snapshot() *Snapshot {
	return &Snapshot{
		Fields:    copyFields(self.fields),
		Version:   self.version,
		Presences: self.presences(),
	}
}

func (self *hubDocument) presences() []PeerPresence {
	presences := make([]PeerPresence, 0, len(self.replicaOrder))
	for _, replicaId := range self.replicaOrder {
		presences = append(presences, PeerPresence{
			ReplicaId: replicaId,
			Presence:  copyPresence(self.replicas[replicaId].presence),
		})
	}
	return presences
}

func copyPresence(presence Presence) Presence {
	copied := Presence{}
	for key, value := range presence {
		copied[key] = value
	}
	return copied
}

// deliveries to one replica happen on its own goroutine, in order.
// Pending snapshots coalesce since each carries the whole document.
type hubReplica struct {
	ctx    context.Context
	cancel context.CancelFunc

	replicaId string
	presence  Presence
	deliver   DeliverFunction

	mutex            sync.Mutex
	pendingSnapshot  *Snapshot
	pendingPresences []PeerPresence
	notify           chan struct{}
}

func newHubReplica(ctx context.Context, replicaId string, presence Presence, deliver DeliverFunction) *hubReplica {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &hubReplica{
		ctx:       cancelCtx,
		cancel:    cancel,
		replicaId: replicaId,
		presence:  presence,
		deliver:   deliver,
		notify:    make(chan struct{}, 1),
	}
}

func (self *hubReplica) pushSnapshot(snapshot *Snapshot) {
	self.mutex.Lock()
	self.pendingSnapshot = snapshot
	self.mutex.Unlock()
	self.signal()
}

func (self *hubReplica) pushPresences(presences []PeerPresence) {
	self.mutex.Lock()
	self.pendingPresences = presences
	self.mutex.Unlock()
	self.signal()
}

func (self *hubReplica) signal() {
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *hubReplica) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}

		self.mutex.Lock()
		delivery := &Delivery{
			Snapshot:  self.pendingSnapshot,
			Presences: self.pendingPresences,
		}
		self.pendingSnapshot = nil
		self.pendingPresences = nil
		self.mutex.Unlock()

		if delivery.Snapshot == nil && delivery.Presences == nil {
			continue
		}
		if self.ctx.Err() != nil {
			return
		}
		handleError(func() {
			self.deliver(delivery)
		})
	}
}
