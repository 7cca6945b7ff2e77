package docservice

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// how a replica reaches the authoritative service
type replicaBackend interface {
	push(ctx context.Context, replica *replica, ops []*Op) (*Snapshot, error)
	pull(ctx context.Context, replica *replica) (*Snapshot, error)
	detach(ctx context.Context, replica *replica) error
}

type eventCallbackEntry struct {
	callbackId    int
	eventCallback EventFunction
}

// replica is the local copy of one attached document.
// `fields` is the authoritative `base` with the pending ops applied on top.
// Events are delivered on the replica's dispatch goroutine, one at a time, in order.
type replica struct {
	ctx    context.Context
	cancel context.CancelFunc

	key       string
	replicaId string
	backend   replicaBackend

	updateLock sync.Mutex

	stateLock sync.Mutex
	base      map[string]any
	fields    map[string]any
	version   uint64
	pending   []*Op
	presences []PeerPresence
	detached  bool

	eventLock      sync.Mutex
	events         []*Event
	eventNotify    chan struct{}
	dispatchLock   sync.Mutex
	dispatchDone   chan struct{}
	nextCallbackId int
	eventCallbacks []eventCallbackEntry
}

func newReplica(ctx context.Context, key string, replicaId string, backend replicaBackend) *replica {
	cancelCtx, cancel := context.WithCancel(ctx)
	replica := &replica{
		ctx:          cancelCtx,
		cancel:       cancel,
		key:          key,
		replicaId:    replicaId,
		backend:      backend,
		base:         map[string]any{},
		fields:       map[string]any{},
		eventNotify:  make(chan struct{}, 1),
		dispatchDone: make(chan struct{}),
	}
	go replica.run()
	return replica
}

func (self *replica) Key() string {
	return self.key
}

func (self *replica) ReplicaId() string {
	return self.replicaId
}

func (self *replica) Version() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

func (self *replica) Fields() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return copyFields(self.fields)
}

func (self *replica) Get(field string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.fields[field]
	if !ok {
		return nil, false
	}
	return copyValue(value), true
}

func (self *replica) Pending() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

func (self *replica) Presences() []PeerPresence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.presences)
}

func (self *replica) Update(ctx context.Context, updater func(root *Root) error, message string) error {
	self.updateLock.Lock()
	defer self.updateLock.Unlock()

	self.stateLock.Lock()
	if self.detached {
		self.stateLock.Unlock()
		return ErrDetached
	}
	root := newRoot(self.fields)
	self.stateLock.Unlock()

	if err := updater(root); err != nil {
		return err
	}
	ops := root.Ops()
	if len(ops) == 0 {
		return nil
	}

	var version uint64
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		// re-apply on the current fields, a delivery may have landed since the root was copied
		applyOps(self.fields, ops)
		self.pending = append(self.pending, ops...)
		version = self.version
	}()
	self.emit(&Event{Type: EventLocalChange, Version: version, Message: message})

	return self.pushPending(ctx)
}

func (self *replica) Sync(ctx context.Context) error {
	self.updateLock.Lock()
	defer self.updateLock.Unlock()

	self.stateLock.Lock()
	detached := self.detached
	pendingCount := len(self.pending)
	self.stateLock.Unlock()
	if detached {
		return ErrDetached
	}

	if 0 < pendingCount {
		return self.pushPending(ctx)
	}

	snapshot, err := self.backend.pull(ctx, self)
	if err != nil {
		return err
	}
	self.absorb(snapshot)
	return nil
}

func (self *replica) Subscribe(eventCallback EventFunction) func() {
	self.eventLock.Lock()
	self.nextCallbackId += 1
	callbackId := self.nextCallbackId
	self.eventCallbacks = append(slices.Clone(self.eventCallbacks), eventCallbackEntry{
		callbackId:    callbackId,
		eventCallback: eventCallback,
	})
	self.eventLock.Unlock()

	return func() {
		self.eventLock.Lock()
		i := slices.IndexFunc(self.eventCallbacks, func(entry eventCallbackEntry) bool {
			return entry.callbackId == callbackId
		})
		if 0 <= i {
			self.eventCallbacks = slices.Delete(slices.Clone(self.eventCallbacks), i, i+1)
		}
		self.eventLock.Unlock()
		// wait out an in flight dispatch. Must not be called from an event callback.
		self.dispatchLock.Lock()
		self.dispatchLock.Unlock()
	}
}

func (self *replica) Detach(ctx context.Context) error {
	self.updateLock.Lock()
	defer self.updateLock.Unlock()

	self.stateLock.Lock()
	if self.detached {
		self.stateLock.Unlock()
		return ErrDetached
	}
	self.detached = true
	self.stateLock.Unlock()

	err := self.backend.detach(ctx, self)

	self.cancel()
	<-self.dispatchDone
	self.eventLock.Lock()
	self.eventCallbacks = nil
	self.events = nil
	self.eventLock.Unlock()
	return err
}

// caller must hold the update lock
func (self *replica) pushPending(ctx context.Context) error {
	self.stateLock.Lock()
	ops := slices.Clone(self.pending)
	optimistic := copyFields(self.fields)
	self.stateLock.Unlock()

	if len(ops) == 0 {
		return nil
	}

	snapshot, err := self.backend.push(ctx, self, ops)
	if err != nil {
		glog.Infof("[doc]push %s (%d ops) error = %s\n", self.key, len(ops), err)
		return err
	}

	self.stateLock.Lock()
	self.pending = slices.Clone(self.pending[len(ops):])
	self.applySnapshot(snapshot)
	changedByOthers := !fieldsEqual(optimistic, self.fields)
	version := self.version
	self.stateLock.Unlock()

	if changedByOthers {
		self.emit(&Event{Type: EventRemoteChange, Version: version})
	}
	return nil
}

// absorbs a snapshot pulled or delivered from the service
func (self *replica) absorb(snapshot *Snapshot) {
	self.stateLock.Lock()
	if self.detached {
		self.stateLock.Unlock()
		return
	}
	before := self.fields
	presencesBefore := self.presences
	applied := self.applySnapshot(snapshot)
	changed := applied && !fieldsEqual(before, self.fields)
	presencesChanged := applied && snapshot.Presences != nil && !presencesEqual(presencesBefore, self.presences)
	version := self.version
	self.stateLock.Unlock()

	if changed {
		self.emit(&Event{Type: EventRemoteChange, Version: version})
	}
	if presencesChanged {
		self.emit(&Event{Type: EventPresenceChange, Version: version})
	}
}

func (self *replica) deliver(delivery *Delivery) {
	if delivery.Snapshot != nil {
		self.absorb(delivery.Snapshot)
	}
	if delivery.Presences != nil {
		self.stateLock.Lock()
		if self.detached {
			self.stateLock.Unlock()
			return
		}
		changed := !presencesEqual(self.presences, delivery.Presences)
		self.presences = slices.Clone(delivery.Presences)
		version := self.version
		self.stateLock.Unlock()

		if changed {
			self.emit(&Event{Type: EventPresenceChange, Version: version})
		}
	}
}

// caller must hold the state lock. Snapshots older than the replica are ignored.
func (self *replica) applySnapshot(snapshot *Snapshot) bool {
	if snapshot.Version < self.version {
		return false
	}
	self.base = copyFields(snapshot.Fields)
	self.version = snapshot.Version
	if snapshot.Presences != nil {
		self.presences = slices.Clone(snapshot.Presences)
	}
	fields := copyFields(self.base)
	applyOps(fields, self.pending)
	self.fields = fields
	return true
}

func (self *replica) emit(event *Event) {
	self.eventLock.Lock()
	self.events = append(self.events, event)
	self.eventLock.Unlock()

	select {
	case self.eventNotify <- struct{}{}:
	default:
	}
}

func (self *replica) run() {
	defer close(self.dispatchDone)

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.eventNotify:
		}

		for {
			self.eventLock.Lock()
			if len(self.events) == 0 {
				self.eventLock.Unlock()
				break
			}
			event := self.events[0]
			self.events = self.events[1:]
			self.eventLock.Unlock()

			self.dispatch(event)
		}
	}
}

func (self *replica) dispatch(event *Event) {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	if self.ctx.Err() != nil {
		return
	}

	self.eventLock.Lock()
	eventCallbacks := self.eventCallbacks
	self.eventLock.Unlock()

	for _, entry := range eventCallbacks {
		handleError(func() {
			entry.eventCallback(event)
		})
	}
}

func presencesEqual(a []PeerPresence, b []PeerPresence) bool {
	return slices.EqualFunc(a, b, func(x PeerPresence, y PeerPresence) bool {
		if x.ReplicaId != y.ReplicaId || len(x.Presence) != len(y.Presence) {
			return false
		}
		for key, value := range x.Presence {
			if y.Presence[key] != value {
				return false
			}
		}
		return true
	})
}
