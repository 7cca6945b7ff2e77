package docservice

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// LocalClient attaches replicas directly to an in-process hub.
type LocalClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub *Hub

	mutex    sync.Mutex
	replicas []*replica
}

func NewLocalClient(ctx context.Context, hub *Hub) *LocalClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LocalClient{
		ctx:    cancelCtx,
		cancel: cancel,
		hub:    hub,
	}
}

func (self *LocalClient) Attach(ctx context.Context, key string, presence Presence) (Document, error) {
	replica := newReplica(self.ctx, key, ulid.Make().String(), self)
	snapshot, err := self.hub.Attach(key, replica.replicaId, presence, replica.deliver)
	if err != nil {
		replica.cancel()
		return nil, err
	}
	replica.absorb(snapshot)

	self.mutex.Lock()
	self.replicas = append(self.replicas, replica)
	self.mutex.Unlock()
	return replica, nil
}

// detaches every replica still attached through this client
func (self *LocalClient) Close() {
	self.mutex.Lock()
	replicas := self.replicas
	self.replicas = nil
	self.mutex.Unlock()

	for _, replica := range replicas {
		replica.Detach(self.ctx)
	}
	self.cancel()
}

func (self *LocalClient) push(ctx context.Context, replica *replica, ops []*Op) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return self.hub.Apply(replica.key, replica.replicaId, ops)
}

func (self *LocalClient) pull(ctx context.Context, replica *replica) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return self.hub.Pull(replica.key, replica.replicaId)
}

func (self *LocalClient) detach(ctx context.Context, replica *replica) error {
	self.mutex.Lock()
	for i, attached := range self.replicas {
		if attached == replica {
			self.replicas = append(self.replicas[:i:i], self.replicas[i+1:]...)
			break
		}
	}
	self.mutex.Unlock()
	return self.hub.Detach(replica.key, replica.replicaId)
}
