// Package docservice is the client boundary to the shared document service.
//
// A document is a set of top level fields replicated between every attached
// client. The service is authoritative: clients apply their own mutations
// optimistically, push them as ops, and replace their replica with the
// authoritative snapshot that comes back. Conflicting concurrent writes are
// resolved by the service in arrival order. There is no history or delta
// exchange, every update and every remote event carries whole fields.
//
// [Hub] is an in-process authoritative service. [NewLocalClient] attaches to
// a Hub directly, [Server] exposes a Hub over WebSocket, and [RemoteClient]
// attaches through a Server.
package docservice

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
)

type Presence map[string]string

type PeerPresence struct {
	ReplicaId string   `json:"replica_id"`
	Presence  Presence `json:"presence"`
}

type EventType string

const (
	// the replica applied one of its own updates
	EventLocalChange EventType = "local-change"
	// the replica absorbed fields written by another replica
	EventRemoteChange EventType = "remote-change"
	// the set of attached peers or their presence changed
	EventPresenceChange EventType = "presence-changed"
)

type Event struct {
	Type    EventType
	Version uint64
	Message string
}

type EventFunction func(event *Event)

// the authoritative state of a document at a version
type Snapshot struct {
	Fields    map[string]any `json:"fields"`
	Version   uint64         `json:"version"`
	Presences []PeerPresence `json:"presences"`
}

type Client interface {
	// joins the document for `key`, creating it if it does not exist.
	// The returned document has completed its initial sync.
	Attach(ctx context.Context, key string, presence Presence) (Document, error)
	Close()
}

type Document interface {
	Key() string
	ReplicaId() string
	Version() uint64
	// a copy of the replica fields
	Fields() map[string]any
	Get(field string) (any, bool)
	// the number of local ops the service has not accepted yet.
	// While non-zero, Fields and Get include writes the service has not seen.
	Pending() int
	// runs `updater` against a copy of the replica, applies the recorded ops
	// locally and pushes them. Ops that could not be pushed are retried on the next Update or Sync.
	Update(ctx context.Context, updater func(root *Root) error, message string) error
	// returns an unsubscribe function. After it returns the callback is not invoked again.
	Subscribe(eventCallback EventFunction) func()
	Presences() []PeerPresence
	// pushes pending ops and pulls the authoritative snapshot
	Sync(ctx context.Context) error
	Detach(ctx context.Context) error
}

var ErrDetached = fmt.Errorf("document is detached")

func handleError(do func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[doc]unexpected error: %s\n%s", r, debug.Stack())
		}
	}()
	do()
}
