package docservice

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

var ErrConnectionClosed = fmt.Errorf("document connection closed")

// RemoteClient attaches replicas through a Server.
// The connection is dialed lazily. When it drops, pending requests fail.
// While replicas are attached the client dials again every `ReconnectTimeout`
// and re-attaches each replica with the same replica id, pushing its pending ops.
// An Update or Sync in the meantime dials on its own.
type RemoteClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	serviceUrl string
	header     http.Header
	settings   *SocketSettings
	dialer     *websocket.Dialer

	// wakes the reconnect loop when the first replica attaches
	wake chan struct{}

	mutex      sync.Mutex
	connection *remoteConnection
	replicas   map[string]*replica
	presences  map[string]Presence
}

func NewRemoteClientWithDefaults(ctx context.Context, serviceUrl string, header http.Header) *RemoteClient {
	return NewRemoteClient(ctx, serviceUrl, header, DefaultSocketSettings())
}

func NewRemoteClient(ctx context.Context, serviceUrl string, header http.Header, settings *SocketSettings) *RemoteClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &RemoteClient{
		ctx:        cancelCtx,
		cancel:     cancel,
		serviceUrl: serviceUrl,
		header:     header,
		settings:   settings,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		wake:      make(chan struct{}, 1),
		replicas:  map[string]*replica{},
		presences: map[string]Presence{},
	}
	go client.run()
	return client
}

func (self *RemoteClient) Attach(ctx context.Context, key string, presence Presence) (Document, error) {
	replica := newReplica(self.ctx, key, ulid.Make().String(), self)

	self.mutex.Lock()
	self.replicas[replica.replicaId] = replica
	self.presences[replica.replicaId] = copyPresence(presence)
	self.mutex.Unlock()

	if _, err := self.ready(ctx, replica); err != nil {
		self.forget(replica)
		replica.cancel()
		return nil, err
	}
	select {
	case self.wake <- struct{}{}:
	default:
	}
	return replica, nil
}

// keeps a connection up while any replica is attached
func (self *RemoteClient) run() {
	for {
		if len(self.attachedReplicas()) == 0 {
			select {
			case <-self.ctx.Done():
				return
			case <-self.wake:
			}
			continue
		}

		connection, err := self.connect(self.ctx)
		if err == nil {
			self.resync(connection)
			select {
			case <-self.ctx.Done():
				return
			case <-connection.ctx.Done():
			}
			if self.ctx.Err() != nil {
				return
			}
			glog.Infof("[docc]connection %s closed (reconnect in %s)\n", self.serviceUrl, self.settings.ReconnectTimeout)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// re-attaches the replicas that are not attached on `connection` and pushes pending ops.
// Attaching absorbs the current snapshot, so changes made during the outage surface as remote changes.
func (self *RemoteClient) resync(connection *remoteConnection) {
	for _, replica := range self.attachedReplicas() {
		if connection.isAttached(replica.replicaId) && replica.Pending() == 0 {
			continue
		}
		syncCtx, syncCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
		err := replica.Sync(syncCtx)
		syncCancel()
		if err != nil && err != ErrDetached {
			glog.Infof("[docc]resync %s error = %s\n", replica.key, err)
		}
	}
}

func (self *RemoteClient) attachedReplicas() []*replica {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	replicas := make([]*replica, 0, len(self.replicas))
	for _, replica := range self.replicas {
		replicas = append(replicas, replica)
	}
	return replicas
}

func (self *RemoteClient) Close() {
	for _, replica := range self.attachedReplicas() {
		detachCtx, detachCancel := context.WithTimeout(self.ctx, self.settings.RequestTimeout)
		replica.Detach(detachCtx)
		detachCancel()
	}

	self.cancel()
	self.mutex.Lock()
	if self.connection != nil {
		self.connection.cancel()
		self.connection = nil
	}
	self.mutex.Unlock()
}

func (self *RemoteClient) push(ctx context.Context, replica *replica, ops []*Op) (*Snapshot, error) {
	connection, err := self.ready(ctx, replica)
	if err != nil {
		return nil, err
	}
	return connection.snapshotCall(ctx, &frame{
		Type:      framePush,
		Key:       replica.key,
		ReplicaId: replica.replicaId,
		Ops:       ops,
	})
}

func (self *RemoteClient) pull(ctx context.Context, replica *replica) (*Snapshot, error) {
	connection, err := self.ready(ctx, replica)
	if err != nil {
		return nil, err
	}
	return connection.snapshotCall(ctx, &frame{
		Type:      framePull,
		Key:       replica.key,
		ReplicaId: replica.replicaId,
	})
}

func (self *RemoteClient) detach(ctx context.Context, replica *replica) error {
	self.forget(replica)

	self.mutex.Lock()
	connection := self.connection
	self.mutex.Unlock()
	if connection == nil || connection.ctx.Err() != nil || !connection.isAttached(replica.replicaId) {
		// the server released the replica when the connection closed
		return nil
	}
	_, err := connection.call(ctx, &frame{
		Type:      frameDetach,
		Key:       replica.key,
		ReplicaId: replica.replicaId,
	})
	return err
}

func (self *RemoteClient) forget(replica *replica) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.replicas, replica.replicaId)
	delete(self.presences, replica.replicaId)
}

// a live connection on which the replica is attached
func (self *RemoteClient) ready(ctx context.Context, replica *replica) (*remoteConnection, error) {
	connection, err := self.connect(ctx)
	if err != nil {
		return nil, err
	}
	if connection.isAttached(replica.replicaId) {
		return connection, nil
	}

	self.mutex.Lock()
	presence := self.presences[replica.replicaId]
	self.mutex.Unlock()

	snapshot, err := connection.snapshotCall(ctx, &frame{
		Type:      frameAttach,
		Key:       replica.key,
		ReplicaId: replica.replicaId,
		Presence:  presence,
	})
	if err != nil {
		return nil, err
	}
	connection.setAttached(replica.replicaId)
	replica.absorb(snapshot)
	return connection, nil
}

func (self *RemoteClient) connect(ctx context.Context) (*remoteConnection, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ctx.Err() != nil {
		return nil, ErrConnectionClosed
	}
	if self.connection != nil && self.connection.ctx.Err() == nil {
		return self.connection, nil
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, self.settings.WsHandshakeTimeout)
	defer dialCancel()
	ws, _, err := self.dialer.DialContext(dialCtx, self.serviceUrl, self.header)
	if err != nil {
		glog.Infof("[docc]dial %s error = %s\n", self.serviceUrl, err)
		return nil, err
	}
	glog.V(1).Infof("[docc]connected %s\n", self.serviceUrl)

	connection := newRemoteConnection(self.ctx, ws, self.settings, self.route)
	go connection.run()
	self.connection = connection
	return connection, nil
}

// routes a delivery to its replica
func (self *RemoteClient) route(f *frame) {
	self.mutex.Lock()
	replica, ok := self.replicas[f.ReplicaId]
	self.mutex.Unlock()
	if !ok {
		glog.V(2).Infof("[docc]drop delivery for %s\n", f.ReplicaId)
		return
	}
	replica.deliver(&Delivery{
		Snapshot:  f.Snapshot,
		Presences: f.Presences,
	})
}

type remoteConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *SocketSettings
	route    func(f *frame)
	send     chan []byte

	stateLock     sync.Mutex
	nextRequestId uint64
	pending       map[uint64]chan *frame
	attached      map[string]bool
}

func newRemoteConnection(
	ctx context.Context,
	ws *websocket.Conn,
	settings *SocketSettings,
	route func(f *frame),
) *remoteConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &remoteConnection{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		route:    route,
		send:     make(chan []byte, settings.SendBufferSize),
		pending:  map[uint64]chan *frame{},
		attached: map[string]bool{},
	}
}

func (self *remoteConnection) isAttached(replicaId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attached[replicaId]
}

func (self *remoteConnection) setAttached(replicaId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.attached[replicaId] = true
}

func (self *remoteConnection) snapshotCall(ctx context.Context, request *frame) (*Snapshot, error) {
	response, err := self.call(ctx, request)
	if err != nil {
		return nil, err
	}
	if response.Snapshot == nil {
		return nil, fmt.Errorf("%s response is missing a snapshot", request.Type)
	}
	return response.Snapshot, nil
}

func (self *remoteConnection) call(ctx context.Context, request *frame) (*frame, error) {
	responses := make(chan *frame, 1)

	self.stateLock.Lock()
	self.nextRequestId += 1
	request.RequestId = self.nextRequestId
	self.pending[request.RequestId] = responses
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.pending, request.RequestId)
		self.stateLock.Unlock()
	}()

	message, err := encodeFrame(request)
	if err != nil {
		return nil, err
	}

	timeout := time.After(self.settings.RequestTimeout)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrConnectionClosed
	case <-timeout:
		return nil, fmt.Errorf("%s request timeout", request.Type)
	case self.send <- message:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrConnectionClosed
	case <-timeout:
		return nil, fmt.Errorf("%s request timeout", request.Type)
	case response := <-responses:
		if response.Type == frameError {
			return nil, fmt.Errorf("%s: %s", request.Type, response.Error)
		}
		return response, nil
	}
}

func (self *remoteConnection) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	go func() {
		<-self.ctx.Done()
		// unblocks the read
		self.ws.Close()
	}()

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message := <-self.send:
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[docc]send error = %s\n", err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[docc]receive error = %s\n", err)
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			// ping
			continue
		}

		response, err := decodeFrame(message)
		if err != nil {
			glog.Infof("[docc]bad frame = %s\n", err)
			return
		}

		if response.Type == frameDelivery {
			handleError(func() {
				self.route(response)
			})
			continue
		}

		self.stateLock.Lock()
		responses, ok := self.pending[response.RequestId]
		self.stateLock.Unlock()
		if ok {
			select {
			case responses <- response:
			default:
			}
		}
	}
}
