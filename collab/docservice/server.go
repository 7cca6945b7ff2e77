package docservice

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SocketSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
	SendBufferSize     int
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     10 * time.Second,
		SendBufferSize:     32,
	}
}

type replicaRef struct {
	key       string
	replicaId string
}

// Server exposes a hub over websocket. Each connection may attach any number of replicas.
// When a connection closes, the replicas it still owns are detached from the hub.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub      *Hub
	settings *SocketSettings
	upgrader websocket.Upgrader

	ownersLock sync.Mutex
	owners     map[replicaRef]*serverConnection
}

func NewServerWithDefaults(ctx context.Context, hub *Hub) *Server {
	return NewServer(ctx, hub, DefaultSocketSettings())
}

func NewServer(ctx context.Context, hub *Hub, settings *SocketSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		hub:      hub,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		owners: map[replicaRef]*serverConnection{},
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[docs]upgrade error = %s\n", err)
		return
	}
	connection := newServerConnection(self, ws)
	connection.run()
}

func (self *Server) Close() {
	self.cancel()
}

func (self *Server) claim(ref replicaRef, connection *serverConnection) {
	self.ownersLock.Lock()
	defer self.ownersLock.Unlock()
	self.owners[ref] = connection
}

// detaches the replica only if the connection still owns it.
// A client that reconnected with the same replica id owns it from its new connection.
func (self *Server) release(ref replicaRef, connection *serverConnection) {
	self.ownersLock.Lock()
	owner, ok := self.owners[ref]
	owned := ok && owner == connection
	if owned {
		delete(self.owners, ref)
	}
	self.ownersLock.Unlock()

	if owned {
		self.hub.Detach(ref.key, ref.replicaId)
	}
}

type serverConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	server *Server
	ws     *websocket.Conn
	send   chan []byte

	stateLock sync.Mutex
	attached  map[replicaRef]bool
}

func newServerConnection(server *Server, ws *websocket.Conn) *serverConnection {
	cancelCtx, cancel := context.WithCancel(server.ctx)
	return &serverConnection{
		ctx:      cancelCtx,
		cancel:   cancel,
		server:   server,
		ws:       ws,
		send:     make(chan []byte, server.settings.SendBufferSize),
		attached: map[replicaRef]bool{},
	}
}

func (self *serverConnection) run() {
	defer func() {
		self.cancel()
		self.ws.Close()

		self.stateLock.Lock()
		attached := self.attached
		self.attached = map[replicaRef]bool{}
		self.stateLock.Unlock()
		for ref := range attached {
			self.server.release(ref, self)
		}
	}()

	settings := self.server.settings

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
				self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[docs]send error = %s\n", err)
					return
				}
			case <-time.After(settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
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

		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[docs]receive error = %s\n", err)
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			// ping
			continue
		}

		request, err := decodeFrame(message)
		if err != nil {
			glog.Infof("[docs]bad frame = %s\n", err)
			return
		}
		response := self.handle(request)
		response.RequestId = request.RequestId
		if !self.enqueue(response) {
			return
		}
	}
}

func (self *serverConnection) handle(request *frame) *frame {
	ref := replicaRef{
		key:       request.Key,
		replicaId: request.ReplicaId,
	}
	if ref.key == "" || ref.replicaId == "" {
		return &frame{Type: frameError, Error: "key and replica_id are required"}
	}

	var snapshot *Snapshot
	var err error
	switch request.Type {
	case frameAttach:
		snapshot, err = self.server.hub.Attach(ref.key, ref.replicaId, request.Presence, func(delivery *Delivery) {
			self.enqueue(&frame{
				Type:      frameDelivery,
				Key:       ref.key,
				ReplicaId: ref.replicaId,
				Snapshot:  delivery.Snapshot,
				Presences: delivery.Presences,
			})
		})
		if err == nil {
			self.server.claim(ref, self)
			self.stateLock.Lock()
			self.attached[ref] = true
			self.stateLock.Unlock()
		}
	case framePush:
		snapshot, err = self.server.hub.Apply(ref.key, ref.replicaId, request.Ops)
	case framePull:
		snapshot, err = self.server.hub.Pull(ref.key, ref.replicaId)
	case frameDetach:
		self.stateLock.Lock()
		delete(self.attached, ref)
		self.stateLock.Unlock()
		self.server.release(ref, self)
	default:
		return &frame{Type: frameError, Error: "unknown frame type " + string(request.Type)}
	}

	if err != nil {
		return &frame{Type: frameError, Error: err.Error()}
	}
	return &frame{
		Type:     frameResult,
		Snapshot: snapshot,
	}
}

func (self *serverConnection) enqueue(f *frame) bool {
	message, err := encodeFrame(f)
	if err != nil {
		glog.Errorf("[docs]encode error = %s\n", err)
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- message:
		return true
	}
}
