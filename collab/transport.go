package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"
)

// note the broker routes `<pub prefix>/<topic>/<workspace>` to the subscribers of
// `<sub prefix>/<topic>/<workspace>`, including the sender

const (
	TopicTerminal = "terminal"
	TopicChat     = "workspace-chat"
)

type DestinationSettings struct {
	PubPrefix string
	SubPrefix string
}

func DefaultDestinationSettings() *DestinationSettings {
	return &DestinationSettings{
		PubPrefix: "/api/pub",
		SubPrefix: "/api/sub",
	}
}

func (self *DestinationSettings) PublishDestination(topic string, workspaceId string) string {
	return fmt.Sprintf("%s/%s/%s", self.PubPrefix, topic, workspaceId)
}

func (self *DestinationSettings) SubscribeDestination(topic string, workspaceId string) string {
	return fmt.Sprintf("%s/%s/%s", self.SubPrefix, topic, workspaceId)
}

func PublishDestination(topic string, workspaceId string) string {
	return DefaultDestinationSettings().PublishDestination(topic, workspaceId)
}

func SubscribeDestination(topic string, workspaceId string) string {
	return DefaultDestinationSettings().SubscribeDestination(topic, workspaceId)
}

type MessageType string

const (
	MessageTypeTalk  MessageType = "TALK"
	MessageTypeEnter MessageType = "ENTER"
	MessageTypeExit  MessageType = "EXIT"
)

// the chat topic payload. Outbound TALK messages omit the sender, the broker fills it in.
type ChatMessage struct {
	MessageType MessageType `json:"messageType"`
	Message     string      `json:"message"`
	SenderName  string      `json:"senderName,omitempty"`
}

type TransportState int

const (
	TransportStateDisconnected TransportState = iota
	TransportStateConnecting
	TransportStateConnected
)

func (self TransportState) String() string {
	switch self {
	case TransportStateDisconnected:
		return "disconnected"
	case TransportStateConnecting:
		return "connecting"
	case TransportStateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	// wait for CONNECTED after CONNECT
	ConnectTimeout   time.Duration
	ReconnectTimeout time.Duration
	// requested heart-beat intervals. The negotiated values may be larger.
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	WriteTimeout      time.Duration
	SendBufferSize    int
	// extra CONNECT headers, e.g. authorization
	ConnectHeaders map[string]string
	Destinations   *DestinationSettings
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ConnectTimeout:     5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		HeartbeatOutgoing:  4 * time.Second,
		HeartbeatIncoming:  4 * time.Second,
		WriteTimeout:       5 * time.Second,
		SendBufferSize:     32,
		ConnectHeaders:     map[string]string{},
		Destinations:       DefaultDestinationSettings(),
	}
}

type MessageFunction func(destination string, body []byte)

type TransportStateChangeFunction func(state TransportState)

type Subscription struct {
	transport       *Transport
	subscriptionId  string
	destination     string
	messageCallback MessageFunction

	closed    atomic.Bool
	closeOnce sync.Once
}

func (self *Subscription) Destination() string {
	return self.destination
}

// unregisters the subscription. When it returns the callback is not invoked again.
// Must not be called from a message callback.
func (self *Subscription) Close() {
	self.closeOnce.Do(func() {
		self.transport.unsubscribe(self)
	})
}

type announcement struct {
	announcementId int
	workspaceId    string
}

// one outbound frame. `written` is closed after the frame is written to the socket.
type outboundFrame struct {
	message []byte
	written chan struct{}
}

// the span between one successful connect and the next disconnect.
// Frames still queued when the epoch ends are dropped with it.
type transportEpoch struct {
	ctx    context.Context
	cancel context.CancelFunc
	send   chan *outboundFrame
}

// Transport is a reconnecting STOMP client over one websocket.
// Subscriptions survive reconnects and are replayed at the start of every epoch.
// Publishes are fire-and-forget and are never queued across epochs.
// Inbound messages are dispatched on the read goroutine, in broker order, one callback at a time.
type Transport struct {
	ctx context.Context

	brokerUrl string
	identity  *Identity
	settings  *TransportSettings

	activateLock sync.Mutex
	runCancel    context.CancelFunc
	runDone      chan struct{}

	stateLock sync.Mutex
	state     TransportState
	epoch     *transportEpoch

	registryLock       sync.Mutex
	subscriptions      []*Subscription
	announcements      []*announcement
	nextAnnouncementId int

	dispatchLock sync.Mutex

	stateChangeCallbacks *CallbackList[TransportStateChangeFunction]
}

func NewTransportWithDefaults(ctx context.Context, brokerUrl string, identity *Identity) *Transport {
	return NewTransport(ctx, brokerUrl, identity, DefaultTransportSettings())
}

func NewTransport(ctx context.Context, brokerUrl string, identity *Identity, settings *TransportSettings) *Transport {
	if settings.Destinations == nil {
		settings.Destinations = DefaultDestinationSettings()
	}
	return &Transport{
		ctx:                  ctx,
		brokerUrl:            brokerUrl,
		identity:             identity,
		settings:             settings,
		state:                TransportStateDisconnected,
		stateChangeCallbacks: NewCallbackList[TransportStateChangeFunction](),
	}
}

func (self *Transport) Destinations() *DestinationSettings {
	return self.settings.Destinations
}

func (self *Transport) Identity() *Identity {
	return self.identity
}

// starts the connect loop. Idempotent.
func (self *Transport) Activate() {
	self.activateLock.Lock()
	defer self.activateLock.Unlock()

	if self.runCancel != nil {
		return
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	runDone := make(chan struct{})
	self.runCancel = runCancel
	self.runDone = runDone
	go self.run(runCtx, runDone)
}

// announces EXIT for every announced workspace and disconnects, if connected,
// then stops the connect loop and clears the subscriptions.
// No callback is invoked after Deactivate returns.
// Must not be called from a message or state change callback.
func (self *Transport) Deactivate() {
	self.activateLock.Lock()
	defer self.activateLock.Unlock()

	if self.runCancel == nil {
		return
	}

	var epoch *transportEpoch
	var written chan struct{}
	func() {
		self.registryLock.Lock()
		defer self.registryLock.Unlock()

		epoch = self.connectedEpoch()
		if epoch == nil {
			return
		}
		for _, announcement := range self.announcements {
			self.enqueueChat(epoch, announcement.workspaceId, MessageTypeExit)
		}
		written = make(chan struct{})
		disconnect := newStompFrame(stompDisconnect, "receipt", fmt.Sprintf("disconnect-%s", NewId().Short()))
		self.enqueue(epoch, &outboundFrame{
			message: encodeStompFrame(disconnect),
			written: written,
		}, true)
	}()
	if written != nil {
		select {
		case <-written:
		case <-epoch.ctx.Done():
		case <-time.After(self.settings.WriteTimeout):
			glog.Infof("[t]disconnect was not written before timeout\n")
		}
	}

	self.runCancel()
	<-self.runDone
	self.runCancel = nil
	self.runDone = nil

	self.registryLock.Lock()
	for _, subscription := range self.subscriptions {
		subscription.closed.Store(true)
	}
	self.subscriptions = nil
	self.announcements = nil
	self.registryLock.Unlock()
	glog.V(1).Infof("[t]deactivated %s\n", self.brokerUrl)
}

func (self *Transport) State() TransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Transport) IsConnected() bool {
	return self.State() == TransportStateConnected
}

func (self *Transport) AddStateChangeCallback(stateChangeCallback TransportStateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

// registers the callback for messages on `destination`.
// The subscription is sent now if connected and replayed on every reconnect.
func (self *Transport) Subscribe(destination string, messageCallback MessageFunction) *Subscription {
	subscription := &Subscription{
		transport:       self,
		subscriptionId:  fmt.Sprintf("sub-%s", NewId().Short()),
		destination:     destination,
		messageCallback: messageCallback,
	}

	self.registryLock.Lock()
	defer self.registryLock.Unlock()

	self.subscriptions = append(self.subscriptions, subscription)
	if epoch := self.currentEpoch(); epoch != nil {
		self.enqueue(epoch, &outboundFrame{
			message: encodeStompFrame(subscribeFrame(subscription)),
		}, true)
	}
	glog.V(1).Infof("[t]subscribe %s (%s)\n", destination, subscription.subscriptionId)
	return subscription
}

func (self *Transport) unsubscribe(subscription *Subscription) {
	func() {
		self.registryLock.Lock()
		defer self.registryLock.Unlock()

		subscription.closed.Store(true)
		i := slices.Index(self.subscriptions, subscription)
		if i < 0 {
			return
		}
		self.subscriptions = slices.Delete(slices.Clone(self.subscriptions), i, i+1)
		if epoch := self.currentEpoch(); epoch != nil {
			unsubscribe := newStompFrame(stompUnsubscribe, "id", subscription.subscriptionId)
			self.enqueue(epoch, &outboundFrame{
				message: encodeStompFrame(unsubscribe),
			}, true)
		}
		glog.V(1).Infof("[t]unsubscribe %s (%s)\n", subscription.destination, subscription.subscriptionId)
	}()

	// wait out an in flight dispatch
	self.dispatchLock.Lock()
	self.dispatchLock.Unlock()
}

// announces ENTER on the workspace chat at the start of every epoch while registered.
// The returned function announces EXIT, if connected, and unregisters.
func (self *Transport) Announce(workspaceId string) func() {
	self.registryLock.Lock()
	self.nextAnnouncementId += 1
	announcementId := self.nextAnnouncementId
	self.announcements = append(self.announcements, &announcement{
		announcementId: announcementId,
		workspaceId:    workspaceId,
	})
	if epoch := self.connectedEpoch(); epoch != nil {
		self.enqueueChat(epoch, workspaceId, MessageTypeEnter)
	}
	self.registryLock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			self.registryLock.Lock()
			defer self.registryLock.Unlock()

			i := slices.IndexFunc(self.announcements, func(a *announcement) bool {
				return a.announcementId == announcementId
			})
			if i < 0 {
				// cleared by deactivate, which already announced the exit
				return
			}
			self.announcements = slices.Delete(slices.Clone(self.announcements), i, i+1)
			if epoch := self.connectedEpoch(); epoch != nil {
				self.enqueueChat(epoch, workspaceId, MessageTypeExit)
			}
		})
	}
}

// fire-and-forget. Returns false and drops the message when not connected.
func (self *Transport) Publish(destination string, body []byte) bool {
	return self.publish(destination, "text/plain", body)
}

func (self *Transport) PublishJson(destination string, value any) bool {
	body, err := json.Marshal(value)
	if err != nil {
		glog.Infof("[ts]drop %s (encode error = %s)\n", destination, err)
		RecordPublish(destination, false)
		return false
	}
	return self.publish(destination, "application/json", body)
}

func (self *Transport) publish(destination string, contentType string, body []byte) bool {
	epoch := self.connectedEpoch()
	if epoch == nil {
		glog.Infof("[ts]drop %s (not connected)\n", destination)
		RecordPublish(destination, false)
		return false
	}
	send := newStompFrame(stompSend, "destination", destination, "content-type", contentType)
	send.body = body
	if !self.enqueue(epoch, &outboundFrame{message: encodeStompFrame(send)}, false) {
		glog.Infof("[ts]drop %s (send buffer full)\n", destination)
		RecordPublish(destination, false)
		return false
	}
	RecordPublish(destination, true)
	glog.V(2).Infof("[ts]%s %db\n", destination, len(body))
	return true
}

// caller must hold the registry lock
func (self *Transport) enqueueChat(epoch *transportEpoch, workspaceId string, messageType MessageType) {
	destination := self.settings.Destinations.PublishDestination(TopicChat, workspaceId)
	body, _ := json.Marshal(&ChatMessage{
		MessageType: messageType,
		Message:     "",
		SenderName:  self.identity.DisplayName(),
	})
	send := newStompFrame(stompSend, "destination", destination, "content-type", "application/json")
	send.body = body
	sent := self.enqueue(epoch, &outboundFrame{message: encodeStompFrame(send)}, true)
	RecordPublish(destination, sent)
	glog.V(1).Infof("[ts]%s %s sent=%t\n", messageType, destination, sent)
}

func (self *Transport) enqueue(epoch *transportEpoch, frame *outboundFrame, block bool) bool {
	if block {
		select {
		case <-epoch.ctx.Done():
			return false
		case epoch.send <- frame:
			return true
		case <-time.After(self.settings.WriteTimeout):
			return false
		}
	}
	select {
	case <-epoch.ctx.Done():
		return false
	case epoch.send <- frame:
		return true
	default:
		return false
	}
}

// the live epoch, even while subscriptions are being replayed
func (self *Transport) currentEpoch() *transportEpoch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.epoch
}

func (self *Transport) connectedEpoch() *transportEpoch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != TransportStateConnected {
		return nil
	}
	return self.epoch
}

func (self *Transport) setState(state TransportState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()

	if changed {
		self.notifyState(state)
	}
}

func (self *Transport) run(ctx context.Context, runDone chan struct{}) {
	defer func() {
		self.setState(TransportStateDisconnected)
		close(runDone)
	}()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		self.setState(TransportStateConnecting)

		var ws *websocket.Conn
		var outgoing time.Duration
		var incoming time.Duration
		var err error
		connect := func() (*websocket.Conn, error) {
			ws, outgoing, incoming, err = self.connect(ctx)
			return ws, err
		}
		if glog.V(2) {
			TraceWithReturnError(fmt.Sprintf("[t]connect %s", self.brokerUrl), connect)
		} else {
			connect()
		}
		if err != nil {
			RecordTransportConnect(false)
			self.setState(TransportStateDisconnected)
			if ctx.Err() != nil {
				return
			}
			glog.Infof("[t]connect error %s = %s (retry in %s)\n", self.brokerUrl, err, self.settings.ReconnectTimeout)
			select {
			case <-ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}
		RecordTransportConnect(true)

		self.runEpoch(ctx, ws, outgoing, incoming)
		RecordTransportDisconnect()
		self.setState(TransportStateDisconnected)

		if ctx.Err() != nil {
			return
		}
		glog.Infof("[t]disconnected %s (retry in %s)\n", self.brokerUrl, self.settings.ReconnectTimeout)
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// dials and completes the STOMP handshake.
// Returns the negotiated outgoing and incoming heart-beat intervals.
func (self *Transport) connect(ctx context.Context) (*websocket.Conn, time.Duration, time.Duration, error) {
	brokerUrl, err := url.Parse(self.brokerUrl)
	if err != nil {
		return nil, 0, 0, &TransportError{Op: "dial", Err: err}
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
		Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	}
	ws, _, err := dialer.DialContext(ctx, self.brokerUrl, nil)
	if err != nil {
		return nil, 0, 0, &TransportError{Op: "dial", Err: err}
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	connect := newStompFrame(
		stompConnect,
		"accept-version", "1.2,1.1,1.0",
		"host", brokerUrl.Hostname(),
		"heart-beat", formatHeartbeat(self.settings.HeartbeatOutgoing, self.settings.HeartbeatIncoming),
	)
	names := []string{}
	for name := range self.settings.ConnectHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		connect.addHeader(name, self.settings.ConnectHeaders[name])
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, encodeStompFrame(connect)); err != nil {
		return nil, 0, 0, &TransportError{Op: "connect", Err: err}
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.ConnectTimeout))
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return nil, 0, 0, &TransportError{Op: "connect", Err: err}
		}
		frames, err := decodeStompFrames(message)
		if err != nil {
			return nil, 0, 0, &TransportError{Op: "connect", Err: err}
		}
		for _, frame := range frames {
			switch frame.command {
			case stompConnected:
				serverHeartbeat, _ := frame.header("heart-beat")
				outgoing, incoming := negotiateHeartbeat(
					self.settings.HeartbeatOutgoing,
					self.settings.HeartbeatIncoming,
					serverHeartbeat,
				)
				version, _ := frame.header("version")
				glog.V(1).Infof("[t]connected %s version=%s heart-beat=%s,%s\n", self.brokerUrl, version, outgoing, incoming)
				success = true
				return ws, outgoing, incoming, nil
			case stompError:
				errorMessage, _ := frame.header("message")
				return nil, 0, 0, &TransportError{
					Op:  "connect",
					Err: fmt.Errorf("broker error: %s %s", errorMessage, string(frame.body)),
				}
			default:
				glog.V(2).Infof("[tr]ignore %s before connected\n", frame)
			}
		}
	}
}

func (self *Transport) runEpoch(ctx context.Context, ws *websocket.Conn, outgoing time.Duration, incoming time.Duration) {
	epochCtx, epochCancel := context.WithCancel(ctx)
	defer epochCancel()

	go func() {
		<-epochCtx.Done()
		// unblocks the read
		ws.Close()
	}()

	epoch := &transportEpoch{
		ctx:    epochCtx,
		cancel: epochCancel,
		send:   make(chan *outboundFrame, self.settings.SendBufferSize),
	}

	go func() {
		defer epochCancel()

		for {
			var heartbeat <-chan time.Time
			if 0 < outgoing {
				heartbeat = time.After(outgoing)
			}
			select {
			case <-epochCtx.Done():
				return
			case frame := <-epoch.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frame.message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ts]send error = %s\n", err)
					return
				}
				if frame.written != nil {
					close(frame.written)
				}
			case <-heartbeat:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, stompHeartbeat); err != nil {
					glog.Infof("[ts]heart-beat error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ts]heart-beat\n")
			}
		}
	}()

	// replay before any publish can see the new epoch
	func() {
		self.registryLock.Lock()
		defer self.registryLock.Unlock()

		self.stateLock.Lock()
		self.epoch = epoch
		self.stateLock.Unlock()

		for _, subscription := range self.subscriptions {
			self.enqueue(epoch, &outboundFrame{
				message: encodeStompFrame(subscribeFrame(subscription)),
			}, true)
		}
		for _, announcement := range self.announcements {
			self.enqueueChat(epoch, announcement.workspaceId, MessageTypeEnter)
		}

		self.stateLock.Lock()
		self.state = TransportStateConnected
		self.stateLock.Unlock()
	}()
	defer func() {
		self.stateLock.Lock()
		self.epoch = nil
		self.stateLock.Unlock()
	}()
	// the state is already connected. Force the notification.
	self.notifyState(TransportStateConnected)

	for {
		if 0 < incoming {
			// more than twice the negotiated interval without any traffic means the connection is dead
			ws.SetReadDeadline(time.Now().Add(2 * incoming))
		} else {
			ws.SetReadDeadline(time.Time{})
		}
		_, message, err := ws.ReadMessage()
		if err != nil {
			if epochCtx.Err() == nil {
				glog.Infof("[tr]receive error = %s\n", err)
			}
			return
		}

		frames, err := decodeStompFrames(message)
		if err != nil {
			glog.Infof("[tr]bad frame = %s\n", err)
			return
		}
		if len(frames) == 0 {
			glog.V(2).Infof("[tr]heart-beat\n")
			continue
		}
		for _, frame := range frames {
			switch frame.command {
			case stompMessage:
				self.dispatch(frame)
			case stompReceipt:
				receiptId, _ := frame.header("receipt-id")
				glog.V(2).Infof("[tr]receipt %s\n", receiptId)
			case stompError:
				errorMessage, _ := frame.header("message")
				err := &TransportError{
					Op:  "receive",
					Err: fmt.Errorf("broker error: %s %s", errorMessage, string(frame.body)),
				}
				glog.Infof("[tr]%s\n", err)
				return
			default:
				glog.V(2).Infof("[tr]ignore %s\n", frame)
			}
		}
	}
}

func (self *Transport) notifyState(state TransportState) {
	glog.V(1).Infof("[t]%s %s\n", state, self.brokerUrl)
	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		HandleError(func() {
			stateChangeCallback(state)
		})
	}
}

func (self *Transport) dispatch(frame *stompFrame) {
	destination, _ := frame.header("destination")
	subscriptionId, _ := frame.header("subscription")
	RecordInboundMessage(destination)
	glog.V(2).Infof("[tr]%s %db\n", destination, len(frame.body))

	self.registryLock.Lock()
	targets := []*Subscription{}
	for _, subscription := range self.subscriptions {
		if subscriptionId != "" {
			if subscription.subscriptionId == subscriptionId {
				targets = append(targets, subscription)
			}
		} else if subscription.destination == destination {
			targets = append(targets, subscription)
		}
	}
	self.registryLock.Unlock()

	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()
	for _, subscription := range targets {
		if subscription.closed.Load() {
			continue
		}
		HandleError(func() {
			subscription.messageCallback(destination, frame.body)
		})
	}
}

func subscribeFrame(subscription *Subscription) *stompFrame {
	return newStompFrame(
		stompSubscribe,
		"id", subscription.subscriptionId,
		"destination", subscription.destination,
		"ack", "auto",
	)
}
