package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// a minimal STOMP broker. SEND frames on relayed destinations are delivered
// to the matching subscribe destination, including back to the sender.
type testBroker struct {
	upgrader websocket.Upgrader
	relay    func(destination string) bool

	mutex         sync.Mutex
	// the heart-beat header of CONNECTED. The broker itself never sends heart-beats.
	heartbeat     string
	// refuses new connections with 503
	down          bool
	heartbeats    int
	connectCount  int
	connections   map[*testBrokerConnection]bool
	sends         []*stompFrame
	commands      []string
	nextMessageId int
}

type testBrokerConnection struct {
	ws        *websocket.Conn
	writeLock sync.Mutex
	// subscription id -> destination. Guarded by the broker mutex.
	subscriptions map[string]string
}

func (self *testBrokerConnection) write(frame *stompFrame) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.WriteMessage(websocket.TextMessage, encodeStompFrame(frame))
}

func newTestBroker() (*testBroker, *httptest.Server) {
	broker := &testBroker{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"v12.stomp"},
		},
		relay: func(destination string) bool {
			return strings.Contains(destination, fmt.Sprintf("/%s/", TopicChat))
		},
		heartbeat:   "0,0",
		connections: map[*testBrokerConnection]bool{},
	}
	return broker, httptest.NewServer(broker)
}

func testBrokerUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func (self *testBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	down := self.down
	self.mutex.Unlock()
	if down {
		http.Error(w, "broker down", http.StatusServiceUnavailable)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	connection := &testBrokerConnection{
		ws:            ws,
		subscriptions: map[string]string{},
	}
	defer func() {
		self.mutex.Lock()
		delete(self.connections, connection)
		self.mutex.Unlock()
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := decodeStompFrames(message)
		if err != nil {
			return
		}
		if len(frames) == 0 {
			self.mutex.Lock()
			self.heartbeats += 1
			self.mutex.Unlock()
		}
		for _, frame := range frames {
			if !self.handle(connection, frame) {
				return
			}
		}
	}
}

func (self *testBroker) handle(connection *testBrokerConnection, frame *stompFrame) bool {
	self.mutex.Lock()
	self.commands = append(self.commands, frame.command)
	self.mutex.Unlock()

	switch frame.command {
	case stompConnect:
		self.mutex.Lock()
		self.connectCount += 1
		self.connections[connection] = true
		heartbeat := self.heartbeat
		self.mutex.Unlock()
		connection.write(newStompFrame(stompConnected, "version", stompVersion, "heart-beat", heartbeat))
	case stompSubscribe:
		subscriptionId, _ := frame.header("id")
		destination, _ := frame.header("destination")
		self.mutex.Lock()
		connection.subscriptions[subscriptionId] = destination
		self.mutex.Unlock()
	case stompUnsubscribe:
		subscriptionId, _ := frame.header("id")
		self.mutex.Lock()
		delete(connection.subscriptions, subscriptionId)
		self.mutex.Unlock()
	case stompSend:
		destination, _ := frame.header("destination")
		self.mutex.Lock()
		self.sends = append(self.sends, frame)
		self.mutex.Unlock()
		if self.relay(destination) {
			self.inject(strings.Replace(destination, "/api/pub/", "/api/sub/", 1), frame.body)
		}
	case stompDisconnect:
		if receiptId, ok := frame.header("receipt"); ok {
			connection.write(newStompFrame(stompReceipt, "receipt-id", receiptId))
		}
		return false
	}
	return true
}

// delivers a MESSAGE to every subscriber of the destination
func (self *testBroker) inject(destination string, body []byte) {
	type target struct {
		connection     *testBrokerConnection
		subscriptionId string
	}
	self.mutex.Lock()
	targets := []target{}
	for connection := range self.connections {
		for subscriptionId, subscriptionDestination := range connection.subscriptions {
			if subscriptionDestination == destination {
				targets = append(targets, target{connection, subscriptionId})
			}
		}
	}
	self.nextMessageId += 1
	messageId := fmt.Sprintf("m-%d", self.nextMessageId)
	self.mutex.Unlock()

	for _, target := range targets {
		message := newStompFrame(
			stompMessage,
			"destination", destination,
			"subscription", target.subscriptionId,
			"message-id", messageId,
			"content-type", "application/json",
		)
		message.body = body
		target.connection.write(message)
	}
}

// closes every live socket, as a broker restart or network failure would
func (self *testBroker) dropAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for connection := range self.connections {
		connection.ws.Close()
	}
}

func (self *testBroker) setHeartbeat(heartbeat string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.heartbeat = heartbeat
}

func (self *testBroker) setDown(down bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.down = down
}

func (self *testBroker) heartbeatCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.heartbeats
}

func (self *testBroker) connects() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connectCount
}

func (self *testBroker) subscribers(destination string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	n := 0
	for connection := range self.connections {
		for _, subscriptionDestination := range connection.subscriptions {
			if subscriptionDestination == destination {
				n += 1
			}
		}
	}
	return n
}

func (self *testBroker) sendsTo(destination string) [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	bodies := [][]byte{}
	for _, send := range self.sends {
		if sendDestination, _ := send.header("destination"); sendDestination == destination {
			bodies = append(bodies, send.body)
		}
	}
	return bodies
}

func (self *testBroker) chatCount(workspaceId string, messageType MessageType) int {
	n := 0
	for _, body := range self.sendsTo(PublishDestination(TopicChat, workspaceId)) {
		var message ChatMessage
		if err := json.Unmarshal(body, &message); err == nil && message.MessageType == messageType {
			n += 1
		}
	}
	return n
}

func (self *testBroker) commandCount(command string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	n := 0
	for _, c := range self.commands {
		if c == command {
			n += 1
		}
	}
	return n
}

func testTransportSettings() *TransportSettings {
	settings := DefaultTransportSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.HeartbeatOutgoing = 0
	settings.HeartbeatIncoming = 0
	return settings
}

func newTestTransport(ctx context.Context, server *httptest.Server, nickname string) *Transport {
	identity := &Identity{
		UserId:   fmt.Sprintf("user-%s", nickname),
		Nickname: nickname,
	}
	return NewTransport(ctx, testBrokerUrl(server), identity, testTransportSettings())
}

type messageRecorder struct {
	mutex  sync.Mutex
	bodies []string
}

func (self *messageRecorder) record(destination string, body []byte) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.bodies = append(self.bodies, string(body))
}

func (self *messageRecorder) get() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]string{}, self.bodies...)
}

func TestTransportPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, server := newTestBroker()
	defer server.Close()

	transport := newTestTransport(ctx, server, "alice")
	recorder := &messageRecorder{}
	transport.Subscribe(SubscribeDestination(TopicChat, "42"), recorder.record)

	states := []TransportState{}
	var statesLock sync.Mutex
	transport.AddStateChangeCallback(func(state TransportState) {
		statesLock.Lock()
		defer statesLock.Unlock()
		states = append(states, state)
	})

	transport.Activate()
	// idempotent
	transport.Activate()
	waitFor(t, 5*time.Second, transport.IsConnected)

	sent := transport.Publish(PublishDestination(TopicChat, "42"), []byte(`{"messageType":"TALK","message":"hello"}`))
	assert.Equal(t, sent, true)
	waitFor(t, 5*time.Second, func() bool {
		return len(recorder.get()) == 1
	})
	assert.Equal(t, recorder.get()[0], `{"messageType":"TALK","message":"hello"}`)

	transport.Deactivate()
	assert.Equal(t, transport.State(), TransportStateDisconnected)
	assert.Equal(t, broker.connects(), 1)

	statesLock.Lock()
	assert.Equal(t, states[0], TransportStateConnecting)
	assert.Equal(t, states[1], TransportStateConnected)
	assert.Equal(t, states[len(states)-1], TransportStateDisconnected)
	statesLock.Unlock()
}

func TestTransportPublishNotConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, server := newTestBroker()
	defer server.Close()

	transport := newTestTransport(ctx, server, "alice")
	assert.Equal(t, transport.State(), TransportStateDisconnected)
	assert.Equal(t, transport.Publish(PublishDestination(TopicTerminal, "42"), []byte("{}")), false)
	assert.Equal(t, transport.PublishJson(PublishDestination(TopicTerminal, "42"), &TerminalCommand{Command: "ls"}), false)
}

func TestTransportConnectRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, server := newTestBroker()
	brokerUrl := testBrokerUrl(server)
	server.Close()

	// nothing listens, connects fail and are retried
	transport := NewTransport(ctx, brokerUrl, &Identity{UserId: "1"}, testTransportSettings())
	transport.Activate()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, transport.IsConnected(), false)
	transport.Deactivate()
	assert.Equal(t, transport.State(), TransportStateDisconnected)
	assert.Equal(t, broker.connects(), 0)
}

func TestTransportReconnectReplays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, server := newTestBroker()
	defer server.Close()

	transport := newTestTransport(ctx, server, "alice")
	recorder := &messageRecorder{}
	destination := SubscribeDestination(TopicChat, "42")
	transport.Subscribe(destination, recorder.record)
	release := transport.Announce("42")
	defer release()

	transport.Activate()
	defer transport.Deactivate()

	waitFor(t, 5*time.Second, func() bool {
		return broker.chatCount("42", MessageTypeEnter) == 1
	})
	assert.Equal(t, broker.subscribers(destination), 1)

	broker.dropAll()

	// the subscription and the ENTER announcement are replayed on the new connection
	waitFor(t, 5*time.Second, func() bool {
		return broker.connects() == 2 && broker.chatCount("42", MessageTypeEnter) == 2
	})
	waitFor(t, 5*time.Second, func() bool {
		return broker.subscribers(destination) == 1 && transport.IsConnected()
	})

	sent := transport.PublishJson(PublishDestination(TopicChat, "42"), &ChatMessage{
		MessageType: MessageTypeTalk,
		Message:     "after reconnect",
	})
	assert.Equal(t, sent, true)
	waitFor(t, 5*time.Second, func() bool {
		for _, body := range recorder.get() {
			if strings.Contains(body, "after reconnect") {
				return true
			}
		}
		return false
	})

	// a socket drop cannot announce the exit
	assert.Equal(t, broker.chatCount("42", MessageTypeExit), 0)

	var enter ChatMessage
	bodies := broker.sendsTo(PublishDestination(TopicChat, "42"))
	assert.Equal(t, json.Unmarshal(bodies[0], &enter), nil)
	assert.Equal(t, enter, ChatMessage{MessageType: MessageTypeEnter, Message: "", SenderName: "alice"})
}

func TestTransportDeactivate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, server := newTestBroker()
	defer server.Close()

	transport := newTestTransport(ctx, server, "alice")
	recorder := &messageRecorder{}
	destination := SubscribeDestination(TopicChat, "42")
	subscription := transport.Subscribe(destination, recorder.record)
	transport.Announce("42")

	transport.Activate()
	waitFor(t, 5*time.Second, func() bool {
		return broker.subscribers(destination) == 1 && transport.IsConnected()
	})

	transport.Deactivate()
	assert.Equal(t, transport.State(), TransportStateDisconnected)
	waitFor(t, 5*time.Second, func() bool {
		return broker.chatCount("42", MessageTypeExit) == 1 && broker.commandCount(stompDisconnect) == 1
	})

	// no reconnect after deactivate
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, broker.connects(), 1)
	assert.Equal(t, transport.Publish(PublishDestination(TopicChat, "42"), []byte("{}")), false)

	// the registry was cleared, closing is a no-op
	subscription.Close()
	assert.Equal(t, broker.commandCount(stompUnsubscribe), 0)

	// a new activation starts from an empty registry
	transport.Activate()
	waitFor(t, 5*time.Second, transport.IsConnected)
	assert.Equal(t, broker.connects(), 2)
	broker.inject(destination, []byte("late"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(recorder.get()), 0)
	transport.Deactivate()
}

func TestTransportUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, server := newTestBroker()
	defer server.Close()

	transport := newTestTransport(ctx, server, "alice")
	transport.Activate()
	defer transport.Deactivate()
	waitFor(t, 5*time.Second, transport.IsConnected)

	a := &messageRecorder{}
	b := &messageRecorder{}
	destination := SubscribeDestination(TopicChat, "7")
	subscriptionA := transport.Subscribe(destination, a.record)
	transport.Subscribe(destination, b.record)
	waitFor(t, 5*time.Second, func() bool {
		return broker.subscribers(destination) == 2
	})

	transport.Publish(PublishDestination(TopicChat, "7"), []byte("one"))
	waitFor(t, 5*time.Second, func() bool {
		return len(a.get()) == 1 && len(b.get()) == 1
	})

	subscriptionA.Close()
	waitFor(t, 5*time.Second, func() bool {
		return broker.subscribers(destination) == 1
	})

	transport.Publish(PublishDestination(TopicChat, "7"), []byte("two"))
	waitFor(t, 5*time.Second, func() bool {
		return len(b.get()) == 2
	})
	assert.Equal(t, a.get(), []string{"one"})
}

func TestTransportPanickingCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, server := newTestBroker()
	defer server.Close()

	transport := newTestTransport(ctx, server, "alice")
	destination := SubscribeDestination(TopicChat, "9")
	transport.Subscribe(destination, func(destination string, body []byte) {
		panic("handler bug")
	})
	recorder := &messageRecorder{}
	transport.Subscribe(destination, recorder.record)

	transport.Activate()
	defer transport.Deactivate()
	waitFor(t, 5*time.Second, transport.IsConnected)

	transport.Publish(PublishDestination(TopicChat, "9"), []byte("a"))
	transport.Publish(PublishDestination(TopicChat, "9"), []byte("b"))
	waitFor(t, 5*time.Second, func() bool {
		return len(recorder.get()) == 2
	})
	assert.Equal(t, recorder.get(), []string{"a", "b"})
	assert.Equal(t, transport.IsConnected(), true)
}

func TestDestinations(t *testing.T) {
	assert.Equal(t, PublishDestination(TopicTerminal, "42"), "/api/pub/terminal/42")
	assert.Equal(t, SubscribeDestination(TopicChat, "42"), "/api/sub/workspace-chat/42")
	assert.Equal(t, destinationTopic("/api/sub/workspace-chat/42"), "workspace-chat")
}

func TestTransportIncomingHeartbeatTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, server := newTestBroker()
	defer server.Close()
	// the broker promises a heart-beat every 100ms and then stays silent
	broker.setHeartbeat("100,100")

	settings := testTransportSettings()
	settings.HeartbeatIncoming = 100 * time.Millisecond
	transport := NewTransport(ctx, testBrokerUrl(server), &Identity{UserId: "user-alice", Nickname: "alice"}, settings)

	var mutex sync.Mutex
	var connectedTime time.Time
	var disconnectedTime time.Time
	transport.AddStateChangeCallback(func(state TransportState) {
		mutex.Lock()
		defer mutex.Unlock()
		switch state {
		case TransportStateConnected:
			if connectedTime.IsZero() {
				connectedTime = time.Now()
			}
		case TransportStateDisconnected:
			if !connectedTime.IsZero() && disconnectedTime.IsZero() {
				disconnectedTime = time.Now()
			}
		}
	})

	transport.Activate()
	defer transport.Deactivate()

	waitFor(t, 5*time.Second, func() bool {
		return 2 <= broker.connects()
	})

	mutex.Lock()
	silence := disconnectedTime.Sub(connectedTime)
	mutex.Unlock()
	// the read deadline is twice the negotiated incoming interval
	assert.Equal(t, 150*time.Millisecond <= silence, true)
	assert.Equal(t, silence < 2*time.Second, true)
	assert.Equal(t, broker.commandCount(stompDisconnect), 0)
}

func TestTransportOutgoingHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, server := newTestBroker()
	defer server.Close()
	// the broker wants a heart-beat every 50ms and sends none
	broker.setHeartbeat("0,50")

	settings := testTransportSettings()
	settings.HeartbeatOutgoing = 100 * time.Millisecond
	transport := NewTransport(ctx, testBrokerUrl(server), &Identity{UserId: "user-alice", Nickname: "alice"}, settings)
	transport.Activate()
	defer transport.Deactivate()

	waitFor(t, 5*time.Second, func() bool {
		return 3 <= broker.heartbeatCount()
	})
	// no incoming heart-beat was negotiated, so the silent broker is not a dead connection
	assert.Equal(t, broker.connects(), 1)
	assert.Equal(t, transport.IsConnected(), true)
}

func TestTransportNoResendAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, server := newTestBroker()
	defer server.Close()

	transport := newTestTransport(ctx, server, "alice")
	transport.Activate()
	defer transport.Deactivate()

	destination := PublishDestination(TopicTerminal, "42")
	waitFor(t, 5*time.Second, transport.IsConnected)
	assert.Equal(t, transport.Publish(destination, []byte("before")), true)
	waitFor(t, 5*time.Second, func() bool {
		return len(broker.sendsTo(destination)) == 1
	})

	broker.setDown(true)
	broker.dropAll()
	waitFor(t, 5*time.Second, func() bool {
		return !transport.IsConnected()
	})
	// dropped, not queued for the next epoch
	assert.Equal(t, transport.Publish(destination, []byte("during")), false)

	broker.setDown(false)
	waitFor(t, 5*time.Second, transport.IsConnected)
	assert.Equal(t, transport.Publish(destination, []byte("after")), true)
	waitFor(t, 5*time.Second, func() bool {
		return len(broker.sendsTo(destination)) == 2
	})
	time.Sleep(100 * time.Millisecond)

	bodies := []string{}
	for _, body := range broker.sendsTo(destination) {
		bodies = append(bodies, string(body))
	}
	assert.Equal(t, bodies, []string{"before", "after"})
	assert.Equal(t, 2, broker.connects())
}
