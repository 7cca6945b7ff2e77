package collab

import (
	"encoding/json"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

type ChatMessageFunction func(index int, message *ChatMessage)

// ChatSession keeps the ordered log of the workspace chat.
// The log is in arrival order and includes the session's own messages as echoed by the broker.
type ChatSession struct {
	transport   *Transport
	workspaceId string

	mutex    sync.Mutex
	messages []*ChatMessage

	subscription *Subscription
	unannounce   func()

	messageCallbacks *CallbackList[ChatMessageFunction]

	log LogFunction
}

func NewChatSession(transport *Transport, workspaceId string) *ChatSession {
	return &ChatSession{
		transport:        transport,
		workspaceId:      workspaceId,
		messageCallbacks: NewCallbackList[ChatMessageFunction](),
		log:              LogFn(tagChat),
	}
}

// subscribes to the workspace chat and announces the participant on every connect
func (self *ChatSession) Open() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.subscription != nil {
		return
	}
	destination := self.transport.Destinations().SubscribeDestination(TopicChat, self.workspaceId)
	self.subscription = self.transport.Subscribe(destination, self.onMessage)
	self.unannounce = self.transport.Announce(self.workspaceId)
}

// announces the exit, if connected, and unsubscribes
func (self *ChatSession) Close() {
	self.mutex.Lock()
	subscription := self.subscription
	unannounce := self.unannounce
	self.subscription = nil
	self.unannounce = nil
	self.mutex.Unlock()

	if unannounce != nil {
		unannounce()
	}
	if subscription != nil {
		subscription.Close()
	}
}

// publishes a TALK message. Blank text or an inactive connection is a no-op.
func (self *ChatSession) Send(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if !self.transport.IsConnected() {
		self.log("send to %s skipped (not connected)\n", self.workspaceId)
		return false
	}
	destination := self.transport.Destinations().PublishDestination(TopicChat, self.workspaceId)
	return self.transport.PublishJson(destination, &ChatMessage{
		MessageType: MessageTypeTalk,
		Message:     text,
	})
}

func (self *ChatSession) Messages() []*ChatMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.messages)
}

// indices of TALK messages that contain the query. A blank query matches nothing.
func (self *ChatSession) Search(query string) []int {
	indices := []int{}
	if strings.TrimSpace(query) == "" {
		return indices
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for i, message := range self.messages {
		if message.MessageType == MessageTypeTalk && strings.Contains(message.Message, query) {
			indices = append(indices, i)
		}
	}
	return indices
}

func (self *ChatSession) AddMessageCallback(messageCallback ChatMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *ChatSession) onMessage(destination string, body []byte) {
	message := &ChatMessage{}
	if err := json.Unmarshal(body, message); err != nil {
		self.log("bad message on %s = %s\n", destination, err)
		return
	}

	self.mutex.Lock()
	self.messages = append(self.messages, message)
	index := len(self.messages) - 1
	self.mutex.Unlock()

	for _, messageCallback := range self.messageCallbacks.Get() {
		HandleError(func() {
			messageCallback(index, message)
		})
	}
}
