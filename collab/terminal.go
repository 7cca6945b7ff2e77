package collab

import (
	"encoding/json"
	"strings"
	"sync"
	"unicode"

	"github.com/golang/glog"
)

const TerminalPrompt = "$ "

// a key event as reported by the terminal widget
type Key struct {
	// the text the key produces
	Key string
	// the key name, e.g. "Enter", "Backspace", "a"
	Name string
	Alt  bool
	Ctrl bool
	Meta bool
}

func (self Key) hasModifier() bool {
	return self.Alt || self.Ctrl || self.Meta
}

func (self Key) isPrintable() bool {
	if self.Key == "" {
		return false
	}
	for _, r := range self.Key {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// the visible terminal. Writes are raw terminal output.
type Display interface {
	Write(s string)
}

type LineEditorState int

const (
	LineEditorIdle LineEditorState = iota
	LineEditorEditing
)

func (self LineEditorState) String() string {
	switch self {
	case LineEditorIdle:
		return "idle"
	default:
		return "editing"
	}
}

type TerminalCommand struct {
	Command string `json:"command"`
}

type TerminalResult struct {
	Result string `json:"result"`
}

// TerminalLineEditor buffers one command line and dispatches it on Enter.
// The cursor is always at the end of the buffer.
// Inbound results are appended to the display as they arrive, even mid edit.
type TerminalLineEditor struct {
	transport   *Transport
	workspaceId string
	display     Display

	mutex  sync.Mutex
	buffer []rune

	subscription      *Subscription
	removeStateChange func()

	log LogFunction
}

func NewTerminalLineEditor(transport *Transport, workspaceId string, display Display) *TerminalLineEditor {
	return &TerminalLineEditor{
		transport:   transport,
		workspaceId: workspaceId,
		display:     display,
		log:         LogFn(tagTerminal),
	}
}

// writes the prompt and subscribes to terminal results for the workspace
func (self *TerminalLineEditor) Open() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.subscription != nil {
		return
	}
	self.display.Write(TerminalPrompt)
	destination := self.transport.Destinations().SubscribeDestination(TopicTerminal, self.workspaceId)
	self.subscription = self.transport.Subscribe(destination, self.onResultMessage)
	self.removeStateChange = self.transport.AddStateChangeCallback(func(state TransportState) {
		if state == TransportStateDisconnected {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			// abandon the echoed partial line so the display matches the empty buffer
			if 0 < len(self.buffer) {
				self.buffer = nil
				self.display.Write("\r\n" + TerminalPrompt)
			}
		}
	})
}

func (self *TerminalLineEditor) Close() {
	self.mutex.Lock()
	subscription := self.subscription
	removeStateChange := self.removeStateChange
	self.subscription = nil
	self.removeStateChange = nil
	self.mutex.Unlock()

	if subscription != nil {
		subscription.Close()
	}
	if removeStateChange != nil {
		removeStateChange()
	}
}

func (self *TerminalLineEditor) Buffer() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return string(self.buffer)
}

func (self *TerminalLineEditor) State() LineEditorState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.buffer) == 0 {
		return LineEditorIdle
	}
	return LineEditorEditing
}

func (self *TerminalLineEditor) HandleKey(key Key) {
	switch key.Name {
	case "Enter":
		self.Submit()
	case "Backspace":
		self.mutex.Lock()
		defer self.mutex.Unlock()
		// the prompt is never erased
		if 0 < len(self.buffer) {
			self.buffer = self.buffer[:len(self.buffer)-1]
			self.display.Write("\b \b")
		}
	default:
		if key.hasModifier() || !key.isPrintable() {
			return
		}
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.buffer = append(self.buffer, []rune(key.Key)...)
		self.display.Write(key.Key)
	}
}

// publishes the trimmed command and starts a new prompt line.
// An empty buffer or an inactive connection is a no-op. Returns true if the command was sent.
func (self *TerminalLineEditor) Submit() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.buffer) == 0 {
		return false
	}
	if !self.transport.IsConnected() {
		glog.V(1).Infof("[term]submit %s skipped (not connected)\n", self.workspaceId)
		return false
	}

	command := strings.TrimSpace(string(self.buffer))
	destination := self.transport.Destinations().PublishDestination(TopicTerminal, self.workspaceId)
	if !self.transport.PublishJson(destination, &TerminalCommand{Command: command}) {
		return false
	}
	self.buffer = nil
	self.display.Write("\r\n" + TerminalPrompt)
	return true
}

// writes each line of a command result, then a fresh prompt
func (self *TerminalLineEditor) ShowResult(result string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, line := range strings.Split(result, "\n") {
		self.display.Write(line + "\r\n")
	}
	self.display.Write("\r" + TerminalPrompt)
}

// writes the output of a file run started outside the terminal
func (self *TerminalLineEditor) ShowExecutionResult(result string) {
	if result == "" {
		return
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.display.Write("\r\n" + result)
	self.display.Write("\r" + TerminalPrompt)
}

func (self *TerminalLineEditor) onResultMessage(destination string, body []byte) {
	var result TerminalResult
	if err := json.Unmarshal(body, &result); err != nil {
		self.log("bad result on %s = %s\n", destination, err)
		return
	}
	self.ShowResult(result.Result)
}
