package collab

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// STOMP 1.2 frames carried in websocket text messages.
// A message may hold several frames and heart-beat EOLs.

const (
	stompConnect     = "CONNECT"
	stompConnected   = "CONNECTED"
	stompSend        = "SEND"
	stompSubscribe   = "SUBSCRIBE"
	stompUnsubscribe = "UNSUBSCRIBE"
	stompDisconnect  = "DISCONNECT"
	stompMessage     = "MESSAGE"
	stompReceipt     = "RECEIPT"
	stompError       = "ERROR"
)

const stompVersion = "1.2"

type stompHeader struct {
	name  string
	value string
}

type stompFrame struct {
	command string
	headers []stompHeader
	body    []byte
}

func newStompFrame(command string, headerPairs ...string) *stompFrame {
	frame := &stompFrame{
		command: command,
	}
	for i := 0; i+1 < len(headerPairs); i += 2 {
		frame.addHeader(headerPairs[i], headerPairs[i+1])
	}
	return frame
}

func (self *stompFrame) addHeader(name string, value string) {
	self.headers = append(self.headers, stompHeader{name: name, value: value})
}

// repeated headers keep the first value
func (self *stompFrame) header(name string) (string, bool) {
	for _, header := range self.headers {
		if header.name == name {
			return header.value, true
		}
	}
	return "", false
}

func (self *stompFrame) String() string {
	return fmt.Sprintf("%s(%d headers, %db)", self.command, len(self.headers), len(self.body))
}

// CONNECT and CONNECTED headers are not escaped
func escapesHeaders(command string) bool {
	return command != stompConnect && command != stompConnected
}

var stompHeaderEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

var stompHeaderUnescaper = strings.NewReplacer(
	"\\\\", "\\",
	"\\r", "\r",
	"\\n", "\n",
	"\\c", ":",
)

func encodeStompFrame(frame *stompFrame) []byte {
	escape := escapesHeaders(frame.command)

	var b bytes.Buffer
	b.WriteString(frame.command)
	b.WriteByte('\n')
	for _, header := range frame.headers {
		if escape {
			b.WriteString(stompHeaderEscaper.Replace(header.name))
			b.WriteByte(':')
			b.WriteString(stompHeaderEscaper.Replace(header.value))
		} else {
			b.WriteString(header.name)
			b.WriteByte(':')
			b.WriteString(header.value)
		}
		b.WriteByte('\n')
	}
	if 0 < len(frame.body) {
		if _, ok := frame.header("content-length"); !ok {
			b.WriteString(fmt.Sprintf("content-length:%d\n", len(frame.body)))
		}
	}
	b.WriteByte('\n')
	b.Write(frame.body)
	b.WriteByte(0)
	return b.Bytes()
}

// the heart-beat frame
var stompHeartbeat = []byte{'\n'}

// decodes every frame in the message. A message of only EOLs is a heart-beat and yields no frames.
func decodeStompFrames(message []byte) ([]*stompFrame, error) {
	frames := []*stompFrame{}
	rest := message
	for {
		rest = trimStompEols(rest)
		if len(rest) == 0 {
			return frames, nil
		}
		frame, n, err := decodeStompFrame(rest)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		rest = rest[n:]
	}
}

func trimStompEols(b []byte) []byte {
	for 0 < len(b) {
		if b[0] == '\n' {
			b = b[1:]
		} else if 2 <= len(b) && b[0] == '\r' && b[1] == '\n' {
			b = b[2:]
		} else {
			break
		}
	}
	return b
}

// returns the frame and the number of bytes consumed
func decodeStompFrame(b []byte) (*stompFrame, int, error) {
	offset := 0
	readLine := func() (string, bool) {
		i := bytes.IndexByte(b[offset:], '\n')
		if i < 0 {
			return "", false
		}
		line := b[offset : offset+i]
		offset += i + 1
		return strings.TrimSuffix(string(line), "\r"), true
	}

	command, ok := readLine()
	if !ok || command == "" {
		return nil, 0, fmt.Errorf("stomp frame is missing a command")
	}
	frame := &stompFrame{
		command: command,
	}
	unescape := escapesHeaders(command)

	for {
		line, ok := readLine()
		if !ok {
			return nil, 0, fmt.Errorf("stomp %s frame headers are not terminated", command)
		}
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, 0, fmt.Errorf("stomp %s frame has a malformed header: %q", command, line)
		}
		name := line[:i]
		value := line[i+1:]
		if unescape {
			name = stompHeaderUnescaper.Replace(name)
			value = stompHeaderUnescaper.Replace(value)
		}
		frame.addHeader(name, value)
	}

	if contentLengthStr, ok := frame.header("content-length"); ok {
		contentLength, err := strconv.Atoi(contentLengthStr)
		if err != nil || contentLength < 0 {
			return nil, 0, fmt.Errorf("stomp %s frame has a bad content-length: %q", command, contentLengthStr)
		}
		if len(b) < offset+contentLength+1 || b[offset+contentLength] != 0 {
			return nil, 0, fmt.Errorf("stomp %s frame body is truncated", command)
		}
		frame.body = bytes.Clone(b[offset : offset+contentLength])
		return frame, offset + contentLength + 1, nil
	}

	i := bytes.IndexByte(b[offset:], 0)
	if i < 0 {
		return nil, 0, fmt.Errorf("stomp %s frame is not terminated", command)
	}
	frame.body = bytes.Clone(b[offset : offset+i])
	return frame, offset + i + 1, nil
}

func formatHeartbeat(outgoing time.Duration, incoming time.Duration) string {
	return fmt.Sprintf("%d,%d", outgoing.Milliseconds(), incoming.Milliseconds())
}

// the negotiated (outgoing, incoming) intervals. Zero disables that direction.
// The client sends `cx,cy` and the server answers `sx,sy`.
func negotiateHeartbeat(clientOutgoing time.Duration, clientIncoming time.Duration, serverHeartbeat string) (time.Duration, time.Duration) {
	var serverOutgoing time.Duration
	var serverIncoming time.Duration
	if parts := strings.Split(serverHeartbeat, ","); len(parts) == 2 {
		if sx, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64); err == nil {
			serverOutgoing = time.Duration(sx) * time.Millisecond
		}
		if sy, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
			serverIncoming = time.Duration(sy) * time.Millisecond
		}
	}

	var outgoing time.Duration
	if 0 < clientOutgoing && 0 < serverIncoming {
		outgoing = max(clientOutgoing, serverIncoming)
	}
	var incoming time.Duration
	if 0 < clientIncoming && 0 < serverOutgoing {
		incoming = max(clientIncoming, serverOutgoing)
	}
	return outgoing, incoming
}
