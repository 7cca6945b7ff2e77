package collab

import (
	"strconv"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestStompFrameCodec(t *testing.T) {
	send := newStompFrame(
		stompSend,
		"destination", "/api/pub/workspace-chat/42",
		"content-type", "application/json",
		"note", "a:b\nc\\d",
	)
	send.body = []byte(`{"messageType":"TALK","message":"hi"}`)

	message := encodeStompFrame(send)
	frames, err := decodeStompFrames(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frames), 1)

	frame := frames[0]
	assert.Equal(t, frame.command, stompSend)
	destination, _ := frame.header("destination")
	assert.Equal(t, destination, "/api/pub/workspace-chat/42")
	note, _ := frame.header("note")
	assert.Equal(t, note, "a:b\nc\\d")
	contentLength, ok := frame.header("content-length")
	assert.Equal(t, ok, true)
	assert.Equal(t, contentLength, strconv.Itoa(len(send.body)))
	assert.Equal(t, string(frame.body), `{"messageType":"TALK","message":"hi"}`)
}

func TestStompConnectHeadersNotEscaped(t *testing.T) {
	connect := newStompFrame(stompConnect, "accept-version", "1.2", "passcode", "a:b")
	message := encodeStompFrame(connect)
	assert.Equal(t, string(message), "CONNECT\naccept-version:1.2\npasscode:a:b\n\n\x00")

	frames, err := decodeStompFrames(message)
	assert.Equal(t, err, nil)
	passcode, _ := frames[0].header("passcode")
	assert.Equal(t, passcode, "a:b")
}

func TestStompMultipleFramesAndHeartbeats(t *testing.T) {
	message := []byte{}
	message = append(message, stompHeartbeat...)
	message = append(message, encodeStompFrame(newStompFrame(stompReceipt, "receipt-id", "r1"))...)
	message = append(message, '\r', '\n')
	message = append(message, encodeStompFrame(newStompFrame(stompMessage, "destination", "/d", "subscription", "s1"))...)
	message = append(message, '\n', '\n')

	frames, err := decodeStompFrames(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frames), 2)
	assert.Equal(t, frames[0].command, stompReceipt)
	assert.Equal(t, frames[1].command, stompMessage)

	// a bare heart-beat carries no frames
	frames, err = decodeStompFrames(stompHeartbeat)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(frames), 0)
}

func TestStompBodyWithNul(t *testing.T) {
	send := newStompFrame(stompSend, "destination", "/d")
	send.body = []byte{'a', 0, 'b'}
	frames, err := decodeStompFrames(encodeStompFrame(send))
	assert.Equal(t, err, nil)
	assert.Equal(t, frames[0].body, []byte{'a', 0, 'b'})
}

func TestStompMalformed(t *testing.T) {
	_, err := decodeStompFrames([]byte("SEND\ndestination:/d\n\nno terminator"))
	assert.NotEqual(t, err, nil)

	_, err = decodeStompFrames([]byte("SEND\nbadheader\n\n\x00"))
	assert.NotEqual(t, err, nil)

	_, err = decodeStompFrames([]byte("SEND\ncontent-length:10\n\nshort\x00"))
	assert.NotEqual(t, err, nil)
}

func TestNegotiateHeartbeat(t *testing.T) {
	assert.Equal(t, formatHeartbeat(4*time.Second, 0), "4000,0")

	outgoing, incoming := negotiateHeartbeat(4*time.Second, 4*time.Second, "10000,2000")
	assert.Equal(t, outgoing, 4*time.Second)
	assert.Equal(t, incoming, 10*time.Second)

	// the server does not want heart-beats
	outgoing, incoming = negotiateHeartbeat(4*time.Second, 4*time.Second, "0,0")
	assert.Equal(t, outgoing, time.Duration(0))
	assert.Equal(t, incoming, time.Duration(0))

	outgoing, incoming = negotiateHeartbeat(0, 4*time.Second, "1000,1000")
	assert.Equal(t, outgoing, time.Duration(0))
	assert.Equal(t, incoming, 4*time.Second)

	// missing header
	outgoing, incoming = negotiateHeartbeat(4*time.Second, 4*time.Second, "")
	assert.Equal(t, outgoing, time.Duration(0))
	assert.Equal(t, incoming, time.Duration(0))
}
