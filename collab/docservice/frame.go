package docservice

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type frameType string

const (
	frameAttach   frameType = "attach"
	framePush     frameType = "push"
	framePull     frameType = "pull"
	frameDetach   frameType = "detach"
	frameResult   frameType = "result"
	frameError    frameType = "error"
	frameDelivery frameType = "delivery"
)

// one message on the document socket.
// Requests carry a request id that the matching result or error echoes.
type frame struct {
	Type      frameType      `json:"type"`
	RequestId uint64         `json:"request_id,omitempty"`
	Key       string         `json:"key,omitempty"`
	ReplicaId string         `json:"replica_id,omitempty"`
	Ops       []*Op          `json:"ops,omitempty"`
	Presence  Presence       `json:"presence,omitempty"`
	Snapshot  *Snapshot      `json:"snapshot,omitempty"`
	Presences []PeerPresence `json:"presences,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// frames are carried as a protobuf Struct in binary websocket messages
func encodeFrame(f *frame) ([]byte, error) {
	frameJson, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var values map[string]any
	if err := json.Unmarshal(frameJson, &values); err != nil {
		return nil, err
	}
	message, err := structpb.NewStruct(values)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(message)
}

func decodeFrame(b []byte) (*frame, error) {
	message := &structpb.Struct{}
	if err := proto.Unmarshal(b, message); err != nil {
		return nil, err
	}
	frameJson, err := json.Marshal(message.AsMap())
	if err != nil {
		return nil, err
	}
	f := &frame{}
	if err := json.Unmarshal(frameJson, f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame is missing a type")
	}
	return f, nil
}

func requireEncodeFrame(f *frame) []byte {
	b, err := encodeFrame(f)
	if err != nil {
		panic(err)
	}
	return b
}
