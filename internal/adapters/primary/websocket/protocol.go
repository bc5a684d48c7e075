package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
)

// Inbound message types.
const (
	MsgSubscribe   = "SUBSCRIBE"
	MsgUnsubscribe = "UNSUBSCRIBE"
	MsgTypingStart = "TYPING_START"
	MsgTypingStop  = "TYPING_STOP"
	MsgPing        = "PING"
)

// Outbound frame types.
const (
	FrameSubscribed   = "SUBSCRIBED"
	FrameUnsubscribed = "UNSUBSCRIBED"
	FrameRowChanges   = "ROW_CHANGES"
	FrameReactions    = "REACTIONS"
	FrameReadReceipts = "READ_RECEIPTS"
	FramePresence     = "PRESENCE"
	FrameTyping       = "TYPING"
	FrameError        = "ERROR"
	FramePong         = "PONG"
)

// Subprotocols negotiated on upgrade. JSON is used when the client
// requests neither.
const (
	SubprotocolJSON    = "lnked.v1.json"
	SubprotocolMsgpack = "lnked.v1.msgpack"
)

// Subprotocols lists the supported subprotocols in preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// ClientMessage is the structure for messages sent from the client.
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	// Ref is echoed on the acknowledgement or error for this message.
	Ref string `json:"ref,omitempty"`
}

// ServerFrame is one message pushed to the client.
type ServerFrame struct {
	Type   string        `json:"type"`
	Topic  string        `json:"topic,omitempty"`
	Ref    string        `json:"ref,omitempty"`
	Events []EventFrame  `json:"events,omitempty"`
	Users  []string      `json:"users,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

// EventFrame is the wire form of one envelope.
type EventFrame struct {
	Kind      domain.EventKind `json:"kind"`
	ArrivedAt time.Time        `json:"arrived_at"`
	Data      domain.Event     `json:"data"`
}

// ErrorPayload carries a machine-readable code and a message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func eventFrames(envs []domain.Envelope) []EventFrame {
	frames := make([]EventFrame, len(envs))
	for i, env := range envs {
		frames[i] = EventFrame{Kind: env.Kind(), ArrivedAt: env.ArrivedAt(), Data: env.Event()}
	}
	return frames
}

// Codec serializes frames for one negotiated subprotocol.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	// MessageType is the websocket frame type carrying encoded messages.
	MessageType() int
}

// CodecFor returns the codec for a negotiated subprotocol.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) MessageType() int { return websocket.TextMessage }

// msgpackCodec reuses the json struct tags so both encodings share field
// names.
type msgpackCodec struct{}

func (msgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }
