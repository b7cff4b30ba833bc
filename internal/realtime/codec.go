package realtime

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

const (
	SubprotocolJSON    = "claimrelay.json"
	SubprotocolMsgpack = "claimrelay.msgpack"
)

// Inbound is a client frame. Subscriptions are accepted for compatibility but
// never change who receives what.
type Inbound struct {
	Type    string `json:"type" msgpack:"type"`
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`
	ID      string `json:"id,omitempty" msgpack:"id,omitempty"`
}

type Codec interface {
	Subprotocol() string
	MessageType() websocket.MessageType
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Inbound, error)
}

func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string                { return SubprotocolJSON }
func (jsonCodec) MessageType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Decode(data []byte) (Inbound, error) {
	var in Inbound
	err := json.Unmarshal(data, &in)
	return in, err
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string                { return SubprotocolMsgpack }
func (msgpackCodec) MessageType() websocket.MessageType { return websocket.MessageBinary }

// Encode falls back to json tags for payload structs that only carry those.
func (msgpackCodec) Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Decode(data []byte) (Inbound, error) {
	var in Inbound
	err := msgpack.Unmarshal(data, &in)
	return in, err
}

// DecodeEnvelope reverses Encode for clients.
func DecodeEnvelope(subprotocol string, data []byte) (Envelope, error) {
	var env Envelope
	if subprotocol == SubprotocolMsgpack {
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.SetCustomStructTag("json")
		err := dec.Decode(&env)
		return env, err
	}
	err := json.Unmarshal(data, &env)
	return env, err
}
