package codec

import (
	"bytes"

	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ws"
	jsoniter "github.com/json-iterator/go"
	"nhooyr.io/websocket"
)

type jsonCodec struct{}

func NewJSON() Codec {
	return jsonCodec{}
}

type wirePayload struct {
	Opcode         payloads.Opcode     `json:"op"`
	Data           jsoniter.RawMessage `json:"d"`
	SequenceNumber *int64              `json:"s"`
	EventName      *string             `json:"t"`
}

type outgoingPayload struct {
	Opcode         payloads.Opcode `json:"op"`
	Data           interface{}     `json:"d"`
	SequenceNumber *int64          `json:"s,omitempty"`
	EventName      string          `json:"t,omitempty"`
}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Encode(p *payloads.Payload) (ws.Message, error) {
	encoded, err := jsonNumbers.Marshal(outgoingPayload{
		Opcode:         p.Opcode,
		Data:           p.Data,
		SequenceNumber: p.SequenceNumber,
		EventName:      p.EventName,
	})
	if err != nil {
		return ws.Message{}, err
	}

	return ws.Message{
		Type: websocket.MessageText,
		Data: encoded,
	}, nil
}

func (c jsonCodec) Decode(frame ws.Frame) (*payloads.Payload, error) {
	data := frame.Data
	if frame.Type == websocket.MessageBinary {
		var err error
		if data, err = inflate(c.Name(), data); err != nil {
			return nil, err
		}
	}

	var wire wirePayload
	if err := jsonNumbers.Unmarshal(data, &wire); err != nil {
		return nil, &DecodeError{Codec: c.Name(), Err: err}
	}

	payload := &payloads.Payload{
		Opcode:         wire.Opcode,
		SequenceNumber: wire.SequenceNumber,
	}

	if wire.EventName != nil {
		payload.EventName = *wire.EventName
	}

	if len(wire.Data) > 0 && !bytes.Equal(wire.Data, []byte("null")) {
		var generic interface{}
		if err := jsonNumbers.Unmarshal(wire.Data, &generic); err != nil {
			return nil, &DecodeError{Codec: c.Name(), Err: err}
		}

		normalized, err := normalize(generic)
		if err != nil {
			return nil, &DecodeError{Codec: c.Name(), Err: err}
		}

		payload.Data = normalized
	}

	return payload, nil
}
