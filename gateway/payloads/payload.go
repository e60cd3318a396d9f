package payloads

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

type Opcode int

const (
	OpcodeDispatch            Opcode = 0  // (Receive)
	OpcodeHeartbeat           Opcode = 1  // (Send/Receive)
	OpcodeIdentify            Opcode = 2  // (Send)
	OpcodeStatusUpdate        Opcode = 3  // (Send)
	OpcodeVoiceStateUpdate    Opcode = 4  // (Send)
	OpcodeResume              Opcode = 6  // (Send)
	OpcodeReconnect           Opcode = 7  // (Receive)
	OpcodeRequestGuildMembers Opcode = 8  // (Send)
	OpcodeInvalidSession      Opcode = 9  // (Receive)
	OpcodeHello               Opcode = 10 // (Receive)
	OpcodeHeartbeatAck        Opcode = 11 // (Receive)
)

func (o Opcode) String() string {
	switch o {
	case OpcodeDispatch:
		return "DISPATCH"
	case OpcodeHeartbeat:
		return "HEARTBEAT"
	case OpcodeIdentify:
		return "IDENTIFY"
	case OpcodeStatusUpdate:
		return "STATUS_UPDATE"
	case OpcodeVoiceStateUpdate:
		return "VOICE_STATE_UPDATE"
	case OpcodeResume:
		return "RESUME"
	case OpcodeReconnect:
		return "RECONNECT"
	case OpcodeRequestGuildMembers:
		return "REQUEST_GUILD_MEMBERS"
	case OpcodeInvalidSession:
		return "INVALID_SESSION"
	case OpcodeHello:
		return "HELLO"
	case OpcodeHeartbeatAck:
		return "HEARTBEAT_ACK"
	}

	return fmt.Sprintf("OPCODE(%d)", int(o))
}

// Payload is a single gateway message. Data holds either an outgoing struct or, once
// decoded by a codec, a generic value made of map[string]interface{}, []interface{},
// string, int64, float64, bool and nil.
type Payload struct {
	Opcode         Opcode
	Data           interface{}
	SequenceNumber *int64
	EventName      string
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DecodeData converts the payload data into v, whatever codec produced it.
func (p *Payload) DecodeData(v interface{}) error {
	encoded, err := json.Marshal(p.Data)
	if err != nil {
		return err
	}

	return json.Unmarshal(encoded, v)
}

// Sequence returns a pointer to a copy of seq, for building payloads.
func Sequence(seq int64) *int64 {
	return &seq
}
