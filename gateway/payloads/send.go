package payloads

import "runtime"

type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Shard          [2]int             `json:"shard"`
	Presence       *UpdateStatus      `json:"presence,omitempty"`
	Intents        int                `json:"intents"`
}

type IdentifyProperties struct {
	Os      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

func NewIdentify(shardId, shardTotal int, token string, presence *UpdateStatus, compress bool, intents ...Intent) Payload {
	return Payload{
		Opcode: OpcodeIdentify,
		Data: Identify{
			Token: token,
			Properties: IdentifyProperties{
				Os:      runtime.GOOS,
				Browser: "gatewaysharder",
				Device:  "gatewaysharder",
			},
			Compress:       compress,
			LargeThreshold: 250,
			Shard:          [2]int{shardId, shardTotal},
			Presence:       presence,
			Intents:        int(SumIntents(intents...)),
		},
	}
}

type Resume struct {
	Token     string `json:"token"`
	SessionId string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

func NewResume(token, sessionId string, seq int64) Payload {
	return Payload{
		Opcode: OpcodeResume,
		Data: Resume{
			Token:     token,
			SessionId: sessionId,
			Sequence:  seq,
		},
	}
}

// NewHeartbeat builds a heartbeat carrying the last sequence number, or null if none
// has been received yet.
func NewHeartbeat(seq *int64) Payload {
	var data interface{}
	if seq != nil {
		data = *seq
	}

	return Payload{
		Opcode: OpcodeHeartbeat,
		Data:   data,
	}
}

type ActivityType int

const (
	ActivityTypePlaying   ActivityType = 0
	ActivityTypeStreaming ActivityType = 1
	ActivityTypeListening ActivityType = 2
	ActivityTypeWatching  ActivityType = 3
	ActivityTypeCustom    ActivityType = 4
	ActivityTypeCompeting ActivityType = 5
)

type Activity struct {
	Name  string       `json:"name"`
	Type  ActivityType `json:"type"`
	State string       `json:"state,omitempty"`
	Url   string       `json:"url,omitempty"`
}

type UpdateStatus struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	Afk        bool       `json:"afk"`
}

func BuildStatus(activityType ActivityType, name string) UpdateStatus {
	return UpdateStatus{
		Activities: []Activity{
			{
				Name: name,
				Type: activityType,
			},
		},
		Status: "online",
	}
}

func NewPresenceUpdate(status UpdateStatus) Payload {
	return Payload{
		Opcode: OpcodeStatusUpdate,
		Data:   status,
	}
}

type RequestGuildMembers struct {
	GuildId   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIds   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

func NewRequestGuildMembers(data RequestGuildMembers) Payload {
	return Payload{
		Opcode: OpcodeRequestGuildMembers,
		Data:   data,
	}
}
