package payloads

import (
	"errors"
	"strings"
)

const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

var ErrWrongOpcode = errors.New("payload has an unexpected opcode")

type Hello struct {
	Interval int64    `json:"heartbeat_interval"` // Millis
	Trace    []string `json:"_trace,omitempty"`
}

func NewHello(p *Payload) (hello Hello, err error) {
	if p.Opcode != OpcodeHello {
		return hello, ErrWrongOpcode
	}

	err = p.DecodeData(&hello)
	return
}

type Ready struct {
	Version          int    `json:"v"`
	SessionId        string `json:"session_id"`
	ResumeGatewayUrl string `json:"resume_gateway_url"`
	Shard            []int  `json:"shard,omitempty"`
}

func NewReady(p *Payload) (ready Ready, err error) {
	if p.Opcode != OpcodeDispatch || p.EventName != EventReady {
		return ready, ErrWrongOpcode
	}

	if err = p.DecodeData(&ready); err != nil {
		return
	}

	// Some platforms refuse to connect with query params but no path, so always keep the trailing slash
	if ready.ResumeGatewayUrl != "" && !strings.HasSuffix(ready.ResumeGatewayUrl, "/") {
		ready.ResumeGatewayUrl += "/"
	}

	return
}

// Resumable reports the d field of an INVALID_SESSION payload.
func Resumable(p *Payload) bool {
	resumable, _ := p.Data.(bool)
	return resumable
}
