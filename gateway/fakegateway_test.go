package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/TicketsBot/gatewaysharder/codec"
	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/rest"
	"github.com/TicketsBot/gatewaysharder/ws"
	"nhooyr.io/websocket"
)

// fakeGateway is an in-process gateway. handle is called once per connection, with the
// connection's index.
type fakeGateway struct {
	server *httptest.Server
	url    string

	mu          sync.Mutex
	connections int
}

type gatewayConn struct {
	ctx     context.Context
	conn    *websocket.Conn
	codec   codec.Codec
	index   int
	baseUrl string
}

func newFakeGateway(t *testing.T, handle func(c *gatewayConn)) *fakeGateway {
	g := &fakeGateway{}

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "handler exited")

		g.mu.Lock()
		index := g.connections
		g.connections++
		g.mu.Unlock()

		handle(&gatewayConn{
			ctx:     r.Context(),
			conn:    conn,
			codec:   codec.NewJSON(),
			index:   index,
			baseUrl: g.url,
		})
	}))

	g.url = "ws" + strings.TrimPrefix(g.server.URL, "http")
	t.Cleanup(g.server.Close)

	return g
}

func (g *fakeGateway) connectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connections
}

func (c *gatewayConn) send(payload *payloads.Payload) error {
	msg, err := c.codec.Encode(payload)
	if err != nil {
		return err
	}

	return c.conn.Write(c.ctx, msg.Type, msg.Data)
}

func (c *gatewayConn) receive() (*payloads.Payload, error) {
	typ, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return nil, err
	}

	return c.codec.Decode(ws.Frame{Type: typ, Data: data})
}

// drain reads until the client goes away and returns the read error.
func (c *gatewayConn) drain() error {
	for {
		if _, err := c.receive(); err != nil {
			return err
		}
	}
}

// handshake sends HELLO and returns what the client answered with.
func (c *gatewayConn) handshake() (*payloads.Payload, error) {
	if err := c.send(helloPayload(41250)); err != nil {
		return nil, err
	}

	return c.receive()
}

func helloPayload(interval int64) *payloads.Payload {
	return &payloads.Payload{
		Opcode: payloads.OpcodeHello,
		Data:   map[string]interface{}{"heartbeat_interval": interval},
	}
}

func readyPayload(seq int64, sessionId, resumeUrl string) *payloads.Payload {
	return &payloads.Payload{
		Opcode:         payloads.OpcodeDispatch,
		EventName:      payloads.EventReady,
		SequenceNumber: payloads.Sequence(seq),
		Data: map[string]interface{}{
			"v":                  int64(10),
			"session_id":         sessionId,
			"resume_gateway_url": resumeUrl,
		},
	}
}

func dispatchPayload(seq int64, name string) *payloads.Payload {
	return &payloads.Payload{
		Opcode:         payloads.OpcodeDispatch,
		EventName:      name,
		SequenceNumber: payloads.Sequence(seq),
		Data:           map[string]interface{}{"id": "1"},
	}
}

func invalidSessionPayload(resumable bool) *payloads.Payload {
	return &payloads.Payload{
		Opcode: payloads.OpcodeInvalidSession,
		Data:   resumable,
	}
}

func opPayload(opcode payloads.Opcode) *payloads.Payload {
	return &payloads.Payload{Opcode: opcode}
}

// identifiedShard returns the id from an IDENTIFY's shard field, or -1.
func identifiedShard(p *payloads.Payload) int {
	if p == nil || p.Opcode != payloads.OpcodeIdentify {
		return -1
	}

	data, ok := p.Data.(map[string]interface{})
	if !ok {
		return -1
	}

	shard, ok := data["shard"].([]interface{})
	if !ok || len(shard) != 2 {
		return -1
	}

	id, _ := shard[0].(int64)
	return int(id)
}

type staticGatewayInfo struct {
	res rest.GatewayBotResponse
	err error
}

func (s staticGatewayInfo) GetGatewayBot(ctx context.Context) (rest.GatewayBotResponse, error) {
	return s.res, s.err
}

type recordingManager struct {
	mu        sync.Mutex
	events    []Event
	connected []*Shard
}

func (m *recordingManager) Publish(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *recordingManager) onConnected(shard *Shard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append(m.connected, shard)
}

func (m *recordingManager) eventNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.events))
	for i, event := range m.events {
		names[i] = event.Payload.EventName
	}

	return names
}
