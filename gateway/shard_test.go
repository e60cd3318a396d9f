package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ws"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const testGatewayUrl = "wss://gateway.discord.gg/"

func newTestShard(t *testing.T, shardId, totalCount int) (*Shard, *recordingManager, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	manager := &recordingManager{}

	shard := NewShard(manager, ShardOptions{
		Token:   "token",
		Intents: []payloads.Intent{payloads.IntentGuilds, payloads.IntentGuildMessages},
		Clock:   mock,
	}, shardId, totalCount, testGatewayUrl, nil)
	shard.out = make(chan ws.Message, 256)

	return shard, manager, mock
}

// feed runs inbound payloads through the state machine as the run loop would.
func feed(t *testing.T, shard *Shard, inbound ...*payloads.Payload) {
	t.Helper()

	for _, payload := range inbound {
		require.NoError(t, shard.handle(context.Background(), payload), "handling %s", payload.Opcode)
	}
}

// queued returns everything the shard queued for the socket, nil standing in for the
// reconnect sentinel.
func queued(t *testing.T, shard *Shard) []*payloads.Payload {
	t.Helper()

	var out []*payloads.Payload
	for {
		select {
		case msg := <-shard.out:
			if msg.IsReconnect() {
				out = append(out, nil)
				continue
			}

			payload, err := shard.codec.Decode(ws.Frame{Type: msg.Type, Data: msg.Data})
			require.NoError(t, err)
			out = append(out, payload)
		default:
			return out
		}
	}
}

func opcodes(queue []*payloads.Payload) []string {
	names := make([]string, len(queue))
	for i, payload := range queue {
		if payload == nil {
			names[i] = "reconnect"
		} else {
			names[i] = payload.Opcode.String()
		}
	}

	return names
}

func TestHelloSendsIdentify(t *testing.T) {
	shard, _, _ := newTestShard(t, 3, 16)

	feed(t, shard, helloPayload(41250))

	out := queued(t, shard)
	require.Len(t, out, 1)
	assert.Equal(t, 3, identifiedShard(out[0]))

	data := out[0].Data.(map[string]interface{})
	assert.Equal(t, "token", data["token"])
	assert.Equal(t, []interface{}{int64(3), int64(16)}, data["shard"])
	assert.Equal(t, int64(payloads.IntentGuilds|payloads.IntentGuildMessages), data["intents"])

	assert.Equal(t, StateIdentifying, shard.State())
	assert.NotNil(t, shard.ticker, "hello starts the heartbeat")
}

func TestReadyCreatesSession(t *testing.T) {
	shard, manager, _ := newTestShard(t, 0, 1)

	assert.Equal(t, "wss://gateway.discord.gg/?v=10&encoding=json", shard.nextUrl())

	feed(t, shard, helloPayload(41250), readyPayload(1, "abc", "wss://resume.discord.gg"))

	require.NotNil(t, shard.session)
	assert.Equal(t, SessionState{SessionId: "abc", Sequence: 1, ResumeUrl: "wss://resume.discord.gg/"}, *shard.session)
	assert.Equal(t, "wss://resume.discord.gg/?v=10&encoding=json", shard.nextUrl())
	assert.Equal(t, StateConnected, shard.State())

	select {
	case <-shard.Ready():
	default:
		t.Fatal("ready not signalled")
	}

	assert.Len(t, manager.connected, 1)
	assert.Equal(t, []string{payloads.EventReady}, manager.eventNames())
}

func TestReplayIsIdempotent(t *testing.T) {
	frames := []*payloads.Payload{
		helloPayload(41250),
		readyPayload(1, "abc", "wss://resume.discord.gg"),
		dispatchPayload(2, "GUILD_CREATE"),
		dispatchPayload(3, "MESSAGE_CREATE"),
		opPayload(payloads.OpcodeReconnect),
		helloPayload(41250),
		dispatchPayload(4, payloads.EventResumed),
		dispatchPayload(5, "MESSAGE_CREATE"),
		invalidSessionPayload(true),
		helloPayload(41250),
		dispatchPayload(6, "MESSAGE_DELETE"),
		opPayload(payloads.OpcodeHeartbeatAck),
	}

	var sessions []SessionState
	var published [][]string
	for i := 0; i < 2; i++ {
		shard, manager, _ := newTestShard(t, 0, 1)
		feed(t, shard, frames...)

		require.NotNil(t, shard.session)
		sessions = append(sessions, *shard.session)
		published = append(published, manager.eventNames())
	}

	assert.Equal(t, sessions[0], sessions[1])
	assert.Equal(t, int64(6), sessions[0].Sequence)
	assert.Equal(t, published[0], published[1])
}

func TestDispatchesArePublishedInOrder(t *testing.T) {
	shard, manager, _ := newTestShard(t, 7, 8)

	feed(t, shard, helloPayload(41250), readyPayload(1, "abc", ""))
	for seq := int64(2); seq <= 50; seq++ {
		feed(t, shard, dispatchPayload(seq, "MESSAGE_CREATE"))
	}

	require.Len(t, manager.events, 50)
	for i, event := range manager.events {
		assert.Equal(t, 7, event.ShardId)
		assert.Equal(t, int64(i+1), *event.Payload.SequenceNumber)
	}
}

func TestHeartbeatMissForcesReconnect(t *testing.T) {
	shard, _, _ := newTestShard(t, 0, 1)
	ctx := context.Background()

	feed(t, shard, helloPayload(41250), readyPayload(1, "abc", "wss://resume.discord.gg"))
	queued(t, shard)

	require.NoError(t, shard.heartbeat(ctx))
	require.NoError(t, shard.heartbeat(ctx))

	out := queued(t, shard)
	assert.Equal(t, []string{"HEARTBEAT", "HEARTBEAT"}, opcodes(out))
	assert.Equal(t, int64(1), out[0].Data)

	// third tick, two heartbeats still outstanding
	require.NoError(t, shard.heartbeat(ctx))
	assert.Equal(t, []string{"reconnect"}, opcodes(queued(t, shard)))

	assert.Equal(t, StateConnecting, shard.State())
	assert.Nil(t, shard.ticker)
	require.NotNil(t, shard.session, "session survives a heartbeat timeout")
	assert.Equal(t, int64(1), shard.session.Sequence)

	feed(t, shard, helloPayload(41250))
	out = queued(t, shard)
	require.Len(t, out, 1)
	assert.Equal(t, payloads.OpcodeResume, out[0].Opcode)
}

func TestHeartbeatAckResetsPendingAndRecordsLatency(t *testing.T) {
	shard, _, mock := newTestShard(t, 0, 1)
	ctx := context.Background()

	feed(t, shard, helloPayload(41250), readyPayload(1, "abc", ""))

	_, ok := shard.Latency()
	assert.False(t, ok)

	require.NoError(t, shard.heartbeat(ctx))
	mock.Add(42 * time.Millisecond)
	feed(t, shard, opPayload(payloads.OpcodeHeartbeatAck))

	latency, ok := shard.Latency()
	require.True(t, ok)
	assert.Equal(t, 42*time.Millisecond, latency)
	assert.Equal(t, 0, shard.pendingAcks)

	require.NoError(t, shard.heartbeat(ctx))
	feed(t, shard, opPayload(payloads.OpcodeHeartbeatAck))
	require.NoError(t, shard.heartbeat(ctx))
	require.NoError(t, shard.heartbeat(ctx))

	assert.NotContains(t, opcodes(queued(t, shard)), "reconnect")
}

func TestServerHeartbeatIsAnsweredImmediately(t *testing.T) {
	shard, _, _ := newTestShard(t, 0, 1)

	feed(t, shard, helloPayload(41250), readyPayload(1, "abc", ""), dispatchPayload(7, "MESSAGE_CREATE"))
	queued(t, shard)

	feed(t, shard, opPayload(payloads.OpcodeHeartbeat))

	out := queued(t, shard)
	require.Len(t, out, 1)
	assert.Equal(t, payloads.OpcodeHeartbeat, out[0].Opcode)
	assert.Equal(t, int64(7), out[0].Data)
	assert.Equal(t, 0, shard.pendingAcks)
}

func TestHeartbeatBeforeReadyHasNullSequence(t *testing.T) {
	shard, _, _ := newTestShard(t, 0, 1)

	feed(t, shard, helloPayload(41250))
	queued(t, shard)

	require.NoError(t, shard.heartbeat(context.Background()))

	out := queued(t, shard)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Data)
}

func TestInvalidSessionNotResumable(t *testing.T) {
	shard, _, _ := newTestShard(t, 0, 1)

	feed(t, shard, helloPayload(41250), readyPayload(3, "abc", "wss://resume.discord.gg"))
	queued(t, shard)

	feed(t, shard, invalidSessionPayload(false))

	assert.Nil(t, shard.session)
	assert.Equal(t, []string{"reconnect"}, opcodes(queued(t, shard)))
	assert.Equal(t, "wss://gateway.discord.gg/?v=10&encoding=json", shard.nextUrl())
	assert.Equal(t, StateConnecting, shard.State())

	feed(t, shard, helloPayload(41250))
	out := queued(t, shard)
	require.Len(t, out, 1)
	assert.Equal(t, payloads.OpcodeIdentify, out[0].Opcode)
}

func TestInvalidSessionResumable(t *testing.T) {
	shard, _, _ := newTestShard(t, 0, 1)

	feed(t, shard, helloPayload(41250), readyPayload(3, "abc", "wss://resume.discord.gg"))
	queued(t, shard)

	feed(t, shard, invalidSessionPayload(true))

	require.NotNil(t, shard.session)
	assert.Equal(t, SessionState{SessionId: "abc", Sequence: 3, ResumeUrl: "wss://resume.discord.gg/"}, *shard.session)
	assert.Equal(t, []string{"reconnect"}, opcodes(queued(t, shard)))
	assert.Equal(t, "wss://resume.discord.gg/?v=10&encoding=json", shard.nextUrl())

	feed(t, shard, helloPayload(41250))
	out := queued(t, shard)
	require.Len(t, out, 1)
	assert.Equal(t, payloads.OpcodeResume, out[0].Opcode)
	assert.Equal(t, map[string]interface{}{"token": "token", "session_id": "abc", "seq": int64(3)}, out[0].Data)
	assert.Equal(t, StateResuming, shard.State())
}

func TestReconnectKeepsSession(t *testing.T) {
	shard, _, _ := newTestShard(t, 0, 1)

	feed(t, shard, helloPayload(41250), readyPayload(9, "abc", "wss://resume.discord.gg"))
	queued(t, shard)

	feed(t, shard, opPayload(payloads.OpcodeReconnect))

	assert.Equal(t, []string{"reconnect"}, opcodes(queued(t, shard)))
	require.NotNil(t, shard.session)
	assert.Equal(t, int64(9), shard.session.Sequence)
}

func TestSequenceIsPerShard(t *testing.T) {
	first, _, _ := newTestShard(t, 0, 2)
	second, _, _ := newTestShard(t, 1, 2)

	feed(t, first, helloPayload(41250), readyPayload(1, "first", ""))
	feed(t, second, helloPayload(41250), readyPayload(1, "second", ""))

	feed(t, first, dispatchPayload(5, "MESSAGE_CREATE"))

	assert.Equal(t, int64(5), first.session.Sequence)
	assert.Equal(t, int64(1), second.session.Sequence)
}

func TestPayloadsFromReplacedSocketAreDropped(t *testing.T) {
	shard, _, _ := newTestShard(t, 0, 1)

	shard.nextUrl()
	require.NoError(t, shard.receive(context.Background(), received{generation: 1, payload: helloPayload(41250)}))
	require.NoError(t, shard.receive(context.Background(), received{generation: 1, payload: readyPayload(1, "abc", "")}))
	require.NoError(t, shard.receive(context.Background(), received{generation: 1, payload: opPayload(payloads.OpcodeReconnect)}))
	assert.Equal(t, []string{"IDENTIFY", "reconnect"}, opcodes(queued(t, shard)))

	// still in flight from the old socket when the reconnect was asked for
	require.NoError(t, shard.receive(context.Background(), received{generation: 1, payload: opPayload(payloads.OpcodeHeartbeat)}))
	assert.Empty(t, queued(t, shard))

	shard.nextUrl()
	require.NoError(t, shard.receive(context.Background(), received{generation: 2, payload: helloPayload(41250)}))
	assert.Equal(t, []string{"RESUME"}, opcodes(queued(t, shard)))
}

func TestRunIgnoresClosedCommandQueue(t *testing.T) {
	var (
		mu     sync.Mutex
		frames = -1
	)
	counted := make(chan struct{})

	gateway := newFakeGateway(t, func(c *gatewayConn) {
		defer close(counted)

		if _, err := c.handshake(); err != nil {
			return
		}

		if err := c.send(readyPayload(1, "abc", c.baseUrl)); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(c.ctx, 300*time.Millisecond)
		defer cancel()

		count := 0
		for {
			if _, _, err := c.conn.Read(ctx); err != nil {
				break
			}
			count++
		}

		mu.Lock()
		frames = count
		mu.Unlock()
	})

	commands := make(chan payloads.Payload)
	close(commands)

	shard := NewShard(&recordingManager{}, ShardOptions{Token: "token"}, 0, 1, gateway.url, commands)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- shard.Run(ctx)
	}()

	select {
	case <-counted:
	case <-time.After(10 * time.Second):
		t.Fatal("gateway never finished reading")
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, frames, "nothing is sent after identify while the heartbeat interval has not passed")
}

func TestRunResumesAfterReconnect(t *testing.T) {
	var (
		mu          sync.Mutex
		presence    *payloads.Payload
		firstClose  websocket.StatusCode = -1
		resume      *payloads.Payload
		resumedSent = make(chan struct{})
	)

	gateway := newFakeGateway(t, func(c *gatewayConn) {
		switch c.index {
		case 0:
			if _, err := c.handshake(); err != nil {
				return
			}

			if err := c.send(readyPayload(1, "abc", c.baseUrl)); err != nil {
				return
			}

			command, err := c.receive()
			if err != nil {
				return
			}

			mu.Lock()
			presence = command
			mu.Unlock()

			_ = c.send(dispatchPayload(2, "GUILD_CREATE"))
			_ = c.send(opPayload(payloads.OpcodeReconnect))

			err = c.drain()
			mu.Lock()
			firstClose = websocket.CloseStatus(err)
			mu.Unlock()
		case 1:
			answer, err := c.handshake()
			if err != nil {
				return
			}

			mu.Lock()
			resume = answer
			mu.Unlock()

			if err := c.send(dispatchPayload(3, payloads.EventResumed)); err != nil {
				return
			}
			close(resumedSent)

			_ = c.drain()
		}
	})

	commands := make(chan payloads.Payload, 1)
	commands <- payloads.NewPresenceUpdate(payloads.BuildStatus(payloads.ActivityTypeWatching, "tickets"))

	manager := &recordingManager{}
	shard := NewShard(manager, ShardOptions{Token: "token"}, 0, 1, gateway.url, commands)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- shard.Run(ctx)
	}()

	select {
	case <-resumedSent:
	case <-time.After(10 * time.Second):
		t.Fatal("shard never resumed")
	}

	require.Eventually(t, func() bool {
		return len(manager.eventNames()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateTerminated, shard.State())

	// the first socket was closed by us, asking for a reconnect
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstClose == ws.StatusReconnect
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	require.NotNil(t, presence)
	assert.Equal(t, payloads.OpcodeStatusUpdate, presence.Opcode)

	require.NotNil(t, resume)
	assert.Equal(t, payloads.OpcodeResume, resume.Opcode)
	assert.Equal(t, map[string]interface{}{"token": "token", "session_id": "abc", "seq": int64(2)}, resume.Data)

	assert.Equal(t, []string{payloads.EventReady, "GUILD_CREATE", payloads.EventResumed}, manager.eventNames())
	assert.Equal(t, 2, gateway.connectionCount())
}

func TestRunMapsCloseCodes(t *testing.T) {
	gateway := newFakeGateway(t, func(c *gatewayConn) {
		if _, err := c.handshake(); err != nil {
			return
		}

		_ = c.conn.Close(websocket.StatusCode(4004), "Authentication failed.")
	})

	shard := NewShard(&recordingManager{}, ShardOptions{Token: "bad"}, 0, 1, gateway.url, nil)
	err := shard.Run(context.Background())

	assert.True(t, errors.Is(err, ErrAuthenticationFailed), "unexpected error %v", err)

	var closeErr *CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, 4004, closeErr.Code)
	assert.Equal(t, 1, gateway.connectionCount(), "close codes other than 1012 are not retried")
}

func TestRunFailsOnUndecodableFrame(t *testing.T) {
	gateway := newFakeGateway(t, func(c *gatewayConn) {
		_ = c.conn.Write(c.ctx, websocket.MessageText, []byte("{not json"))
		_ = c.drain()
	})

	shard := NewShard(&recordingManager{}, ShardOptions{Token: "token"}, 0, 1, gateway.url, nil)
	err := shard.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode frame")
}
