package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TicketsBot/gatewaysharder/codec"
	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ws"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type State int32

const (
	StateConnecting State = iota
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "terminated"
	}
}

// SessionState is what is needed to resume a session.
type SessionState struct {
	SessionId string
	Sequence  int64
	ResumeUrl string
}

// Two heartbeats without an ack and the connection is considered dead
const maxPendingAcks = 2

const outboundQueueSize = 32

type Shard struct {
	ShardManager ShardManager
	Options      ShardOptions
	ShardId      int
	TotalCount   int

	gatewayUrl string
	codec      codec.Codec
	clock      clock.Clock
	transport  *ws.Transport
	commands   <-chan payloads.Payload

	state      int32 // State
	latency    int64 // nanoseconds, -1 until the first ack
	url        atomic.Value
	generation uint64 // socket sessions opened so far

	ready     chan struct{}
	readyOnce sync.Once

	// owned by the Run goroutine
	session       *SessionState
	pendingAcks   int
	lastHeartbeat time.Time
	ticker        *clock.Ticker
	out           chan ws.Message
	exited        <-chan struct{}
	staleBefore   uint64 // payloads read by earlier socket sessions are dropped
}

// received is a decoded payload tagged with the socket session that read it.
type received struct {
	generation uint64
	payload    *payloads.Payload
}

// NewShard creates a shard that connects to gatewayUrl, a base url without query parameters.
// commands is the outbound queue shared by every shard; it is only read while connected.
func NewShard(shardManager ShardManager, options ShardOptions, shardId, totalCount int, gatewayUrl string, commands <-chan payloads.Payload) *Shard {
	options = options.withDefaults()

	shard := &Shard{
		ShardManager: shardManager,
		Options:      options,
		ShardId:      shardId,
		TotalCount:   totalCount,
		gatewayUrl:   gatewayUrl,
		codec:        options.Codec,
		clock:        options.Clock,
		commands:     commands,
		state:        int32(StateConnecting),
		latency:      -1,
		ready:        make(chan struct{}),
		out:          make(chan ws.Message, outboundQueueSize),
	}

	shard.transport = &ws.Transport{
		Dial: func(ctx context.Context, url string) (ws.Conn, error) {
			conn, err := options.Dial(ctx, url)
			if err == nil {
				shard.setState(StateAwaitingHello)
			}

			return conn, err
		},
	}

	shard.url.Store(shard.connectUrl())

	return shard
}

func (s *Shard) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Shard) setState(state State) {
	previous := State(atomic.SwapInt32(&s.state, int32(state)))
	if previous != state {
		metricsShardStates.WithLabelValues(previous.String()).Dec()
		metricsShardStates.WithLabelValues(state.String()).Inc()
	}
}

// Ready is closed the first time the shard reaches StateConnected.
func (s *Shard) Ready() <-chan struct{} {
	return s.ready
}

// Latency returns the round trip of the last acknowledged heartbeat.
func (s *Shard) Latency() (time.Duration, bool) {
	latency := atomic.LoadInt64(&s.latency)
	if latency < 0 {
		return 0, false
	}

	return time.Duration(latency), true
}

// connectUrl is the resume url when there is a session to resume, otherwise the gateway url.
func (s *Shard) connectUrl() string {
	base := s.gatewayUrl
	if s.session != nil && s.session.ResumeUrl != "" {
		base = s.session.ResumeUrl
	}

	return codec.GatewayURL(base, s.Options.Version, s.codec)
}

// Run connects and keeps the shard connected until ctx is cancelled or the connection fails
// in a way the protocol can't recover from. The socket is closed before Run returns.
func (s *Shard) Run(ctx context.Context) error {
	logrus.Infof("shard %d: Starting", s.ShardId)
	metricsShardStates.WithLabelValues(s.State().String()).Inc()

	ctx, cancel := context.WithCancel(ctx)

	inbound := make(chan received)
	exited := make(chan struct{})
	s.exited = exited

	var transportErr error
	go func() {
		defer close(exited)
		transportErr = s.transport.Open(ctx, s.nextUrl, s.out, func(ctx context.Context, frame ws.Frame) error {
			generation := atomic.LoadUint64(&s.generation)

			payload, err := s.codec.Decode(frame)
			if err != nil {
				return err
			}

			select {
			case inbound <- received{generation: generation, payload: payload}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	defer func() {
		cancel()
		<-exited

		s.stopHeartbeat()
		previous := State(atomic.SwapInt32(&s.state, int32(StateTerminated)))
		metricsShardStates.WithLabelValues(previous.String()).Dec()
		logrus.Infof("shard %d: Stopped", s.ShardId)
	}()

	for {
		var heartbeats <-chan time.Time
		if s.ticker != nil {
			heartbeats = s.ticker.C
		}

		var commands <-chan payloads.Payload
		if s.State() == StateConnected {
			commands = s.commands
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if transportErr == nil {
				return ErrShardExited
			}

			logrus.Warnf("shard %d: Connection lost: %s", s.ShardId, transportErr.Error())
			return classifyTransportError(transportErr)
		case in := <-inbound:
			if err := s.receive(ctx, in); err != nil {
				return err
			}
		case <-heartbeats:
			if err := s.heartbeat(ctx); err != nil {
				return err
			}
		case command, ok := <-commands:
			if !ok {
				logrus.Debugf("shard %d: command queue closed", s.ShardId)
				s.commands = nil
				continue
			}

			if err := s.write(ctx, command); err != nil {
				return err
			}
		}
	}
}

// nextUrl is called by the transport once per socket session, before dialling.
func (s *Shard) nextUrl() string {
	atomic.AddUint64(&s.generation, 1)
	return s.url.Load().(string)
}

func (s *Shard) receive(ctx context.Context, in received) error {
	if in.generation < s.staleBefore {
		logrus.Debugf("shard %d: dropping %s read before reconnecting", s.ShardId, in.payload.Opcode)
		return nil
	}

	return s.handle(ctx, in.payload)
}

func (s *Shard) handle(ctx context.Context, payload *payloads.Payload) error {
	switch payload.Opcode {
	case payloads.OpcodeDispatch:
		return s.handleDispatch(ctx, payload)
	case payloads.OpcodeHeartbeat:
		// discord wants one right now
		return s.sendHeartbeat(ctx, false)
	case payloads.OpcodeReconnect:
		logrus.Infof("shard %d: received reconnect payload from discord", s.ShardId)
		return s.reconnect(ctx, "reconnect")
	case payloads.OpcodeInvalidSession:
		resumable := payloads.Resumable(payload)
		logrus.Infof("shard %d: %s (resumable: %t)", s.ShardId, ErrInvalidSession.Error(), resumable)

		if !resumable {
			s.session = nil
			s.url.Store(s.connectUrl())
		}

		return s.reconnect(ctx, "invalid_session")
	case payloads.OpcodeHello:
		hello, err := payloads.NewHello(payload)
		if err != nil {
			return errors.Wrap(err, "decode hello")
		}

		if hello.Interval <= 0 {
			return errors.Errorf("invalid heartbeat interval %d", hello.Interval)
		}

		s.startHeartbeat(time.Duration(hello.Interval) * time.Millisecond)

		if s.session != nil {
			return s.resume(ctx)
		}

		return s.identify(ctx)
	case payloads.OpcodeHeartbeatAck:
		s.pendingAcks = 0

		latency := s.clock.Since(s.lastHeartbeat)
		atomic.StoreInt64(&s.latency, int64(latency))
		observeLatency(s.ShardId, latency)
	default:
		logrus.Debugf("shard %d: ignoring opcode %s", s.ShardId, payload.Opcode)
	}

	return nil
}

func (s *Shard) handleDispatch(ctx context.Context, payload *payloads.Payload) error {
	if payload.SequenceNumber != nil && s.session != nil {
		s.session.Sequence = *payload.SequenceNumber
	}

	switch payload.EventName {
	case payloads.EventReady:
		ready, err := payloads.NewReady(payload)
		if err != nil {
			return errors.Wrap(err, "decode ready")
		}

		s.session = &SessionState{
			SessionId: ready.SessionId,
			ResumeUrl: ready.ResumeGatewayUrl,
		}

		if payload.SequenceNumber != nil {
			s.session.Sequence = *payload.SequenceNumber
		}

		s.url.Store(s.connectUrl())

		logrus.Infof("shard %d: Connected", s.ShardId)
		s.connected()
	case payloads.EventResumed:
		logrus.Infof("shard %d: Resumed", s.ShardId)
		s.connected()
	}

	metricsDispatchedEvents.WithLabelValues(payload.EventName).Inc()
	s.ShardManager.Publish(Event{
		ShardId: s.ShardId,
		Payload: *payload,
	})

	return nil
}

func (s *Shard) connected() {
	s.setState(StateConnected)

	s.readyOnce.Do(func() {
		close(s.ready)
		s.ShardManager.onConnected(s)
	})
}

func (s *Shard) identify(ctx context.Context) error {
	s.setState(StateIdentifying)

	identify := payloads.NewIdentify(
		s.ShardId,
		s.TotalCount,
		s.Options.Token,
		s.Options.Presence,
		s.Options.Compress,
		s.Options.Intents...,
	)

	return errors.WithMessage(s.write(ctx, identify), "send identify")
}

func (s *Shard) resume(ctx context.Context) error {
	s.setState(StateResuming)
	logrus.Infof("shard %d: Resuming", s.ShardId)

	resume := payloads.NewResume(s.Options.Token, s.session.SessionId, s.session.Sequence)
	return errors.WithMessage(s.write(ctx, resume), "send resume")
}

// heartbeat runs on every tick of the heartbeat interval.
func (s *Shard) heartbeat(ctx context.Context) error {
	if s.pendingAcks >= maxPendingAcks {
		logrus.Warnf("shard %d: %d heartbeats were not acknowledged, reconnecting", s.ShardId, s.pendingAcks)
		return s.reconnect(ctx, "heartbeat_timeout")
	}

	return s.sendHeartbeat(ctx, true)
}

func (s *Shard) sendHeartbeat(ctx context.Context, expectAck bool) error {
	var seq *int64
	if s.session != nil {
		seq = payloads.Sequence(s.session.Sequence)
	}

	if expectAck {
		s.pendingAcks++
	}

	s.lastHeartbeat = s.clock.Now()
	return errors.WithMessage(s.write(ctx, payloads.NewHeartbeat(seq)), "send heartbeat")
}

func (s *Shard) startHeartbeat(interval time.Duration) {
	s.stopHeartbeat()
	s.pendingAcks = 0
	s.ticker = s.clock.Ticker(interval)
}

func (s *Shard) stopHeartbeat() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// reconnect closes the socket with ws.StatusReconnect; the transport then opens a new one
// against the url current at that point.
func (s *Shard) reconnect(ctx context.Context, reason string) error {
	s.setState(StateReconnecting)
	metricsReconnects.WithLabelValues(reason).Inc()

	s.stopHeartbeat()
	s.pendingAcks = 0
	s.staleBefore = atomic.LoadUint64(&s.generation) + 1

	if err := s.enqueue(ctx, ws.Reconnect); err != nil {
		return err
	}

	// the transport may already have dialled again
	if atomic.CompareAndSwapInt32(&s.state, int32(StateReconnecting), int32(StateConnecting)) {
		metricsShardStates.WithLabelValues(StateReconnecting.String()).Dec()
		metricsShardStates.WithLabelValues(StateConnecting.String()).Inc()
	}

	return nil
}

func (s *Shard) write(ctx context.Context, payload payloads.Payload) error {
	msg, err := s.codec.Encode(&payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", payload.Opcode)
	}

	return s.enqueue(ctx, msg)
}

func (s *Shard) enqueue(ctx context.Context, msg ws.Message) error {
	select {
	case s.out <- msg:
		return nil
	case <-s.exited:
		return ErrShardExited
	case <-ctx.Done():
		return ctx.Err()
	}
}
