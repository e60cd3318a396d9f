package gateway

import (
	"errors"
	"fmt"

	"github.com/TicketsBot/gatewaysharder/ws"
)

var (
	ErrUnknown              = errors.New("unknown error")
	ErrUnknownOpcode        = errors.New("unknown opcode")
	ErrDecodeError          = errors.New("decode error")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrInvalidSeq           = errors.New("invalid seq")
	ErrRateLimited          = errors.New("rate limited")
	ErrSessionTimedOut      = errors.New("session timed out")
	ErrInvalidShard         = errors.New("invalid shard")
	ErrShardingRequired     = errors.New("sharding required")
	ErrInvalidApiVersion    = errors.New("invalid api version")
	ErrInvalidIntents       = errors.New("invalid intents")
	ErrDisallowedIntents    = errors.New("disallowed intents")

	Errors = map[int]error{
		4000: ErrUnknown,
		4001: ErrUnknownOpcode,
		4002: ErrDecodeError,
		4003: ErrNotAuthenticated,
		4004: ErrAuthenticationFailed,
		4005: ErrAlreadyAuthenticated,
		4007: ErrInvalidSeq,
		4008: ErrRateLimited,
		4009: ErrSessionTimedOut,
		4010: ErrInvalidShard,
		4011: ErrShardingRequired,
		4012: ErrInvalidApiVersion,
		4013: ErrInvalidIntents,
		4014: ErrDisallowedIntents,
	}

	// ErrInvalidSession is logged when discord invalidates the session; the shard recovers from it
	ErrInvalidSession = errors.New("invalid session")
	ErrShardExited    = errors.New("shard exited")
)

// CloseError is returned by a shard whose socket was closed by the gateway.
type CloseError struct {
	Code   int
	Reason string
	Err    error // one of Errors, nil for codes without a name
	Cause  *ws.Error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway closed the connection (%d): %s", e.Code, e.Err.Error())
	}

	return fmt.Sprintf("gateway closed the connection (%d): %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}

	return e.Cause
}

// FleetFailure ends Sharder.Run when a shard fails under the FailFleet policy.
type FleetFailure struct {
	ShardId int
	Err     error
}

func (e *FleetFailure) Error() string {
	return fmt.Sprintf("shard %d failed: %s", e.ShardId, e.Err.Error())
}

func (e *FleetFailure) Unwrap() error {
	return e.Err
}

func classifyTransportError(err error) error {
	var wsErr *ws.Error
	if !errors.As(err, &wsErr) || wsErr.Kind != ws.KindClose {
		return err
	}

	return &CloseError{
		Code:   wsErr.Code,
		Reason: wsErr.Reason,
		Err:    Errors[wsErr.Code],
		Cause:  wsErr,
	}
}
