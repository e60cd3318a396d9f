package gateway

import (
	"time"

	"github.com/TicketsBot/gatewaysharder/codec"
	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ws"
	"github.com/benbjohnson/clock"
)

type FailurePolicy int

const (
	// FailFleet ends Sharder.Run as soon as any shard fails
	FailFleet FailurePolicy = iota
	// RestartShard logs the failure and identifies the same shard id again
	RestartShard
)

func (p FailurePolicy) String() string {
	switch p {
	case RestartShard:
		return "restart_shard"
	default:
		return "fail_fleet"
	}
}

type ShardOptions struct {
	Token                string
	ShardCount           ShardCount
	Compress             bool
	Presence             *payloads.UpdateStatus
	Intents              []payloads.Intent
	LargeShardingBuckets int // defaults to max_concurrency from discord. don't touch unless discord tell you to

	Version           int // defaults to 10
	Codec             codec.Codec
	IdentifyRateLimit IdentifyRateLimit
	FailurePolicy     FailurePolicy

	ClaimRetryInterval     time.Duration
	StoreHeartbeatInterval time.Duration

	// Tests only
	Dial  ws.DialFunc
	Clock clock.Clock
}

type ShardCount struct {
	Total   int // 0 uses the count recommended by discord
	Lowest  int // Inclusive
	Highest int // Exclusive
}

type IdentifyRateLimit struct {
	Window time.Duration
	Limit  int
}

func (o ShardOptions) withDefaults() ShardOptions {
	if o.Version == 0 {
		o.Version = 10
	}

	if o.Codec == nil {
		o.Codec = codec.NewJSON()
	}

	if o.IdentifyRateLimit.Window <= 0 {
		o.IdentifyRateLimit.Window = 5 * time.Second
	}

	if o.IdentifyRateLimit.Limit <= 0 {
		o.IdentifyRateLimit.Limit = 1
	}

	if o.ClaimRetryInterval <= 0 {
		o.ClaimRetryInterval = 3 * time.Minute
	}

	if o.StoreHeartbeatInterval <= 0 {
		o.StoreHeartbeatInterval = 15 * time.Second
	}

	if o.Dial == nil {
		o.Dial = ws.NewTransport().Dial
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}

	return o
}
