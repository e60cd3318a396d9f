package gateway

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TicketsBot/gatewaysharder/codec"
	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ratelimit"
	"github.com/TicketsBot/gatewaysharder/rest"
	"github.com/TicketsBot/gatewaysharder/shardstore"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// GatewayInfoFetcher is the part of the REST client the sharder needs.
type GatewayInfoFetcher interface {
	GetGatewayBot(ctx context.Context) (rest.GatewayBotResponse, error)
}

type RunningShard struct {
	Id                   int
	TotalCount           int
	LastHeartbeatLatency *time.Duration
}

// Sharder claims shard ids from a store and runs a shard for each of them.
type Sharder struct {
	options ShardOptions
	rest    GatewayInfoFetcher
	store   shardstore.Store
	limiter ratelimit.Limiter
	clock   clock.Clock

	bus Publisher

	mu      sync.RWMutex
	running map[int]*Shard
}

func NewSharder(options ShardOptions, restClient GatewayInfoFetcher, store shardstore.Store, limiter ratelimit.Limiter) *Sharder {
	options = options.withDefaults()

	if store == nil {
		store = shardstore.NewMemoryStore()
	}

	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter()
	}

	return &Sharder{
		options: options,
		rest:    restClient,
		store:   store,
		limiter: limiter,
		clock:   options.Clock,
		running: make(map[int]*Shard),
	}
}

// fleet is the state of a single Run.
type fleet struct {
	total       int
	concurrency int
	gatewayUrl  string
	commands    <-chan payloads.Payload

	claimed  int32
	failures chan *FleetFailure
	wg       sync.WaitGroup
}

// Run starts one worker per identify bucket and keeps them claiming and starting shards
// until ctx is cancelled, which returns ctx.Err(), or a shard fails under FailFleet, which
// returns a *FleetFailure. Every shard has stopped and closed its socket by the time Run
// returns.
func (sm *Sharder) Run(ctx context.Context, bus Publisher, commands <-chan payloads.Payload) error {
	sm.bus = bus

	gatewayBot := sm.gatewayInfo(ctx)
	total, concurrency := sm.resolveCounts(gatewayBot)

	f := &fleet{
		total:       total,
		concurrency: concurrency,
		gatewayUrl:  gatewayBot.Url,
		commands:    commands,
		failures:    make(chan *FleetFailure, 1),
	}

	metricsTotalShards.Set(float64(total))
	logrus.Infof("sharder: running with %d total shards, %d identify buckets (%s)", total, concurrency, codec.GatewayURL(f.gatewayUrl, sm.options.Version, sm.options.Codec))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for slot := 0; slot < concurrency; slot++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			sm.slotWorker(ctx, f)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case failure := <-f.failures:
		logrus.WithError(failure.Err).Errorf("shard %d: failed, stopping all shards", failure.ShardId)
		err = failure
	}

	cancel()
	f.wg.Wait()

	return err
}

// gatewayInfo never fails: when discord can't be reached the defaults for a small bot are used.
func (sm *Sharder) gatewayInfo(ctx context.Context) rest.GatewayBotResponse {
	if sm.rest == nil {
		return rest.FallbackGatewayBot()
	}

	gatewayBot, err := sm.rest.GetGatewayBot(ctx)
	if err != nil {
		logrus.WithError(err).Warn("sharder: failed to fetch gateway info, using defaults")
		return rest.FallbackGatewayBot()
	}

	if gatewayBot.Url == "" {
		gatewayBot.Url = rest.FallbackGatewayBot().Url
	}

	return gatewayBot
}

func (sm *Sharder) resolveCounts(gatewayBot rest.GatewayBotResponse) (total, concurrency int) {
	total = sm.options.ShardCount.Total
	if total <= 0 {
		total = gatewayBot.Shards
	}

	if total < 1 {
		total = 1
	}

	concurrency = sm.options.LargeShardingBuckets
	if concurrency <= 0 {
		concurrency = gatewayBot.SessionStartLimit.MaxConcurrency
	}

	if concurrency < 1 {
		concurrency = 1
	}

	return
}

// slotWorker claims an id, starts its shard, and claims the next one once that shard has
// connected or exited.
func (sm *Sharder) slotWorker(ctx context.Context, f *fleet) {
	for {
		shardId, err := sm.claim(ctx, f)
		if err != nil {
			return
		}

		settled, err := sm.startShard(ctx, f, shardId)
		if err != nil {
			sm.release(f, shardId)

			if ctx.Err() == nil {
				sm.fail(f, shardId, errors.WithMessage(err, "wait for identify bucket"))
			}

			return
		}

		select {
		case <-settled:
		case <-ctx.Done():
			return
		}
	}
}

func (sm *Sharder) claim(ctx context.Context, f *fleet) (int, error) {
	for {
		claim := shardstore.ClaimIdContext{
			SharderCount: int(atomic.LoadInt32(&f.claimed)),
			TotalCount:   f.total,
		}

		shardId, err := shardstore.Claim(ctx, sm.store, claim)
		if err == nil {
			atomic.AddInt32(&f.claimed, 1)
			logrus.Infof("shard %d: claimed", shardId)
			return shardId, nil
		}

		if err == shardstore.ErrClaimExhausted {
			logrus.Debugf("sharder: %s, retrying in %s", err.Error(), sm.options.ClaimRetryInterval)
		} else if ctx.Err() == nil {
			logrus.WithError(err).Warn("sharder: failed to claim shard id")
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-sm.clock.After(sm.options.ClaimRetryInterval):
		}
	}
}

func (sm *Sharder) identifyWait(ctx context.Context, f *fleet, shardId int) error {
	start := sm.clock.Now()
	key := ratelimit.BucketKey(shardId, f.concurrency)

	if err := sm.limiter.MaybeWait(ctx, key, sm.options.IdentifyRateLimit.Window, sm.options.IdentifyRateLimit.Limit); err != nil {
		return err
	}

	metricsIdentifyWait.Observe(sm.clock.Since(start).Seconds())
	return nil
}

// startShard waits for the identify bucket, then runs the shard in the background. The
// returned channel is closed once the shard has connected or stopped for good.
func (sm *Sharder) startShard(ctx context.Context, f *fleet, shardId int) (<-chan struct{}, error) {
	if err := sm.identifyWait(ctx, f, shardId); err != nil {
		return nil, err
	}

	settled := make(chan struct{})
	var settleOnce sync.Once
	settle := func() {
		settleOnce.Do(func() {
			close(settled)
		})
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer settle()
		sm.supervise(ctx, f, shardId, settle)
	}()

	return settled, nil
}

func (sm *Sharder) supervise(ctx context.Context, f *fleet, shardId int, settle func()) {
	defer sm.release(f, shardId)

	for {
		shard := NewShard(sm, sm.options, shardId, f.total, f.gatewayUrl, f.commands)

		stopped := make(chan struct{})
		go func() {
			select {
			case <-shard.Ready():
				settle()
			case <-stopped:
			}
		}()

		err := sm.runShard(ctx, f, shard)
		close(stopped)

		if ctx.Err() != nil {
			return
		}

		if err == nil {
			err = ErrShardExited
		}

		metricsShardFailures.Inc()

		if sm.options.FailurePolicy == RestartShard {
			logrus.WithError(err).Warnf("shard %d: failed, restarting", shardId)

			if err := sm.identifyWait(ctx, f, shardId); err != nil {
				if ctx.Err() == nil {
					sm.fail(f, shardId, errors.WithMessage(err, "wait for identify bucket"))
				}

				return
			}

			continue
		}

		sm.fail(f, shardId, err)
		return
	}
}

// fail ends the Run; only the first failure is reported.
func (sm *Sharder) fail(f *fleet, shardId int, err error) {
	select {
	case f.failures <- &FleetFailure{ShardId: shardId, Err: err}:
	default:
	}
}

func (sm *Sharder) runShard(ctx context.Context, f *fleet, shard *Shard) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var heartbeats sync.WaitGroup
	if heartbeater, ok := sm.store.(shardstore.Heartbeater); ok {
		heartbeats.Add(1)
		go func() {
			defer heartbeats.Done()
			sm.heartbeatClaim(ctx, heartbeater, f.total, shard.ShardId)
		}()
	}

	err := shard.Run(ctx)

	cancel()
	heartbeats.Wait()
	sm.removeShard(shard)

	return err
}

func (sm *Sharder) heartbeatClaim(ctx context.Context, heartbeater shardstore.Heartbeater, total, shardId int) {
	ticker := sm.clock.Ticker(sm.options.StoreHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := heartbeater.Heartbeat(ctx, total, shardId); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warnf("shard %d: failed to refresh claim", shardId)
			}
		}
	}
}

func (sm *Sharder) release(f *fleet, shardId int) {
	releaser, ok := sm.store.(shardstore.Releaser)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := releaser.Release(ctx, f.total, shardId); err != nil {
		logrus.WithError(err).Warnf("shard %d: failed to release claim", shardId)
	}
}

func (sm *Sharder) Publish(event Event) {
	if sm.bus != nil {
		sm.bus.Publish(event)
	}
}

func (sm *Sharder) onConnected(shard *Shard) {
	sm.mu.Lock()
	sm.running[shard.ShardId] = shard
	count := len(sm.running)
	sm.mu.Unlock()

	metricsRunningShards.Set(float64(count))
}

func (sm *Sharder) removeShard(shard *Shard) {
	sm.mu.Lock()
	if sm.running[shard.ShardId] == shard {
		delete(sm.running, shard.ShardId)
	}
	count := len(sm.running)
	sm.mu.Unlock()

	metricsRunningShards.Set(float64(count))
}

// Shards returns the shards that have connected and are still running, ordered by id.
func (sm *Sharder) Shards() []RunningShard {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	shards := make([]RunningShard, 0, len(sm.running))
	for _, shard := range sm.running {
		running := RunningShard{
			Id:         shard.ShardId,
			TotalCount: shard.TotalCount,
		}

		if latency, ok := shard.Latency(); ok {
			running.LastHeartbeatLatency = &latency
		}

		shards = append(shards, running)
	}

	sort.Slice(shards, func(i, j int) bool {
		return shards[i].Id < shards[j].Id
	})

	return shards
}
