package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/TicketsBot/gatewaysharder/codec"
	"github.com/TicketsBot/gatewaysharder/gateway"
	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ratelimit"
	"github.com/TicketsBot/gatewaysharder/rest"
	"github.com/TicketsBot/gatewaysharder/shardstore"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	conf, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	setupLogging(conf)
	defer sentry.Flush(2 * time.Second)

	ctx, cancel := gateway.ContextWithInterrupt(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if conf.RedisAddr != "" {
		redisClient, err = buildRedisClient(conf)
		if err != nil {
			logrus.WithError(err).Fatal("failed to connect to redis")
		}
		defer redisClient.Close()
	}

	store, err := buildStore(ctx, conf, redisClient)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build shard store")
	}

	limiter, err := buildLimiter(conf, redisClient)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build identify rate limiter")
	}

	options, err := buildShardOptions(conf)
	if err != nil {
		logrus.WithError(err).Fatal("invalid shard options")
	}

	if conf.MetricsAddr != "" {
		go serveMetrics(conf.MetricsAddr)
	}

	bus := gateway.NewEventBus()
	defer bus.Close()

	if redisClient != nil && conf.EventForwardKey != "" {
		go gateway.NewEventForwarder(redisClient, conf.EventForwardKey).Run(ctx, bus.Subscribe())
	}

	// presence updates and member requests from workers, sent by whichever shard is connected
	var commands chan payloads.Payload
	if redisClient != nil && conf.CommandKey != "" {
		commands = make(chan payloads.Payload)
		go gateway.NewCommandQueue(redisClient, conf.CommandKey).Run(ctx, commands)
	}

	sharder := gateway.NewSharder(options, rest.NewClient(conf.Token), store, limiter)

	logrus.Infof("starting sharder (store: %s, limiter: %s, failure policy: %s)", conf.Store, conf.Limiter, options.FailurePolicy)

	err = sharder.Run(ctx, bus, commands)
	if errors.Is(err, context.Canceled) {
		logrus.Info("sharder stopped")
		return
	}

	logrus.WithError(err).Error("sharder failed")
	sentry.Flush(2 * time.Second)
	os.Exit(1)
}

func buildShardOptions(conf config) (options gateway.ShardOptions, err error) {
	c, err := codec.ByName(conf.Encoding)
	if err != nil {
		return
	}

	presence := payloads.BuildStatus(payloads.ActivityTypePlaying, conf.Presence)

	options = gateway.ShardOptions{
		Token: conf.Token,
		ShardCount: gateway.ShardCount{
			Total:   conf.CountTotal,
			Lowest:  conf.CountLowest,
			Highest: conf.CountHighest,
		},
		Compress:             conf.Compress,
		Presence:             &presence,
		Intents:              buildIntents(conf),
		LargeShardingBuckets: conf.LargeShardingBuckets,
		Version:              conf.Version,
		Codec:                c,
		IdentifyRateLimit: gateway.IdentifyRateLimit{
			Window: conf.IdentifyWindow,
			Limit:  conf.IdentifyLimit,
		},
	}

	switch conf.FailurePolicy {
	case "fail_fleet", "":
		options.FailurePolicy = gateway.FailFleet
	case "restart_shard":
		options.FailurePolicy = gateway.RestartShard
	default:
		err = errors.Errorf("unknown failure policy %q", conf.FailurePolicy)
	}

	return
}

func buildIntents(conf config) []payloads.Intent {
	if conf.Intents != 0 {
		return []payloads.Intent{payloads.Intent(conf.Intents)}
	}

	return []payloads.Intent{
		payloads.IntentGuilds,
		payloads.IntentGuildMembers,
		payloads.IntentGuildMessages,
		payloads.IntentGuildMessageReactions,
		payloads.IntentGuildWebhooks,
		payloads.IntentDirectMessages,
		payloads.IntentDirectMessageReactions,
	}
}

func buildRedisClient(conf config) (client *redis.Client, err error) {
	options := &redis.Options{
		Network:      "tcp",
		Addr:         conf.RedisAddr,
		Password:     conf.RedisPasswd,
		PoolSize:     conf.RedisThread,
		MinIdleConns: conf.RedisThread,
	}

	client = redis.NewClient(options)

	// test conn
	return client, client.Ping().Err()
}

func buildStore(ctx context.Context, conf config, redisClient *redis.Client) (shardstore.Store, error) {
	switch conf.Store {
	case "memory", "":
		if conf.CountLowest > 0 || conf.CountHighest > 0 {
			return shardstore.NewMemoryRangeStore(conf.CountLowest, conf.CountHighest), nil
		}

		return shardstore.NewMemoryStore(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis store requires SHARDER_REDIS_ADDR")
		}

		return shardstore.NewRedisStore(redisClient, "sharder:claims", conf.StoreLease).WithRange(conf.CountLowest, conf.CountHighest), nil
	case "postgres":
		if conf.PostgresUrl == "" {
			return nil, errors.New("postgres store requires SHARDER_POSTGRES_URL")
		}

		pool, err := pgxpool.Connect(ctx, conf.PostgresUrl)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to postgres")
		}

		store := shardstore.NewPostgresStore(pool, conf.StoreLease).WithRange(conf.CountLowest, conf.CountHighest)
		if err := store.CreateSchema(ctx); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "failed to create shard claim schema")
		}

		return store, nil
	default:
		return nil, errors.Errorf("unknown store %q", conf.Store)
	}
}

func buildLimiter(conf config, redisClient *redis.Client) (ratelimit.Limiter, error) {
	switch conf.Limiter {
	case "memory", "":
		return ratelimit.NewMemoryLimiter(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis limiter requires SHARDER_REDIS_ADDR")
		}

		return ratelimit.NewRedisLimiter(redisClient, "ratelimiter:identify"), nil
	default:
		return nil, errors.Errorf("unknown limiter %q", conf.Limiter)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logrus.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.WithError(err).Error("metrics server stopped")
	}
}
