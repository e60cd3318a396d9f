package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type config struct {
	Token                string
	CountTotal           int
	CountLowest          int
	CountHighest         int
	LargeShardingBuckets int
	Intents              int
	Presence             string
	Compress             bool
	Encoding             string
	Version              int
	IdentifyWindow       time.Duration
	IdentifyLimit        int
	FailurePolicy        string

	Store       string
	Limiter     string
	StoreLease  time.Duration
	RedisAddr   string
	RedisPasswd string
	RedisThread int
	PostgresUrl string

	EventForwardKey string
	CommandKey      string
	MetricsAddr     string

	LogLevel  string
	LogFile   string
	SentryDsn string
}

func loadConfig() (conf config, err error) {
	v := viper.New()
	v.SetEnvPrefix("SHARDER")
	v.AutomaticEnv()

	// sharder.yaml etc. in the working directory, keys as below
	v.SetConfigName("sharder")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return conf, errors.Wrap(err, "failed to read config")
		}
	}

	v.SetDefault("presence", "DM for help | t!help")
	v.SetDefault("encoding", "json")
	v.SetDefault("version", 10)
	v.SetDefault("identify_window", 5*time.Second)
	v.SetDefault("identify_limit", 1)
	v.SetDefault("failure_policy", "fail_fleet")
	v.SetDefault("store", "memory")
	v.SetDefault("limiter", "memory")
	v.SetDefault("store_lease", time.Minute)
	v.SetDefault("redis_threads", 5)
	v.SetDefault("event_forward_key", "tickets:events")
	v.SetDefault("command_key", "tickets:commands")
	v.SetDefault("log_level", "info")

	conf = config{
		Token:                v.GetString("token"),
		CountTotal:           v.GetInt("count_total"),
		CountLowest:          v.GetInt("count_lowest"),
		CountHighest:         v.GetInt("count_highest"),
		LargeShardingBuckets: v.GetInt("large_sharding_buckets"),
		Intents:              v.GetInt("intents"),
		Presence:             v.GetString("presence"),
		Compress:             v.GetBool("compress"),
		Encoding:             v.GetString("encoding"),
		Version:              v.GetInt("version"),
		IdentifyWindow:       v.GetDuration("identify_window"),
		IdentifyLimit:        v.GetInt("identify_limit"),
		FailurePolicy:        strings.ToLower(v.GetString("failure_policy")),
		Store:                strings.ToLower(v.GetString("store")),
		Limiter:              strings.ToLower(v.GetString("limiter")),
		StoreLease:           v.GetDuration("store_lease"),
		RedisAddr:            v.GetString("redis_addr"),
		RedisPasswd:          v.GetString("redis_passwd"),
		RedisThread:          v.GetInt("redis_threads"),
		PostgresUrl:          v.GetString("postgres_url"),
		EventForwardKey:      v.GetString("event_forward_key"),
		CommandKey:           v.GetString("command_key"),
		MetricsAddr:          v.GetString("metrics_addr"),
		LogLevel:             v.GetString("log_level"),
		LogFile:              v.GetString("log_file"),
		SentryDsn:            v.GetString("sentry_dsn"),
	}

	if conf.Token == "" {
		return conf, errors.New("SHARDER_TOKEN is not set")
	}

	if conf.CountHighest > 0 && conf.CountLowest >= conf.CountHighest {
		return conf, errors.Errorf("SHARDER_COUNT_LOWEST (%d) must be below SHARDER_COUNT_HIGHEST (%d)", conf.CountLowest, conf.CountHighest)
	}

	return conf, nil
}
