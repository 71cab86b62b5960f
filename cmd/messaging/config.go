package main

import (
	"flag"
	"time"

	"github.com/flarecore/messaging-core/modules/bootstrap"
	"github.com/flarecore/messaging-core/modules/orchestrator"
	"github.com/flarecore/messaging-core/modules/overrides"
	"github.com/flarecore/messaging-core/modules/pushdispatcher"
	"github.com/flarecore/messaging-core/modules/pushworker"
	"github.com/flarecore/messaging-core/modules/storagereader"
	"github.com/flarecore/messaging-core/modules/storagewriter"
	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/hotcache"
	"github.com/flarecore/messaging-core/pkg/idempotency"
	"github.com/flarecore/messaging-core/pkg/presence"
	"github.com/flarecore/messaging-core/pkg/sqlstore"
	"github.com/flarecore/messaging-core/pkg/walstore"
	"github.com/flarecore/messaging-core/util/httputil"
)

// KafkaConfig names the shared broker set every topic-specific
// ingest.ProducerConfig/ConsumerConfig is built from at boot.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	StorageTopic  string `yaml:"storage_topic"`
	PushTopic     string `yaml:"push_topic"`
	AckTopic      string `yaml:"ack_topic"`
	OfflineTopic  string `yaml:"offline_topic"`
	DLQTopic      string `yaml:"dlq_topic"`
}

func defaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"127.0.0.1:9092"},
		StorageTopic: "storage",
		PushTopic:    "push",
		AckTopic:     "ack",
		OfflineTopic: "offline-push",
		DLQTopic:     "dlq-push",
	}
}

// ChannelConfig maps each outbound push channel to the HTTP relay
// pushworker.HTTPSender delivers through, and each access-gateway id to
// the endpoint pushdispatcher.HTTPGatewayClient calls.
type ChannelConfig struct {
	Senders         map[string]string `yaml:"senders"`          // channel name -> endpoint
	DefaultChannel  string            `yaml:"default_channel"`
	Gateways        map[string]string `yaml:"gateways"`         // gateway id -> endpoint
	GatewayTimeout  time.Duration     `yaml:"gateway_timeout"`
}

func defaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Senders:        map[string]string{},
		DefaultChannel: "fcm",
		Gateways:       map[string]string{},
		GatewayTimeout: 5 * time.Second,
	}
}

// Config is the single binary's full configuration tree: one target
// reads only the sections its modules need, but every target parses the
// whole file so a deployment can share one YAML across targets, the
// convention cmd/tempo's single-binary config follows.
type Config struct {
	Target string `yaml:"-"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	Server  httputil.Config `yaml:"server"`
	Kafka   KafkaConfig     `yaml:"kafka"`
	Channel ChannelConfig   `yaml:"channel"`

	Postgres sqlstore.Config  `yaml:"postgres"`
	HotCache hotcache.Config  `yaml:"hot_cache"`
	Presence presence.Config  `yaml:"presence"`
	QueryCache cache.RedisConfig `yaml:"query_cache"`
	QueryTTL   time.Duration     `yaml:"query_ttl"`

	Idempotency idempotency.Config `yaml:"idempotency"`
	WAL         walstore.Config    `yaml:"wal"`
	AckRedis    cache.RedisConfig  `yaml:"ack_redis"`

	Overrides overrides.Config `yaml:"overrides"`

	Orchestrator    orchestrator.Config    `yaml:"orchestrator"`
	StorageWriter   storagewriter.Config   `yaml:"storage_writer"`
	StorageReader   storagereader.Config   `yaml:"storage_reader"`
	PushDispatcher  pushdispatcher.Config  `yaml:"push_dispatcher"`
	PushWorker      pushworker.Config      `yaml:"push_worker"`
	Bootstrap       bootstrap.Config       `yaml:"bootstrap"`

	AckSweepInterval time.Duration `yaml:"ack_sweep_interval"`
}

// RegisterFlagsAndApplyDefaults implements pkg/config.FlagRegisterer:
// it seeds every section with its own package's defaults before YAML and
// FLARE_* env overrides are applied on top.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.LogFormat = "logfmt"
	c.LogLevel = "info"

	c.Server = httputil.DefaultConfig()
	c.Kafka = defaultKafkaConfig()
	c.Channel = defaultChannelConfig()

	c.Postgres = sqlstore.DefaultConfig()
	c.HotCache = hotcache.Config{Redis: cache.RedisConfig{Endpoint: "127.0.0.1:6379", Timeout: 2 * time.Second}, TTL: 10 * time.Minute, MaxPerConversation: 200}
	c.Presence = presence.Config{Redis: cache.RedisConfig{Endpoint: "127.0.0.1:6379", Timeout: 2 * time.Second}, TTL: 2 * time.Minute}
	c.QueryCache = cache.RedisConfig{Endpoint: "127.0.0.1:6379", Timeout: 2 * time.Second}
	c.QueryTTL = 30 * time.Second

	c.Idempotency = idempotency.Config{Redis: cache.RedisConfig{Endpoint: "127.0.0.1:6379", Timeout: 2 * time.Second}, TTL: 24 * time.Hour}
	c.WAL = walstore.Config{Redis: cache.RedisConfig{Endpoint: "127.0.0.1:6379", Timeout: 2 * time.Second}, TTL: 10 * time.Minute}
	c.AckRedis = cache.RedisConfig{Endpoint: "127.0.0.1:6379", Timeout: 2 * time.Second}

	c.Overrides.RegisterFlagsAndApplyDefaults(prefix+"overrides.", f)

	c.Orchestrator = orchestrator.DefaultConfig()
	c.StorageWriter = storagewriter.DefaultConfig()
	c.StorageReader = storagereader.Config{QueryCache: c.QueryCache, QueryTTL: c.QueryTTL}
	c.PushDispatcher = pushdispatcher.DefaultConfig()
	c.PushWorker = pushworker.DefaultConfig()
	c.Bootstrap = bootstrap.DefaultConfig()

	c.AckSweepInterval = 15 * time.Second

	f.StringVar(&c.Target, "target", "all", "component to run: all, orchestrator, storage-writer, storage-reader, push-dispatcher, push-worker, bootstrap")
}
