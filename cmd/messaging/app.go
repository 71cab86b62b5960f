package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"

	"github.com/flarecore/messaging-core/modules/bootstrap"
	"github.com/flarecore/messaging-core/modules/orchestrator"
	"github.com/flarecore/messaging-core/modules/overrides"
	"github.com/flarecore/messaging-core/modules/pushdispatcher"
	"github.com/flarecore/messaging-core/modules/pushworker"
	"github.com/flarecore/messaging-core/modules/storagereader"
	"github.com/flarecore/messaging-core/modules/storagewriter"
	"github.com/flarecore/messaging-core/pkg/archive"
	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/cursorstore"
	"github.com/flarecore/messaging-core/pkg/hooks"
	"github.com/flarecore/messaging-core/pkg/hotcache"
	"github.com/flarecore/messaging-core/pkg/idempotency"
	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/logutil"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/presence"
	"github.com/flarecore/messaging-core/pkg/sqlstore"
	"github.com/flarecore/messaging-core/pkg/walstore"
	"github.com/flarecore/messaging-core/util/httputil"
	"github.com/flarecore/messaging-core/util/metrics"
)

// App holds every infra client and module this binary can run, built
// once at boot regardless of -target so any target can be selected
// without a second wiring pass; mirrors cmd/tempo/app.App's "build
// everything the dependency graph needs" approach, minus its
// ring-membership resolution, which has no analogue here.
type App struct {
	cfg    Config
	logger log.Logger
	reg    *metrics.Registry
	admin  *httputil.Server

	db *sqlx.DB

	archiveStore *archive.Store
	convStore    *conversation.Store
	cursors      *cursorstore.Store
	hotCache     *hotcache.Cache
	presenceStore *presence.Store
	idemStore    *idempotency.Store
	wal          *walstore.Store
	ov           *overrides.Overrides

	orchestrator   *orchestrator.Orchestrator
	storageWriter  *storagewriter.Writer
	storageReader  *storagereader.Reader
	pushDispatcher *pushdispatcher.Dispatcher
	pushWorker     *pushworker.Worker
	bootstrap      *bootstrap.Resolver

	storageProducer *ingest.Producer
	pushProducer    *ingest.Producer
	ackProducer     *ingest.Producer
	offlineProducer *ingest.Producer
	dlqProducer     *ingest.Producer

	storageConsumer *ingest.Consumer
	pushConsumer    *ingest.Consumer
	ackConsumer     *ingest.Consumer
	offlineConsumer *ingest.Consumer

	producers []*ingest.Producer
	consumers []*ingest.Consumer
}

// NewApp wires every infra client and module Config describes. Kafka
// producers/consumers are constructed here at boot, but franz-go clients
// connect lazily, so an unreachable broker surfaces on first produce or
// poll rather than here.
func NewApp(cfg Config, logger log.Logger) (*App, error) {
	reg := metrics.NewRegistry()

	db, err := sqlstore.Open(cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("messaging: open postgres: %w", err)
	}

	a := &App{
		cfg:           cfg,
		logger:        logger,
		reg:           reg,
		db:            db,
		archiveStore:  archive.New(db, cfg.Postgres.QueryTimeout),
		convStore:     conversation.New(db, cfg.Postgres.QueryTimeout),
		cursors:       cursorstore.New(db, cfg.Postgres.QueryTimeout),
		hotCache:      hotcache.New(cfg.HotCache),
		presenceStore: presence.New(cfg.Presence),
		idemStore:     idempotency.New(cfg.Idempotency),
	}

	a.wal, err = walstore.New(cfg.WAL)
	if err != nil {
		return nil, fmt.Errorf("messaging: open wal store: %w", err)
	}

	a.ov, err = overrides.New(cfg.Overrides, logutil.Component(logger, "overrides"))
	if err != nil {
		return nil, fmt.Errorf("messaging: load overrides: %w", err)
	}

	if err := a.wireKafka(); err != nil {
		return nil, err
	}
	a.wireModules()
	a.wireAdmin()

	return a, nil
}

func (a *App) wireKafka() error {
	cfg := a.cfg.Kafka

	newProducer := func(topic string) (*ingest.Producer, error) {
		p, err := ingest.NewProducer(ingest.ProducerConfig{Brokers: cfg.Brokers, Topic: topic, RequiredAcks: 1, MaxRetries: 3, MaxInFlightPerConnection: 5})
		if err != nil {
			return nil, err
		}
		a.producers = append(a.producers, p)
		return p, nil
	}
	newConsumer := func(topic, group string, logger log.Logger) (*ingest.Consumer, error) {
		c, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: cfg.Brokers, Topic: topic, Group: group}, logger)
		if err != nil {
			return nil, err
		}
		a.consumers = append(a.consumers, c)
		return c, nil
	}

	storageProducer, err := newProducer(cfg.StorageTopic)
	if err != nil {
		return fmt.Errorf("messaging: storage producer: %w", err)
	}
	pushProducer, err := newProducer(cfg.PushTopic)
	if err != nil {
		return fmt.Errorf("messaging: push producer: %w", err)
	}
	ackProducer, err := newProducer(cfg.AckTopic)
	if err != nil {
		return fmt.Errorf("messaging: ack producer: %w", err)
	}
	offlineProducer, err := newProducer(cfg.OfflineTopic)
	if err != nil {
		return fmt.Errorf("messaging: offline producer: %w", err)
	}
	dlqProducer, err := newProducer(cfg.DLQTopic)
	if err != nil {
		return fmt.Errorf("messaging: dlq producer: %w", err)
	}

	storageConsumer, err := newConsumer(cfg.StorageTopic, a.cfg.StorageWriter.ConsumerGroup, logutil.Component(a.logger, "storage-writer"))
	if err != nil {
		return fmt.Errorf("messaging: storage consumer: %w", err)
	}
	pushConsumer, err := newConsumer(cfg.PushTopic, "push-dispatcher", logutil.Component(a.logger, "push-dispatcher"))
	if err != nil {
		return fmt.Errorf("messaging: push consumer: %w", err)
	}
	ackConsumer, err := newConsumer(cfg.AckTopic, a.cfg.PushDispatcher.AckConsumerGroup, logutil.Component(a.logger, "push-dispatcher-ack"))
	if err != nil {
		return fmt.Errorf("messaging: ack consumer: %w", err)
	}
	offlineConsumer, err := newConsumer(cfg.OfflineTopic, a.cfg.PushWorker.ConsumerGroup, logutil.Component(a.logger, "push-worker"))
	if err != nil {
		return fmt.Errorf("messaging: offline consumer: %w", err)
	}

	a.storageProducer, a.pushProducer, a.ackProducer, a.offlineProducer, a.dlqProducer = storageProducer, pushProducer, ackProducer, offlineProducer, dlqProducer
	a.storageConsumer, a.pushConsumer, a.ackConsumer, a.offlineConsumer = storageConsumer, pushConsumer, ackConsumer, offlineConsumer
	return nil
}

func (a *App) wireModules() {
	a.orchestrator = orchestrator.New(a.cfg.Orchestrator, logutil.Component(a.logger, "orchestrator"), a.idemStore, hooks.NewRegistry(logutil.Component(a.logger, "hooks")), a.wal, a.storageProducer, a.pushProducer, a.ov)
	a.orchestrator.SetMetrics(metrics.NewOrchestratorMetrics(a.reg))

	a.storageReader = storagereader.New(a.cfg.StorageReader, a.archiveStore, a.convStore, a.hotCache)
	a.storageReader.SetMetrics(metrics.NewStorageReaderMetrics(a.reg))

	a.storageWriter = storagewriter.New(a.cfg.StorageWriter, logutil.Component(a.logger, "storage-writer"), a.storageConsumer, a.ackProducer, a.archiveStore, a.convStore, a.hotCache, a.storageReader, a.ov)
	a.storageWriter.SetMetrics(metrics.NewStorageWriterMetrics(a.reg))

	gateways := newHTTPGatewayClient(a.cfg.Channel, logutil.Component(a.logger, "push-dispatcher"))
	a.pushDispatcher = pushdispatcher.New(a.cfg.PushDispatcher, logutil.Component(a.logger, "push-dispatcher"), a.presenceStore, a.convStore, gateways, a.offlineProducer, a.cfg.AckRedis)
	a.pushDispatcher.SetMetrics(metrics.NewPushDispatcherMetrics(a.reg))

	senders := newHTTPSenders(a.cfg.Channel)
	a.pushWorker = pushworker.New(a.cfg.PushWorker, logutil.Component(a.logger, "push-worker"), a.offlineConsumer, a.ackProducer, a.dlqProducer, senders, a.cfg.Channel.DefaultChannel)
	a.pushWorker.SetMetrics(metrics.NewPushWorkerMetrics(a.reg))

	a.bootstrap = bootstrap.New(a.cfg.Bootstrap, a.cursors, a.convStore, a.storageReader, a.ov)
	a.bootstrap.SetMetrics(metrics.NewBootstrapMetrics(a.reg))
}

func (a *App) wireAdmin() {
	build := httputil.BuildInfo{Version: Version, Revision: Revision, Branch: Branch, BuildDate: BuildDate, GoVersion: GoVersionString}
	a.admin = httputil.NewServer(a.cfg.Server, logutil.Component(a.logger, "admin"), build, a.reg)
	a.admin.AddChecker(httputil.CheckerFunc{CheckerName: "postgres", Fn: func(ctx context.Context) error { return a.db.PingContext(ctx) }})
}

// ackLookup reconstructs the minimal task SweepExpiredAcks needs to
// retry a single (tenant, message, user) whose ACK deadline passed; the
// recipient set narrows to that one user before Dispatch runs again.
func (a *App) ackLookup(tenantID, messageID, userID string) (model.PushDispatchTask, bool) {
	ctx := context.Background()
	msg, err := a.archiveStore.GetMessage(ctx, tenantID, messageID)
	if err != nil || msg == nil {
		return model.PushDispatchTask{}, false
	}
	return model.PushDispatchTask{
		TenantID:         msg.TenantID,
		MessageID:        msg.MessageID,
		ConversationID:   msg.ConversationID,
		ConversationType: msg.ConversationType,
		Payload:          msg.Payload,
		UserIDs:          []string{userID},
	}, true
}

func (a *App) Close() {
	for _, p := range a.producers {
		p.Close()
	}
	for _, c := range a.consumers {
		c.Close()
	}
	a.ov.Close()
	a.db.Close()
}
