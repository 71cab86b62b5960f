// Package metrics builds the per-service prometheus collectors for the
// fleet. Each service constructs its own *prometheus.Registry explicitly
// at boot (cmd/messaging) and injects the resulting collector structs into
// the module they instrument via SetMetrics, instead of relying on the
// package-level promauto default registerer the teacher's tempodb/friggdb
// code uses. Every collector method is nil-receiver safe so a module can
// call into its metrics unconditionally even when no metrics were wired
// (tests, or a target that chose not to expose /metrics).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flare"

// Registry bundles the registry a service registers into and the
// convenience needed to serve it over HTTP (util/httputil wires the
// handler; this package only ever builds collectors against it).
type Registry struct {
	*prometheus.Registry
}

// NewRegistry builds a fresh registry with the standard Go/process
// collectors, mirroring what cmd/tempo registers on its own *prometheus.Registry
// rather than on prometheus.DefaultRegisterer.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return &Registry{reg}
}

func durationBuckets() []float64 {
	return prometheus.ExponentialBuckets(0.005, 2, 12)
}

// OrchestratorMetrics instruments modules/orchestrator.
type OrchestratorMetrics struct {
	sendsTotal        *prometheus.CounterVec
	idempotentHits    *prometheus.CounterVec
	hookRejections    *prometheus.CounterVec
	sendDuration      prometheus.Histogram
	walAppendFailures prometheus.Counter
}

func NewOrchestratorMetrics(reg *Registry) *OrchestratorMetrics {
	f := promauto.With(reg.Registry)
	return &OrchestratorMetrics{
		sendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "sends_total",
			Help: "Total Send() calls by terminal outcome.",
		}, []string{"outcome"}),
		idempotentHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "idempotent_hits_total",
			Help: "Sends short-circuited by a prior client_message_id.",
		}, []string{"tenant"}),
		hookRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "hook_rejections_total",
			Help: "PreSend hook rejections by hook name.",
		}, []string{"hook"}),
		sendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "send_duration_seconds",
			Help: "Send() latency from accept to dual Kafka publish.", Buckets: durationBuckets(),
		}),
		walAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "wal_append_failures_total",
			Help: "WAL append failures (hard-fail per spec §4.1).",
		}),
	}
}

func (m *OrchestratorMetrics) ObserveSend(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(outcome).Inc()
	m.sendDuration.Observe(d.Seconds())
}

func (m *OrchestratorMetrics) IncIdempotentHit(tenant string) {
	if m == nil {
		return
	}
	m.idempotentHits.WithLabelValues(tenant).Inc()
}

func (m *OrchestratorMetrics) IncHookRejection(hook string) {
	if m == nil {
		return
	}
	m.hookRejections.WithLabelValues(hook).Inc()
}

func (m *OrchestratorMetrics) IncWALAppendFailure() {
	if m == nil {
		return
	}
	m.walAppendFailures.Inc()
}

// StorageWriterMetrics instruments modules/storagewriter.
type StorageWriterMetrics struct {
	recordsTotal   *prometheus.CounterVec
	seqConflicts   prometheus.Counter
	archiveLatency prometheus.Histogram
}

func NewStorageWriterMetrics(reg *Registry) *StorageWriterMetrics {
	f := promauto.With(reg.Registry)
	return &StorageWriterMetrics{
		recordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storagewriter", Name: "records_total",
			Help: "Kafka storage-topic records handled, by result.",
		}, []string{"result"}),
		seqConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storagewriter", Name: "seq_conflicts_total",
			Help: "Lost-update retries on the per-conversation seq counter.",
		}),
		archiveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storagewriter", Name: "archive_commit_seconds",
			Help: "Archive commit latency per message.", Buckets: durationBuckets(),
		}),
	}
}

func (m *StorageWriterMetrics) IncRecord(result string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(result).Inc()
}

func (m *StorageWriterMetrics) IncSeqConflict() {
	if m == nil {
		return
	}
	m.seqConflicts.Inc()
}

func (m *StorageWriterMetrics) ObserveArchiveCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.archiveLatency.Observe(d.Seconds())
}

// StorageReaderMetrics instruments modules/storagereader.
type StorageReaderMetrics struct {
	queriesTotal  *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
}

func NewStorageReaderMetrics(reg *Registry) *StorageReaderMetrics {
	f := promauto.With(reg.Registry)
	return &StorageReaderMetrics{
		queriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storagereader", Name: "queries_total",
			Help: "Reader queries by kind.",
		}, []string{"kind"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storagereader", Name: "cache_results_total",
			Help: "L2 cache hit/miss by query kind.",
		}, []string{"kind", "result"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storagereader", Name: "query_duration_seconds",
			Help: "Query latency by kind.", Buckets: durationBuckets(),
		}, []string{"kind"}),
	}
}

func (m *StorageReaderMetrics) ObserveQuery(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(kind).Inc()
	m.queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *StorageReaderMetrics) IncCacheResult(kind, result string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(kind, result).Inc()
}

// PushDispatcherMetrics instruments modules/pushdispatcher.
type PushDispatcherMetrics struct {
	presenceLookupDuration prometheus.Histogram
	tasksTotal             *prometheus.CounterVec
	gatewayPushDuration    *prometheus.HistogramVec
	pendingAcks            prometheus.Gauge
	offlineEnqueued        *prometheus.CounterVec
}

func NewPushDispatcherMetrics(reg *Registry) *PushDispatcherMetrics {
	f := promauto.With(reg.Registry)
	return &PushDispatcherMetrics{
		presenceLookupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pushdispatcher", Name: "presence_lookup_seconds",
			Help: "Batch presence lookup round-trip latency.", Buckets: durationBuckets(),
		}),
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pushdispatcher", Name: "tasks_total",
			Help: "Dispatch outcomes by message_type and state.",
		}, []string{"message_type", "state"}),
		gatewayPushDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pushdispatcher", Name: "gateway_push_seconds",
			Help: "Per-gateway push call latency, including retries.", Buckets: durationBuckets(),
		}, []string{"gateway_id"}),
		pendingAcks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pushdispatcher", Name: "pending_acks",
			Help: "In-flight (message_id, user_id) pairs awaiting client ACK.",
		}),
		offlineEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pushdispatcher", Name: "offline_enqueued_total",
			Help: "Tasks routed to the offline queue vs discarded as expired.",
		}, []string{"outcome"}),
	}
}

func (m *PushDispatcherMetrics) ObservePresenceLookup(d time.Duration) {
	if m == nil {
		return
	}
	m.presenceLookupDuration.Observe(d.Seconds())
}

func (m *PushDispatcherMetrics) IncTask(messageType, state string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(messageType, state).Inc()
}

func (m *PushDispatcherMetrics) ObserveGatewayPush(gatewayID string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayPushDuration.WithLabelValues(gatewayID).Observe(d.Seconds())
}

func (m *PushDispatcherMetrics) SetPendingAcks(n float64) {
	if m == nil {
		return
	}
	m.pendingAcks.Set(n)
}

func (m *PushDispatcherMetrics) IncOfflineOutcome(outcome string) {
	if m == nil {
		return
	}
	m.offlineEnqueued.WithLabelValues(outcome).Inc()
}

// PushWorkerMetrics instruments modules/pushworker.
type PushWorkerMetrics struct {
	deliveriesTotal *prometheus.CounterVec
	dlqTotal        *prometheus.CounterVec
}

func NewPushWorkerMetrics(reg *Registry) *PushWorkerMetrics {
	f := promauto.With(reg.Registry)
	return &PushWorkerMetrics{
		deliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pushworker", Name: "deliveries_total",
			Help: "Offline channel delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
		dlqTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pushworker", Name: "dlq_total",
			Help: "Tasks published to the dead-letter topic by reason.",
		}, []string{"reason"}),
	}
}

func (m *PushWorkerMetrics) IncDelivery(channel, result string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(channel, result).Inc()
}

func (m *PushWorkerMetrics) IncDLQ(reason string) {
	if m == nil {
		return
	}
	m.dlqTotal.WithLabelValues(reason).Inc()
}

// BootstrapMetrics instruments modules/bootstrap.
type BootstrapMetrics struct {
	bootstrapDuration prometheus.Histogram
	conversationsSeen prometheus.Histogram
	forceSyncMisses   prometheus.Counter
}

func NewBootstrapMetrics(reg *Registry) *BootstrapMetrics {
	f := promauto.With(reg.Registry)
	return &BootstrapMetrics{
		bootstrapDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bootstrap", Name: "resolve_seconds",
			Help: "Bootstrap() end-to-end latency.", Buckets: durationBuckets(),
		}),
		conversationsSeen: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bootstrap", Name: "conversations_per_resolve",
			Help: "Conversation summaries returned per Bootstrap() call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		forceSyncMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bootstrap", Name: "force_sync_missing_total",
			Help: "ForceSync conversation ids rejected as not-found/not-a-participant.",
		}),
	}
}

func (m *BootstrapMetrics) ObserveResolve(d time.Duration, conversations int) {
	if m == nil {
		return
	}
	m.bootstrapDuration.Observe(d.Seconds())
	m.conversationsSeen.Observe(float64(conversations))
}

func (m *BootstrapMetrics) IncForceSyncMiss(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forceSyncMisses.Add(float64(n))
}
