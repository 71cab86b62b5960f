// Package storagewriter consumes the storage topic, persists each message
// (or operation) durably, fans out to the hot cache, advances
// conversation/participant bookkeeping, and emits the delivery ack only
// after the archive commit is durable.
package storagewriter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flarecore/messaging-core/modules/overrides"
	"github.com/flarecore/messaging-core/modules/storagereader"
	"github.com/flarecore/messaging-core/pkg/archive"
	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/hotcache"
	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/wire"
	"github.com/flarecore/messaging-core/util/metrics"
)

type Config struct {
	ConsumerGroup string `yaml:"consumer_group"`
	AckTopic      string `yaml:"ack_topic"`
}

func DefaultConfig() Config {
	return Config{ConsumerGroup: "storage-writer", AckTopic: "ack"}
}

// Writer is the storage-writer component: one per consumer-group member.
type Writer struct {
	cfg          Config
	logger       log.Logger
	consumer     *ingest.Consumer
	ackProducer  *ingest.Producer
	archiveStore *archive.Store
	convStore    *conversation.Store
	hotCache     *hotcache.Cache
	reader       *storagereader.Reader
	overrides    *overrides.Overrides
	metrics      *metrics.StorageWriterMetrics
}

// SetMetrics injects this service's prometheus collectors, built once at
// boot by cmd/messaging.
func (w *Writer) SetMetrics(m *metrics.StorageWriterMetrics) {
	w.metrics = m
}

func New(cfg Config, logger log.Logger, consumer *ingest.Consumer, ackProducer *ingest.Producer, archiveStore *archive.Store, convStore *conversation.Store, hotCache *hotcache.Cache, reader *storagereader.Reader, ov *overrides.Overrides) *Writer {
	return &Writer{
		cfg:          cfg,
		logger:       logger,
		consumer:     consumer,
		ackProducer:  ackProducer,
		archiveStore: archiveStore,
		convStore:    convStore,
		hotCache:     hotCache,
		reader:       reader,
		overrides:    ov,
	}
}

// Run drives the consume loop until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handleRecord)
}

func (w *Writer) handleRecord(ctx context.Context, record *kgo.Record) error {
	msg, err := wire.DecodeMessage(record.Value)
	if err != nil {
		level.Error(w.logger).Log("msg", "failed to decode storage record, dropping", "err", err)
		w.metrics.IncRecord("decode_error")
		return nil // poison message; committing avoids blocking the partition forever
	}

	var handleErr error
	switch msg.MessageType {
	case model.MessageTypeRecall, model.MessageTypeRead, model.MessageTypeTyping:
		handleErr = w.handleOperation(ctx, msg)
	default:
		handleErr = w.handleInsert(ctx, msg)
	}
	if handleErr != nil {
		w.metrics.IncRecord("error")
		return handleErr
	}
	w.metrics.IncRecord("ok")
	return nil
}

// handleInsert implements §4.2: idempotency-by-message_id, seq
// assignment, archive + hot cache fan-out, conversation/participant
// bookkeeping, ack emission strictly after the archive commit, in that
// order.
func (w *Writer) handleInsert(ctx context.Context, msg model.Message) error {
	commitStart := time.Now()
	existing, err := w.archiveStore.GetMessage(ctx, msg.TenantID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("storagewriter: check existing message: %w", err)
	}
	if existing == nil {
		if _, err := w.convStore.GetOrCreate(ctx, msg.TenantID, msg.ConversationID, msg.ConversationType, ""); err != nil {
			return fmt.Errorf("storagewriter: ensure conversation: %w", err)
		}
		seq, err := w.archiveStore.NextSeq(ctx, msg.TenantID, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("storagewriter: assign seq: %w", err)
		}
		msg.Seq = seq
		msg.Status = model.MessageStatusStored

		if err := w.archiveStore.StoreMessage(ctx, msg); err != nil {
			return fmt.Errorf("storagewriter: store message: %w", err)
		}
		if err := w.convStore.EnsureParticipant(ctx, msg.TenantID, msg.ConversationID, msg.SenderID); err != nil {
			return fmt.Errorf("storagewriter: ensure sender participant: %w", err)
		}
		if err := w.convStore.BumpUnread(ctx, msg.TenantID, msg.ConversationID, msg.SenderID); err != nil {
			return fmt.Errorf("storagewriter: bump unread: %w", err)
		}
		w.metrics.ObserveArchiveCommit(time.Since(commitStart))
	} else {
		msg = *existing
	}

	// Hot-cache write may race archive write in principle; here it simply
	// follows, using the archive-assigned seq so readers never see a
	// hot-cache entry the archive disagrees with.
	if err := w.hotCache.Put(ctx, msg); err != nil {
		level.Warn(w.logger).Log("msg", "hot cache write failed, reader will fall through to archive", "err", err, "message_id", msg.MessageID)
	}

	if err := w.emitAck(ctx, msg); err != nil {
		return fmt.Errorf("storagewriter: emit ack: %w", err)
	}
	return nil
}

// handleOperation routes recall/read/typing to their archive mutation
// instead of an insert; they still flow through the storage topic so
// ordering relative to inserts in the same conversation is preserved. Both
// branches delegate to the storage reader's mutation API so this path and
// the synchronous one never diverge.
func (w *Writer) handleOperation(ctx context.Context, msg model.Message) error {
	switch msg.MessageType {
	case model.MessageTypeRecall:
		limits := w.overrides.Get(msg.TenantID)
		if _, err := w.reader.Recall(ctx, msg.TenantID, msg.Extra["target_message_id"], msg.CreatedAt, limits.RecallWindow); err != nil {
			return fmt.Errorf("storagewriter: apply recall: %w", err)
		}
	case model.MessageTypeRead:
		if err := w.reader.MarkRead(ctx, msg.TenantID, msg.Extra["target_message_id"], msg.SenderID, msg.CreatedAt); err != nil {
			return fmt.Errorf("storagewriter: apply read: %w", err)
		}
	case model.MessageTypeTyping:
		// Typing indicators are ephemeral and not persisted; the push
		// dispatcher forwards them directly from the push topic.
	}
	return w.emitAck(ctx, msg)
}

func (w *Writer) emitAck(ctx context.Context, msg model.Message) error {
	event := model.DeliveryEvent{
		TenantID:   msg.TenantID,
		MessageID:  msg.MessageID,
		UserID:     msg.SenderID,
		Delivered:  true,
		OccurredAt: msg.CreatedAt,
	}
	buf, err := wire.EncodeDeliveryEvent(event)
	if err != nil {
		return err
	}
	return w.ackProducer.Produce(ctx, []byte(msg.ConversationID), buf)
}
