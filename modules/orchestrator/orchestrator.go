// Package orchestrator implements the message send pipeline: idempotency
// short-circuit, pre-send hooks, id assignment, WAL durability, and dual
// publish to the storage and push topics.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/flarecore/messaging-core/modules/overrides"
	"github.com/flarecore/messaging-core/pkg/flareerr"
	"github.com/flarecore/messaging-core/pkg/hooks"
	"github.com/flarecore/messaging-core/pkg/idempotency"
	"github.com/flarecore/messaging-core/pkg/idgen"
	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/tenant"
	"github.com/flarecore/messaging-core/pkg/walstore"
	"github.com/flarecore/messaging-core/pkg/wire"
	"github.com/flarecore/messaging-core/util/metrics"
)

// Config names the two topics a send fans out to.
type Config struct {
	StorageTopic string `yaml:"storage_topic"`
	PushTopic    string `yaml:"push_topic"`
}

func DefaultConfig() Config {
	return Config{StorageTopic: "storage", PushTopic: "push"}
}

// Orchestrator is the entrypoint every gateway/session-layer collaborator
// calls to submit a draft message.
type Orchestrator struct {
	cfg       Config
	logger    log.Logger
	idgen     *idgen.Generator
	idem      *idempotency.Store
	hooks     *hooks.Registry
	wal       *walstore.Store
	storage   *ingest.Producer
	push      *ingest.Producer
	overrides *overrides.Overrides
	metrics   *metrics.OrchestratorMetrics
}

// SetMetrics injects the prometheus collectors cmd/messaging built for this
// service at boot. Safe to leave unset: every metrics call is nil-receiver
// safe, so tests and targets that skip /metrics construct the orchestrator
// unchanged.
func (o *Orchestrator) SetMetrics(m *metrics.OrchestratorMetrics) {
	o.metrics = m
}

func New(cfg Config, logger log.Logger, idemStore *idempotency.Store, hookRegistry *hooks.Registry, wal *walstore.Store, storageProducer, pushProducer *ingest.Producer, ov *overrides.Overrides) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		idgen:     idgen.NewGenerator(),
		idem:      idemStore,
		hooks:     hookRegistry,
		wal:       wal,
		storage:   storageProducer,
		push:      pushProducer,
		overrides: ov,
	}
}

// Send runs the full orchestration algorithm and returns the assigned
// message id.
func (o *Orchestrator) Send(ctx context.Context, draft model.MessageDraft) (string, error) {
	start := time.Now()
	outcome := "failed"
	defer func() { o.metrics.ObserveSend(outcome, time.Since(start)) }()

	tenantID, terr := tenant.FromContext(ctx)
	if terr != nil {
		return "", terr
	}
	draft.TenantID = tenantID

	if o.overrides != nil {
		limiter := o.overrides.RateLimiterFor(tenantID)
		if !limiter.Allow() {
			return "", flareerr.New(flareerr.CodeResourceExhausted, "send rate limit exceeded").
				WithDetail("tenant_id", tenantID)
		}
	}

	now := time.Now()
	messageID := o.idgen.MessageID(now)

	// Step 2: idempotent resend short-circuit. Reserve only claims the
	// slot; it is not durable until Commit runs after both topic publishes
	// succeed, so a crash mid-send leaves the slot releasable rather than
	// permanently stuck pointing at a message that was never actually sent.
	reserved := false
	if draft.ClientMessageID != "" {
		existing, dup, err := o.idem.Reserve(ctx, tenantID, draft.ClientMessageID, messageID)
		if err != nil {
			return "", fmt.Errorf("orchestrator: idempotency reserve: %w", err)
		}
		if dup {
			o.metrics.IncIdempotentHit(tenantID)
			outcome = "returned"
			return existing, nil
		}
		reserved = true
	}
	releaseOnFailure := func() {
		if reserved {
			if err := o.idem.Release(ctx, tenantID, draft.ClientMessageID); err != nil {
				level.Warn(o.logger).Log("msg", "idempotency release failed, reservation will expire via ttl", "err", err, "message_id", messageID)
			}
		}
	}

	hctx := hooks.NewContext(tenantID).
		WithSessionType(string(draft.ConversationType)).
		WithMessageType(string(draft.MessageType)).
		WithSender(draft.SenderID)

	if err := o.hooks.ExecutePreSend(ctx, hctx, &draft); err != nil {
		o.metrics.IncHookRejection("presend")
		outcome = "rejected"
		releaseOnFailure()
		return "", fmt.Errorf("orchestrator: pre-send hook rejected: %w", err)
	}

	fingerprint, err := o.wal.Append(ctx, tenantID, messageID, draft)
	if err != nil {
		o.metrics.IncWALAppendFailure()
		releaseOnFailure()
		return "", fmt.Errorf("orchestrator: wal append: %w", err)
	}

	msg := model.Message{
		MessageID:        messageID,
		TenantID:         tenantID,
		ClientMessageID:  draft.ClientMessageID,
		ConversationID:   draft.ConversationID,
		ConversationType: draft.ConversationType,
		SenderID:         draft.SenderID,
		MessageType:      draft.MessageType,
		Payload:          draft.Payload,
		Headers:          draft.Headers,
		Extra:            draft.Extra,
		IsBurnAfterRead:  draft.IsBurnAfterRead,
		BurnAfterSeconds: draft.BurnAfterSeconds,
		Status:           model.MessageStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	storageBuf, err := wire.EncodeMessage(msg)
	if err != nil {
		releaseOnFailure()
		return "", fmt.Errorf("orchestrator: encode message: %w", err)
	}
	if err := o.storage.Produce(ctx, []byte(draft.ConversationID), storageBuf); err != nil {
		releaseOnFailure()
		return "", fmt.Errorf("orchestrator: publish storage: %w", err)
	}

	pushKey := draft.SenderID
	if draft.ConversationType != model.ConversationSingle {
		pushKey = draft.ConversationID
	}
	if err := o.push.Produce(ctx, []byte(pushKey), storageBuf); err != nil {
		releaseOnFailure()
		return "", fmt.Errorf("orchestrator: publish push: %w", err)
	}

	// Both publishes landed: the send is durable enough that a resend of
	// the same client_message_id must now be treated as a confirmed
	// duplicate rather than racing this attempt.
	if reserved {
		if err := o.idem.Commit(ctx, tenantID, draft.ClientMessageID, messageID); err != nil {
			level.Warn(o.logger).Log("msg", "idempotency commit failed, resend within ttl may be rejected as in-flight", "err", err, "message_id", messageID)
		}
	}

	if err := o.wal.Delete(ctx, tenantID, fingerprint); err != nil {
		level.Warn(o.logger).Log("msg", "wal delete failed after successful publish, will be retried/garbage-collected by ttl", "err", err, "message_id", messageID)
	}

	// PostSend hooks fire after both Kafka acks and must not revert the
	// send if they fail.
	if err := o.hooks.ExecutePostSend(ctx, hctx, msg, draft); err != nil {
		level.Warn(o.logger).Log("msg", "post-send hook failed", "err", err, "message_id", messageID)
	}

	outcome = "ok"
	return messageID, nil
}
