// Package pushdispatcher implements the push dispatch core: batch presence
// resolution, per-gateway fan-out with retry, offline fallback, and the ACK
// path that confirms delivery and cancels outstanding retries.
package pushdispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/presence"
	"github.com/flarecore/messaging-core/pkg/retrypolicy"
	"github.com/flarecore/messaging-core/pkg/wire"
	"github.com/flarecore/messaging-core/util/metrics"
)

type Config struct {
	OfflineTopic     string        `yaml:"offline_topic"`
	AckConsumerGroup string        `yaml:"ack_consumer_group"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	Retry            retrypolicy.Config `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		OfflineTopic:     "offline-push",
		AckConsumerGroup: "push-ack",
		AckTimeout:       30 * time.Second,
		Retry:            retrypolicy.DefaultConfig("push-gateway"),
	}
}

// recipient pairs one resolved user_id with the task it came from;
// multiple tasks in a batch can resolve to the same gateway group.
type recipient struct {
	userID string
	task   model.PushDispatchTask
}

// Dispatcher is the push-dispatch-core component: one per process, fed
// batches decoded from the push topic.
type Dispatcher struct {
	cfg             Config
	logger          log.Logger
	presence        *presence.Store
	convStore       *conversation.Store
	gateways        GatewayClient
	offlineProducer *ingest.Producer
	acks            *ackTracker
	retry           *retrypolicy.Policy
	metrics         *metrics.PushDispatcherMetrics
}

// SetMetrics injects this service's prometheus collectors, built once at
// boot by cmd/messaging.
func (d *Dispatcher) SetMetrics(m *metrics.PushDispatcherMetrics) {
	d.metrics = m
}

func New(cfg Config, logger log.Logger, presenceStore *presence.Store, convStore *conversation.Store, gateways GatewayClient, offlineProducer *ingest.Producer, ackRedis cache.RedisConfig) *Dispatcher {
	return &Dispatcher{
		cfg:             cfg,
		logger:          logger,
		presence:        presenceStore,
		convStore:       convStore,
		gateways:        gateways,
		offlineProducer: offlineProducer,
		acks:            newAckTracker(ackRedis, cfg.AckTimeout),
		retry:           retrypolicy.New(cfg.Retry),
	}
}

// HandlePushRecord decodes one record from the push topic and dispatches
// it; this is the ingest.Handler the push-topic consumer runs.
func (d *Dispatcher) HandlePushRecord(ctx context.Context, record *kgo.Record) error {
	msg, err := wire.DecodeMessage(record.Value)
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to decode push record, dropping", "err", err)
		return nil
	}
	task, err := d.buildTask(ctx, msg)
	if err != nil {
		return fmt.Errorf("pushdispatcher: build task: %w", err)
	}
	return d.Dispatch(ctx, []model.PushDispatchTask{task})
}

// HandleAckRecord confirms a pending ACK, cancelling any in-flight retry
// for that (message_id, user_id). This is the ingest.Handler the ack-topic
// consumer (group push-ack) runs.
func (d *Dispatcher) HandleAckRecord(ctx context.Context, record *kgo.Record) error {
	event, err := wire.DecodeDeliveryEvent(record.Value)
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to decode ack record, dropping", "err", err)
		return nil
	}
	confirmed, err := d.acks.confirm(ctx, event.TenantID, event.MessageID, event.UserID)
	if err != nil {
		return fmt.Errorf("pushdispatcher: confirm ack: %w", err)
	}
	if !confirmed {
		level.Warn(d.logger).Log("msg", "ack not found or already confirmed", "message_id", event.MessageID, "user_id", event.UserID)
	}
	return nil
}

// buildTask resolves a stored message's recipient set. Single/group chats
// address their fixed participant list (conversation store); channels have
// no enumerable membership, so they resolve through the chatroom/broadcast
// path instead.
func (d *Dispatcher) buildTask(ctx context.Context, msg model.Message) (model.PushDispatchTask, error) {
	task := model.PushDispatchTask{
		TaskID:           msg.MessageID,
		TenantID:         msg.TenantID,
		MessageID:        msg.MessageID,
		ConversationID:   msg.ConversationID,
		ConversationType: msg.ConversationType,
		ReceiverID:       msg.SenderID,
		Payload:          msg.Payload,
		IsNotification:   msg.MessageType == model.MessageTypeTyping,
		CreatedAt:        msg.CreatedAt,
	}

	if msg.ConversationType == model.ConversationChannel {
		userIDs, err := d.tenantOnlineUsersExcluding(ctx, msg.TenantID, msg.SenderID)
		if err != nil {
			return task, fmt.Errorf("chatroom fanout: %w", err)
		}
		task.UserIDs = userIDs
		return task, nil
	}

	participants, err := d.convStore.ListParticipants(ctx, msg.TenantID, msg.ConversationID)
	if err != nil {
		return task, err
	}
	for _, p := range participants {
		if p.UserID != msg.SenderID {
			task.UserIDs = append(task.UserIDs, p.UserID)
		}
	}
	return task, nil
}

func (d *Dispatcher) tenantOnlineUsersExcluding(ctx context.Context, tenantID, excludeUserID string) ([]string, error) {
	var out []string
	for shard := 0; shard < presence.OnlineSetShards; shard++ {
		ids, err := d.presence.OnlineUsersByShard(ctx, tenantID, shard)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if id != excludeUserID {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// Dispatch implements spec.md §4.4 steps 1-8: dedup, batch presence lookup,
// classification into gateway groups vs. offline, concurrent per-gateway
// push, and offline fallback.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []model.PushDispatchTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tenantID := tasks[0].TenantID

	seen := make(map[string]struct{})
	var recipients []recipient
	for _, task := range tasks {
		for _, userID := range task.UserIDs {
			if _, ok := seen[userID]; ok {
				continue
			}
			seen[userID] = struct{}{}
			recipients = append(recipients, recipient{userID: userID, task: task})
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	userIDs := make([]string, 0, len(seen))
	for id := range seen {
		userIDs = append(userIDs, id)
	}

	lookupStart := time.Now()
	presenceMap, err := d.presence.BatchGet(ctx, tenantID, userIDs)
	d.metrics.ObservePresenceLookup(time.Since(lookupStart))
	if err != nil {
		return fmt.Errorf("pushdispatcher: batch presence lookup: %w", err)
	}

	gatewayGroups := make(map[string][]recipient)
	var offline []recipient
	for _, r := range recipients {
		p, ok := presenceMap[r.userID]
		if ok && p.Online && p.GatewayID != "" {
			gatewayGroups[p.GatewayID] = append(gatewayGroups[p.GatewayID], r)
			continue
		}
		if ok && p.Online {
			level.Warn(d.logger).Log("msg", "online user has no gateway_id, treating as offline", "user_id", r.userID)
		}
		offline = append(offline, r)
	}

	var wg sync.WaitGroup
	for gatewayID, group := range gatewayGroups {
		wg.Add(1)
		go func(gatewayID string, group []recipient) {
			defer wg.Done()
			d.pushToGateway(ctx, gatewayID, group)
		}(gatewayID, group)
	}
	wg.Wait()

	return d.enqueueOfflineBatch(ctx, offline)
}

// pushToGateway registers a pending ACK for every recipient, builds one
// outbound request per gateway, and applies the retry policy. Per-user
// results each route through the same undelivered-handling dual policy.
func (d *Dispatcher) pushToGateway(ctx context.Context, gatewayID string, group []recipient) {
	userIDs := make([]string, len(group))
	messageIDs := make([]string, len(group))
	byUser := make(map[string]recipient, len(group))
	for i, r := range group {
		userIDs[i] = r.userID
		messageIDs[i] = r.task.MessageID
		byUser[r.userID] = r
		if err := d.acks.register(ctx, r.task.TenantID, r.task.MessageID, r.userID); err != nil {
			level.Warn(d.logger).Log("msg", "failed to register pending ack", "err", err, "message_id", r.task.MessageID, "user_id", r.userID)
		}
	}

	req := GatewayPushRequest{
		GatewayID:  gatewayID,
		UserIDs:    userIDs,
		Payload:    group[0].task.Payload,
		MessageIDs: messageIDs,
	}

	pushStart := time.Now()
	var resp GatewayPushResponse
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		r, pushErr := d.gateways.Push(ctx, req)
		if pushErr != nil {
			return pushErr
		}
		resp = r
		return nil
	})
	d.metrics.ObserveGatewayPush(gatewayID, time.Since(pushStart))
	if err != nil {
		level.Error(d.logger).Log("msg", "gateway push failed after retries", "gateway_id", gatewayID, "err", err)
		for _, r := range group {
			d.metrics.IncTask(taskKind(r.task), "failed")
			d.handleUndelivered(ctx, r)
		}
		return
	}

	for _, result := range resp.Results {
		r, ok := byUser[result.UserID]
		if !ok {
			continue
		}
		if result.Status == GatewayPushSuccess {
			d.metrics.IncTask(taskKind(r.task), "pushed")
			continue // pending ACK stays registered until client ACK or timeout
		}
		d.metrics.IncTask(taskKind(r.task), "undelivered")
		d.handleUndelivered(ctx, r)
	}
}

// handleUndelivered applies §4.4 step 7's dual policy: Normal messages get
// an offline task, Notification messages are discarded as expired. It also
// cancels the pending ACK registered before the push attempt, since it
// never reached the client.
func (d *Dispatcher) handleUndelivered(ctx context.Context, r recipient) {
	if _, err := d.acks.confirm(ctx, r.task.TenantID, r.task.MessageID, r.userID); err != nil {
		level.Warn(d.logger).Log("msg", "failed to cancel pending ack", "err", err)
	}
	if r.task.IsNotification {
		d.metrics.IncOfflineOutcome("expired")
		return
	}
	if err := d.enqueueOffline(ctx, r.task, r.userID); err != nil {
		level.Warn(d.logger).Log("msg", "failed to enqueue offline task", "err", err, "message_id", r.task.MessageID, "user_id", r.userID)
		return
	}
	d.metrics.IncOfflineOutcome("enqueued")
}

func (d *Dispatcher) enqueueOfflineBatch(ctx context.Context, offline []recipient) error {
	for _, r := range offline {
		if r.task.IsNotification {
			d.metrics.IncOfflineOutcome("expired")
			continue // discarded, state -> expired
		}
		if err := d.enqueueOffline(ctx, r.task, r.userID); err != nil {
			return fmt.Errorf("pushdispatcher: enqueue offline batch: %w", err)
		}
		d.metrics.IncOfflineOutcome("enqueued")
	}
	return nil
}

// taskKind labels a task for metrics without adding a spec-level
// message_type field to PushDispatchTask itself.
func taskKind(task model.PushDispatchTask) string {
	if task.IsNotification {
		return "notification"
	}
	return "normal"
}

func (d *Dispatcher) enqueueOffline(ctx context.Context, task model.PushDispatchTask, userID string) error {
	single := task
	single.UserIDs = []string{userID}
	buf, err := wire.EncodePushTask(single)
	if err != nil {
		return err
	}
	return d.offlineProducer.Produce(ctx, []byte(userID), buf)
}

// SweepExpiredAcks requeues every pending ACK past its deadline back to
// pushing, per the state machine's pushed -> (ACK timeout) -> pushing
// loop; intended to run on a ticker in the owning process.
func (d *Dispatcher) SweepExpiredAcks(ctx context.Context, lookup func(tenantID, messageID, userID string) (model.PushDispatchTask, bool)) error {
	members, err := d.acks.expired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("pushdispatcher: sweep expired acks: %w", err)
	}
	for _, member := range members {
		tenantID, messageID, userID, ok := splitAckMember(member)
		if !ok {
			continue
		}
		task, ok := lookup(tenantID, messageID, userID)
		if !ok {
			level.Warn(d.logger).Log("msg", "expired ack for unknown task, dropping retry", "message_id", messageID, "user_id", userID)
			continue
		}
		if err := d.Dispatch(ctx, []model.PushDispatchTask{withSingleUser(task, userID)}); err != nil {
			level.Warn(d.logger).Log("msg", "retry dispatch after ack timeout failed", "err", err, "message_id", messageID, "user_id", userID)
		}
	}
	return nil
}

func withSingleUser(task model.PushDispatchTask, userID string) model.PushDispatchTask {
	task.UserIDs = []string{userID}
	return task
}

func splitAckMember(member string) (tenantID, messageID, userID string, ok bool) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			parts = append(parts, member[start:i])
			start = i + 1
		}
	}
	parts = append(parts, member[start:])
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
