package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/flarecore/messaging-core/pkg/model"
)

type preSendEntry struct {
	metadata Metadata
	selector Selector
	handler  PreSendHook
}

type postSendEntry struct {
	metadata Metadata
	selector Selector
	handler  PostSendHook
}

type deliveryEntry struct {
	metadata Metadata
	selector Selector
	handler  DeliveryHook
}

type recallEntry struct {
	metadata Metadata
	selector Selector
	handler  RecallHook
}

// Registry holds the hooks registered for each kind, ordered by group
// (validation, then critical, then business) and ascending priority
// within a group, and dispatches them with per-hook timeout and
// error-policy enforcement.
type Registry struct {
	logger log.Logger

	mu        sync.RWMutex
	preSend   []preSendEntry
	postSend  []postSendEntry
	delivery  []deliveryEntry
	recall    []recallEntry
}

func NewRegistry(logger log.Logger) *Registry {
	return &Registry{logger: logger}
}

// groupRank orders validation hooks ahead of critical hooks ahead of
// business hooks, regardless of how their raw priorities compare across
// groups; within a group, lower priority still runs first.
func groupRank(g Group) int {
	switch g {
	case GroupValidation:
		return 0
	case GroupCritical:
		return 1
	default:
		return 2
	}
}

func lessByGroupThenPriority(a, b Metadata) bool {
	ra, rb := groupRank(a.Group()), groupRank(b.Group())
	if ra != rb {
		return ra < rb
	}
	return a.Priority < b.Priority
}

func (r *Registry) RegisterPreSend(metadata Metadata, selector Selector, handler PreSendHook) {
	metadata.Kind = KindPreSend
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preSend = append(r.preSend, preSendEntry{metadata, selector, handler})
	sort.SliceStable(r.preSend, func(i, j int) bool { return lessByGroupThenPriority(r.preSend[i].metadata, r.preSend[j].metadata) })
}

func (r *Registry) RegisterPostSend(metadata Metadata, selector Selector, handler PostSendHook) {
	metadata.Kind = KindPostSend
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postSend = append(r.postSend, postSendEntry{metadata, selector, handler})
	sort.SliceStable(r.postSend, func(i, j int) bool { return lessByGroupThenPriority(r.postSend[i].metadata, r.postSend[j].metadata) })
}

func (r *Registry) RegisterDelivery(metadata Metadata, selector Selector, handler DeliveryHook) {
	metadata.Kind = KindDelivery
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivery = append(r.delivery, deliveryEntry{metadata, selector, handler})
	sort.SliceStable(r.delivery, func(i, j int) bool { return lessByGroupThenPriority(r.delivery[i].metadata, r.delivery[j].metadata) })
}

func (r *Registry) RegisterRecall(metadata Metadata, selector Selector, handler RecallHook) {
	metadata.Kind = KindRecall
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recall = append(r.recall, recallEntry{metadata, selector, handler})
	sort.SliceStable(r.recall, func(i, j int) bool { return lessByGroupThenPriority(r.recall[i].metadata, r.recall[j].metadata) })
}

// ExecutePreSend runs every matching pre-send hook in group order
// (validation group first), ascending priority within a group, stopping
// at the first rejection from a hook that requires success; a rejection
// from a hook with RequireSuccess unset is logged and the chain continues.
func (r *Registry) ExecutePreSend(ctx context.Context, hctx Context, draft *model.MessageDraft) error {
	r.mu.RLock()
	entries := append([]preSendEntry(nil), r.preSend...)
	r.mu.RUnlock()

	for _, entry := range entries {
		if !entry.selector.Matches(hctx) {
			continue
		}
		decision, err := runWithTimeout(ctx, entry.metadata, func(ctx context.Context) (PreSendDecision, error) {
			return entry.handler.HandlePreSend(hctx, draft), nil
		})
		if err != nil {
			if entry.metadata.RequireSuccess {
				return fmt.Errorf("pre-send hook %s timed out: %w", entry.metadata.Name, err)
			}
			level.Warn(r.logger).Log("msg", "pre-send hook timeout ignored", "hook", entry.metadata.Name)
			continue
		}
		if decision.Reject {
			if !entry.metadata.RequireSuccess {
				level.Warn(r.logger).Log("msg", "pre-send hook rejection ignored", "hook", entry.metadata.Name, "err", decision.Err)
				continue
			}
			return annotatef(decision.Err, entry.metadata)
		}
	}
	return nil
}

// ExecutePostSend runs every matching post-send hook, honoring each
// hook's error policy independently.
func (r *Registry) ExecutePostSend(ctx context.Context, hctx Context, msg model.Message, draft model.MessageDraft) error {
	r.mu.RLock()
	entries := append([]postSendEntry(nil), r.postSend...)
	r.mu.RUnlock()

	for _, entry := range entries {
		if !entry.selector.Matches(hctx) {
			continue
		}
		if err := r.runOutcome(ctx, entry.metadata, "post-send", func(ctx context.Context) (Outcome, error) {
			return entry.handler.HandlePostSend(hctx, msg, draft), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteDelivery runs every matching delivery hook.
func (r *Registry) ExecuteDelivery(ctx context.Context, hctx Context, event model.DeliveryEvent) error {
	r.mu.RLock()
	entries := append([]deliveryEntry(nil), r.delivery...)
	r.mu.RUnlock()

	for _, entry := range entries {
		if !entry.selector.Matches(hctx) {
			continue
		}
		if err := r.runOutcome(ctx, entry.metadata, "delivery", func(ctx context.Context) (Outcome, error) {
			return entry.handler.HandleDelivery(hctx, event), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteRecall runs every matching recall hook.
func (r *Registry) ExecuteRecall(ctx context.Context, hctx Context, event model.RecallEvent) error {
	r.mu.RLock()
	entries := append([]recallEntry(nil), r.recall...)
	r.mu.RUnlock()

	for _, entry := range entries {
		if !entry.selector.Matches(hctx) {
			continue
		}
		if err := r.runOutcome(ctx, entry.metadata, "recall", func(ctx context.Context) (Outcome, error) {
			return entry.handler.HandleRecall(hctx, event), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// runOutcome drives one Outcome-returning hook through its timeout and
// error policy. Under ErrorPolicyRetry it re-runs the handler up to
// MaxRetries additional times, each attempt getting its own full timeout
// budget, before resolve applies the hook's terminal disposition.
func (r *Registry) runOutcome(ctx context.Context, metadata Metadata, stage string, fn func(context.Context) (Outcome, error)) error {
	attempts := 1
	if metadata.ErrorPolicy == ErrorPolicyRetry && metadata.MaxRetries > 0 {
		attempts = metadata.MaxRetries + 1
	}

	var outcome Outcome
	var timeoutErr error
	for attempt := 0; attempt < attempts; attempt++ {
		outcome, timeoutErr = runWithTimeout(ctx, metadata, fn)
		if timeoutErr == nil && outcome.IsCompleted() {
			return nil
		}
		if attempt < attempts-1 {
			level.Warn(r.logger).Log("msg", stage+" hook failed, retrying", "hook", metadata.Name, "attempt", attempt+1, "max_retries", metadata.MaxRetries)
		}
	}
	return r.resolve(metadata, outcome, timeoutErr, stage)
}

func (r *Registry) resolve(metadata Metadata, outcome Outcome, timeoutErr error, stage string) error {
	if timeoutErr != nil {
		if metadata.RequireSuccess {
			return fmt.Errorf("%s hook %s timed out: %w", stage, metadata.Name, timeoutErr)
		}
		level.Warn(r.logger).Log("msg", stage+" hook timeout ignored", "hook", metadata.Name)
		return nil
	}
	if outcome.IsCompleted() {
		return nil
	}
	if metadata.ErrorPolicy == ErrorPolicyIgnore || !metadata.RequireSuccess {
		level.Warn(r.logger).Log("msg", stage+" hook failed, ignoring", "hook", metadata.Name, "err", outcome.Err)
		return nil
	}
	return annotatef(outcome.Err, metadata)
}

func annotatef(err error, metadata Metadata) error {
	if err == nil {
		err = fmt.Errorf("hook rejected without a reason")
	}
	return fmt.Errorf("hook %s: %w", metadata.Name, err)
}

// runWithTimeout bounds fn by metadata.Timeout, running it on the calling
// goroutine's behalf via a buffered channel so a hook that never returns
// cannot leak past the deadline undetected.
func runWithTimeout[T any](ctx context.Context, metadata Metadata, fn func(context.Context) (T, error)) (T, error) {
	timeout := metadata.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn(runCtx)
		ch <- result{val, err}
	}()

	select {
	case res := <-ch:
		return res.val, res.err
	case <-runCtx.Done():
		var zero T
		return zero, runCtx.Err()
	}
}
