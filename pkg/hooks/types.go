// Package hooks implements the pre-send/post-send/delivery/recall hook
// pipeline: typed handler interfaces, tenant/session/message-type
// selectors, and a priority-ordered registry that enforces each hook's
// own timeout and error policy.
package hooks

import (
	"time"

	"github.com/flarecore/messaging-core/pkg/model"
)

// Kind distinguishes the four points in the message lifecycle a hook can
// attach to.
type Kind string

const (
	KindPreSend  Kind = "pre_send"
	KindPostSend Kind = "post_send"
	KindDelivery Kind = "delivery"
	KindRecall   Kind = "recall"
)

// ErrorPolicy governs what happens when a hook's handler fails or times
// out. A hook with RequireSuccess unset has its failures and timeouts
// logged and ignored whatever its policy.
type ErrorPolicy string

const (
	// ErrorPolicyFailFast aborts the owning pipeline stage immediately.
	ErrorPolicyFailFast ErrorPolicy = "fail_fast"
	// ErrorPolicyRetry re-runs the handler, honoring its own timeout each
	// attempt, up to Metadata.MaxRetries times before falling through to
	// fail-fast behavior.
	ErrorPolicyRetry ErrorPolicy = "retry"
	// ErrorPolicyIgnore logs the failure and continues.
	ErrorPolicyIgnore ErrorPolicy = "ignore"
)

// Group buckets hooks by how they should be scheduled relative to one
// another; GroupFromPriority derives it automatically so callers rarely
// need to set it explicitly.
type Group string

const (
	GroupValidation Group = "validation"
	GroupCritical   Group = "critical"
	GroupBusiness   Group = "business"
)

// GroupFromPriority buckets high-priority hooks (>=100) as validation,
// everything else as business.
func GroupFromPriority(priority int) Group {
	if priority >= 100 {
		return GroupValidation
	}
	return GroupBusiness
}

// Metadata describes one registered hook: identity, scheduling, and
// failure handling.
type Metadata struct {
	Name            string
	Version         string
	Description     string
	Kind            Kind
	Priority        int
	Timeout         time.Duration
	MaxRetries      int
	ErrorPolicy     ErrorPolicy
	RequireSuccess  bool
}

// DefaultMetadata returns the baseline every registration starts from:
// fail-fast, a 3s timeout, success required.
func DefaultMetadata(name string, kind Kind) Metadata {
	return Metadata{
		Name:           name,
		Kind:           kind,
		Timeout:        3 * time.Second,
		ErrorPolicy:    ErrorPolicyFailFast,
		RequireSuccess: true,
	}
}

func (m Metadata) Group() Group {
	return GroupFromPriority(m.Priority)
}

// Context carries the dimensions hooks are selected and correlated by.
type Context struct {
	TenantID         string
	SessionID        string
	SessionType      string
	MessageType      string
	SenderID         string
	TraceID          string
	Tags             map[string]string
	Attributes       map[string]string
	RequestMetadata  map[string]string
	OccurredAt       time.Time
}

func NewContext(tenantID string) Context {
	return Context{TenantID: tenantID}
}

func (c Context) WithSession(sessionID string) Context {
	c.SessionID = sessionID
	return c
}

func (c Context) WithSessionType(sessionType string) Context {
	c.SessionType = sessionType
	return c
}

func (c Context) WithMessageType(messageType string) Context {
	c.MessageType = messageType
	return c
}

func (c Context) WithSender(senderID string) Context {
	c.SenderID = senderID
	return c
}

func (c Context) WithTrace(traceID string) Context {
	c.TraceID = traceID
	return c
}

// Outcome is a hook's synchronous result for the post-send/delivery/recall
// kinds, which cannot reject the pipeline the way a pre-send hook can —
// only fail or succeed.
type Outcome struct {
	Err error
}

func Completed() Outcome       { return Outcome{} }
func Failed(err error) Outcome { return Outcome{Err: err} }

func (o Outcome) IsCompleted() bool { return o.Err == nil }

// PreSendDecision is what a PreSendHook returns: either let the draft
// through, possibly mutated, or reject the send outright.
type PreSendDecision struct {
	Reject bool
	Err    error
}

func ContinueSend() PreSendDecision        { return PreSendDecision{} }
func RejectSend(err error) PreSendDecision { return PreSendDecision{Reject: true, Err: err} }

// PreSendHook inspects and may mutate a draft before it is durably
// recorded; returning Reject aborts the send with Err.
type PreSendHook interface {
	HandlePreSend(ctx Context, draft *model.MessageDraft) PreSendDecision
}

// PostSendHook observes a message immediately after it was assigned an
// id and published to the storage and push topics, before Send returns.
// The message carries no seq yet: the storage writer assigns it later.
type PostSendHook interface {
	HandlePostSend(ctx Context, msg model.Message, draft model.MessageDraft) Outcome
}

// DeliveryHook observes a per-recipient delivery confirmation.
type DeliveryHook interface {
	HandleDelivery(ctx Context, event model.DeliveryEvent) Outcome
}

// RecallHook observes a message recall.
type RecallHook interface {
	HandleRecall(ctx Context, event model.RecallEvent) Outcome
}

// PreSendHookFunc adapts a plain function to PreSendHook.
type PreSendHookFunc func(ctx Context, draft *model.MessageDraft) PreSendDecision

func (f PreSendHookFunc) HandlePreSend(ctx Context, draft *model.MessageDraft) PreSendDecision {
	return f(ctx, draft)
}

// PostSendHookFunc adapts a plain function to PostSendHook.
type PostSendHookFunc func(ctx Context, msg model.Message, draft model.MessageDraft) Outcome

func (f PostSendHookFunc) HandlePostSend(ctx Context, msg model.Message, draft model.MessageDraft) Outcome {
	return f(ctx, msg, draft)
}

// DeliveryHookFunc adapts a plain function to DeliveryHook.
type DeliveryHookFunc func(ctx Context, event model.DeliveryEvent) Outcome

func (f DeliveryHookFunc) HandleDelivery(ctx Context, event model.DeliveryEvent) Outcome {
	return f(ctx, event)
}

// RecallHookFunc adapts a plain function to RecallHook.
type RecallHookFunc func(ctx Context, event model.RecallEvent) Outcome

func (f RecallHookFunc) HandleRecall(ctx Context, event model.RecallEvent) Outcome {
	return f(ctx, event)
}
