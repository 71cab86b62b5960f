package pushdispatcher

import "context"

// GatewayPushRequest targets every user in one gateway group with a shared
// payload; MessageIDs carries the full batch so the gateway can report a
// per-message result even though one request covers many messages.
type GatewayPushRequest struct {
	GatewayID  string
	UserIDs    []string
	Payload    []byte
	MessageIDs []string
}

// GatewayUserResult is one user's outcome for a GatewayPushRequest.
type GatewayUserResult struct {
	UserID  string
	Status  GatewayPushStatus
	Err     error
}

type GatewayPushStatus int

const (
	GatewayPushSuccess GatewayPushStatus = iota
	GatewayPushUserOffline
	GatewayPushFailed
)

type GatewayPushResponse struct {
	Results []GatewayUserResult
}

// GatewayClient routes a push batch to one access-gateway instance. The
// concrete transport (gRPC to the access gateway fleet) is an external
// collaborator outside this module's scope; callers supply an
// implementation.
type GatewayClient interface {
	Push(ctx context.Context, req GatewayPushRequest) (GatewayPushResponse, error)
}
