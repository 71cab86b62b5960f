package pushdispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
)

// HTTPGatewayClient routes push batches to the access-gateway fleet over
// plain JSON/HTTP, one endpoint per gateway id, the same style
// client.Client in cmd/tempo-federated-querier uses to talk to a named
// upstream instance.
type HTTPGatewayClient struct {
	endpoints map[string]string
	client    *http.Client
	logger    log.Logger
}

func NewHTTPGatewayClient(endpoints map[string]string, timeout time.Duration, logger log.Logger) *HTTPGatewayClient {
	return &HTTPGatewayClient{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

type httpPushBody struct {
	UserIDs    []string `json:"user_ids"`
	Payload    []byte   `json:"payload"`
	MessageIDs []string `json:"message_ids"`
}

type httpPushResult struct {
	UserID string `json:"user_id"`
	Status string `json:"status"` // "delivered" | "offline" | "failed"
	Error  string `json:"error,omitempty"`
}

// Push POSTs the batch to the gateway's /push endpoint and maps its
// per-user JSON results back onto GatewayPushResponse.
func (c *HTTPGatewayClient) Push(ctx context.Context, req GatewayPushRequest) (GatewayPushResponse, error) {
	endpoint, ok := c.endpoints[req.GatewayID]
	if !ok {
		return GatewayPushResponse{}, fmt.Errorf("pushdispatcher: no endpoint configured for gateway %q", req.GatewayID)
	}

	body, err := json.Marshal(httpPushBody{UserIDs: req.UserIDs, Payload: req.Payload, MessageIDs: req.MessageIDs})
	if err != nil {
		return GatewayPushResponse{}, fmt.Errorf("pushdispatcher: encode gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/push", bytes.NewReader(body))
	if err != nil {
		return GatewayPushResponse{}, fmt.Errorf("pushdispatcher: build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return GatewayPushResponse{}, fmt.Errorf("pushdispatcher: gateway %s request: %w", req.GatewayID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return GatewayPushResponse{}, fmt.Errorf("pushdispatcher: gateway %s returned status %d", req.GatewayID, resp.StatusCode)
	}

	var decoded []httpPushResult
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return GatewayPushResponse{}, fmt.Errorf("pushdispatcher: decode gateway %s response: %w", req.GatewayID, err)
	}

	results := make([]GatewayUserResult, 0, len(decoded))
	for _, r := range decoded {
		res := GatewayUserResult{UserID: r.UserID}
		switch r.Status {
		case "delivered":
			res.Status = GatewayPushSuccess
		case "offline":
			res.Status = GatewayPushUserOffline
		default:
			res.Status = GatewayPushFailed
			if r.Error != "" {
				res.Err = fmt.Errorf("%s", r.Error)
			} else {
				res.Err = fmt.Errorf("gateway reported failure")
			}
		}
		results = append(results, res)
	}
	return GatewayPushResponse{Results: results}, nil
}
