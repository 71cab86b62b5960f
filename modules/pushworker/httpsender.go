package pushworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flarecore/messaging-core/pkg/model"
)

// HTTPSender delivers one offline push task to an external channel
// provider (APNs/FCM/WebPush) via its HTTP relay, the same plain
// request/response shape HTTPGatewayClient uses for the online path.
// Real provider SDKs are an external collaborator outside this module's
// scope; this is the bridge a deployment wires a real APNs/FCM/WebPush
// client behind.
type HTTPSender struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSender(endpoint string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type httpSendBody struct {
	TenantID  string   `json:"tenant_id"`
	MessageID string   `json:"message_id"`
	UserIDs   []string `json:"user_ids"`
	Payload   []byte   `json:"payload"`
}

func (s *HTTPSender) Send(ctx context.Context, task model.PushDispatchTask) error {
	body, err := json.Marshal(httpSendBody{
		TenantID:  task.TenantID,
		MessageID: task.MessageID,
		UserIDs:   task.UserIDs,
		Payload:   task.Payload,
	})
	if err != nil {
		return fmt.Errorf("pushworker: encode send body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pushworker: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushworker: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("pushworker: channel provider returned status %d", resp.StatusCode)
	}
	return nil
}
