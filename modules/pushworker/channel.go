package pushworker

import (
	"context"

	"github.com/flarecore/messaging-core/pkg/model"
)

// Sender delivers one offline push task through an external channel
// (APNs/FCM/WebPush). Concrete channel SDKs are external collaborators
// outside this module's scope; the worker is wired with one Sender per
// channel and dispatches by the task's Channel field, falling back to a
// default when unset.
type Sender interface {
	Send(ctx context.Context, task model.PushDispatchTask) error
}
