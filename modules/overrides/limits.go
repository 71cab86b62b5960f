// Package overrides holds per-tenant policy: recall windows, device caps,
// message retention, and send-rate limits, loaded from a default config
// plus an optional, periodically-reloaded per-tenant override file.
package overrides

import (
	"time"

	"github.com/flarecore/messaging-core/pkg/model"
)

// Limits is the full set of tenant-tunable knobs. Every field has a
// matching yaml/json tag pair, following the teacher's convention of
// keeping static config and the runtime-reloadable per-tenant overlay in
// the same shape.
type Limits struct {
	RecallWindow         time.Duration              `yaml:"recall_window" json:"recall_window"`
	MaxDevicesPerUser    int                        `yaml:"max_devices_per_user" json:"max_devices_per_user"`
	DeviceConflictPolicy model.DeviceConflictPolicy `yaml:"device_conflict_policy" json:"device_conflict_policy"`
	MessageTTL           time.Duration              `yaml:"message_ttl" json:"message_ttl"`
	SendRateLimitPerSec  float64                    `yaml:"send_rate_limit_per_sec" json:"send_rate_limit_per_sec"`
	SendRateBurst        int                        `yaml:"send_rate_burst" json:"send_rate_burst"`
	MaxMessageBytes      int                        `yaml:"max_message_bytes" json:"max_message_bytes"`
	MaxGroupParticipants int                        `yaml:"max_group_participants" json:"max_group_participants"`
}

// DefaultLimits mirrors a reasonable single-tenant deployment: a 2-minute
// recall window, five devices rejecting a sixth login, 30-day retention,
// and a modest per-tenant send rate limit.
func DefaultLimits() Limits {
	return Limits{
		RecallWindow:         2 * time.Minute,
		MaxDevicesPerUser:    5,
		DeviceConflictPolicy: model.ConflictReject,
		MessageTTL:           30 * 24 * time.Hour,
		SendRateLimitPerSec:  20,
		SendRateBurst:        40,
		MaxMessageBytes:      64 * 1024,
		MaxGroupParticipants: 500,
	}
}
