// Package presence tracks per-device online/gateway assignment in Redis,
// enforces each tenant's max-devices-per-user cap with a configurable
// conflict policy, and provides the batch lookup the push dispatcher uses
// to resolve an entire recipient set in one round trip instead of
// per-user calls.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/flareerr"
	"github.com/flarecore/messaging-core/pkg/model"
)

// OnlineSetShards bounds how many users a single OnlineUsersByShard call can
// return: online user_ids are sharded by hash(user_id) at write time so a
// tenant-wide broadcast never issues one unbounded SMEMBERS.
const OnlineSetShards = 16

type Config struct {
	Redis cache.RedisConfig `yaml:"redis"`
	TTL   time.Duration     `yaml:"ttl"`
}

type Store struct {
	client *cache.RedisClient
	cfg    Config
}

func New(cfg Config) *Store {
	rc := cfg.Redis
	rc.Expiration = cfg.TTL
	return &Store{client: cache.NewRedisClient(&rc), cfg: cfg}
}

// devicesKey is a hash of deviceID -> JSON-encoded model.DevicePresence,
// one per (tenant, user); Login/Logout/Heartbeat operate on a single field
// of it instead of rewriting the whole presence blob every device event.
func devicesKey(tenantID, userID string) string {
	return "presence:devices:" + tenantID + ":" + userID
}

func eventsChannel(tenantID, userID string) string {
	return "presence:events:" + tenantID + ":" + userID
}

func onlineSetKey(tenantID string, shard int) string {
	return fmt.Sprintf("presence:online:%s:%d", tenantID, shard)
}

func shardFor(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % OnlineSetShards)
}

func (s *Store) devices(ctx context.Context, tenantID, userID string) (map[string]model.DevicePresence, error) {
	raw, err := s.client.Underlying().HGetAll(ctx, devicesKey(tenantID, userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.DevicePresence, len(raw))
	for deviceID, buf := range raw {
		var p model.DevicePresence
		if err := json.Unmarshal([]byte(buf), &p); err != nil {
			continue
		}
		out[deviceID] = p
	}
	return out, nil
}

func (s *Store) putDevice(ctx context.Context, p model.DevicePresence) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := devicesKey(p.TenantID, p.UserID)
	if err := s.client.Underlying().HSet(ctx, key, p.DeviceID, buf).Err(); err != nil {
		return err
	}
	return s.client.Underlying().Expire(ctx, key, s.cfg.TTL).Err()
}

// Login records a device coming online, enforcing maxDevices under policy.
// A login from a device already tracked always succeeds and simply
// refreshes that device's entry, regardless of the cap.
func (s *Store) Login(ctx context.Context, tenantID, userID, deviceID, platform, gatewayID string, maxDevices int, policy model.DeviceConflictPolicy) (model.DevicePresence, error) {
	existing, err := s.devices(ctx, tenantID, userID)
	if err != nil {
		return model.DevicePresence{}, err
	}

	if _, ok := existing[deviceID]; !ok && maxDevices > 0 && len(existing) >= maxDevices {
		switch policy {
		case model.ConflictReject:
			return model.DevicePresence{}, flareerr.New(flareerr.CodeResourceExhausted, "max_devices_per_user exceeded").
				WithDetail("user_id", userID).
				WithDetail("max_devices", fmt.Sprint(maxDevices)).
				WithRetryable(false)
		case model.ConflictKickOldest:
			oldestID, oldest := "", time.Time{}
			for id, p := range existing {
				if oldestID == "" || p.LastSeenAt.Before(oldest) {
					oldestID, oldest = id, p.LastSeenAt
				}
			}
			if oldestID != "" {
				if err := s.Logout(ctx, tenantID, userID, oldestID); err != nil {
					return model.DevicePresence{}, err
				}
			}
		case model.ConflictAllowCoexist:
			// no eviction; the cap is advisory under this policy.
		default:
			return model.DevicePresence{}, flareerr.New(flareerr.CodeFailedPrecondition, "unknown device conflict policy").
				WithDetail("policy", string(policy))
		}
	}

	p := model.DevicePresence{
		TenantID:   tenantID,
		UserID:     userID,
		DeviceID:   deviceID,
		Platform:   platform,
		GatewayID:  gatewayID,
		State:      model.PresenceOnline,
		Online:     true,
		LastSeenAt: time.Now().UTC(),
	}
	if err := s.putDevice(ctx, p); err != nil {
		return model.DevicePresence{}, err
	}

	setKey := onlineSetKey(tenantID, shardFor(userID))
	underlying := s.client.Underlying()
	if err := underlying.SAdd(ctx, setKey, userID).Err(); err != nil {
		return model.DevicePresence{}, err
	}
	if err := underlying.Expire(ctx, setKey, s.cfg.TTL).Err(); err != nil {
		return model.DevicePresence{}, err
	}

	s.publish(ctx, p)
	return p, nil
}

// Logout removes one device's presence entry; the user stays online on
// any other device still tracked.
func (s *Store) Logout(ctx context.Context, tenantID, userID, deviceID string) error {
	key := devicesKey(tenantID, userID)
	if err := s.client.Underlying().HDel(ctx, key, deviceID).Err(); err != nil {
		return err
	}

	remaining, err := s.client.Underlying().HLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if remaining == 0 {
		setKey := onlineSetKey(tenantID, shardFor(userID))
		if err := s.client.Underlying().SRem(ctx, setKey, userID).Err(); err != nil {
			return err
		}
	}

	s.publish(ctx, model.DevicePresence{
		TenantID:   tenantID,
		UserID:     userID,
		DeviceID:   deviceID,
		State:      model.PresenceOffline,
		Online:     false,
		LastSeenAt: time.Now().UTC(),
	})
	return nil
}

// Heartbeat refreshes a device's last-seen time and TTL without altering
// its gateway assignment; it is an error to heartbeat a device that never
// logged in (or whose entry has already expired).
func (s *Store) Heartbeat(ctx context.Context, tenantID, userID, deviceID string) error {
	devs, err := s.devices(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	p, ok := devs[deviceID]
	if !ok {
		return flareerr.New(flareerr.CodeNotFound, "device not logged in").
			WithDetail("user_id", userID).
			WithDetail("device_id", deviceID)
	}
	p.LastSeenAt = time.Now().UTC()
	p.State = model.PresenceOnline
	p.Online = true
	return s.putDevice(ctx, p)
}

// GetOnlineStatus reports whether any of a user's devices is currently
// online, plus the full per-device breakdown.
func (s *Store) GetOnlineStatus(ctx context.Context, tenantID, userID string) (bool, []model.DevicePresence, error) {
	devs, err := s.devices(ctx, tenantID, userID)
	if err != nil {
		return false, nil, err
	}
	out := make([]model.DevicePresence, 0, len(devs))
	online := false
	for _, p := range devs {
		out = append(out, p)
		if p.Online {
			online = true
		}
	}
	return online, out, nil
}

// SubscribePresence streams presence transitions (login/logout) for one
// user until ctx is cancelled; the returned channel is closed when the
// subscription ends.
func (s *Store) SubscribePresence(ctx context.Context, tenantID, userID string) (<-chan model.DevicePresence, error) {
	pubsub := s.client.Underlying().Subscribe(ctx, eventsChannel(tenantID, userID))
	out := make(chan model.DevicePresence, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p model.DevicePresence
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) publish(ctx context.Context, p model.DevicePresence) {
	buf, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.client.Underlying().Publish(ctx, eventsChannel(p.TenantID, p.UserID), buf).Err()
}

// OnlineUsersByShard returns the online user_ids that hashed into one
// shard bucket for a tenant, used by chatroom/broadcast fan-out to process
// a tenant's online set in bounded batches instead of one unbounded scan.
func (s *Store) OnlineUsersByShard(ctx context.Context, tenantID string, shard int) ([]string, error) {
	return s.client.Underlying().SMembers(ctx, onlineSetKey(tenantID, shard)).Result()
}

// BatchGet resolves one representative presence per userID in one round
// trip: the most recently active device with a gateway assignment if the
// user is online on any device, otherwise the most recently active
// device, otherwise omitted entirely. The push dispatcher treats an
// absent entry as offline.
func (s *Store) BatchGet(ctx context.Context, tenantID string, userIDs []string) (map[string]model.DevicePresence, error) {
	out := make(map[string]model.DevicePresence, len(userIDs))
	pipe := s.client.Underlying().Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, devicesKey(tenantID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil || len(raw) == 0 {
			continue
		}
		var best model.DevicePresence
		haveBest := false
		for _, buf := range raw {
			var p model.DevicePresence
			if err := json.Unmarshal([]byte(buf), &p); err != nil {
				continue
			}
			if !haveBest || betterPresence(p, best) {
				best, haveBest = p, true
			}
		}
		if haveBest {
			out[userIDs[i]] = best
		}
	}
	return out, nil
}

// betterPresence prefers an online device with a gateway assignment over
// one without, and among ties prefers the more recently active device.
func betterPresence(a, b model.DevicePresence) bool {
	aRouted := a.Online && a.GatewayID != ""
	bRouted := b.Online && b.GatewayID != ""
	if aRouted != bRouted {
		return aRouted
	}
	if a.Online != b.Online {
		return a.Online
	}
	return a.LastSeenAt.After(b.LastSeenAt)
}
