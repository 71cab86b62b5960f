package ingest

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// LeaveConsumerGroupByInstanceID sends an explicit LeaveGroup request for a
// static group member identified by instanceID, so a gracefully-shutting-down
// storage-writer/push-worker/push-dispatcher instance doesn't make its
// partitions wait out the session timeout before rebalancing. A blank
// instanceID is a no-op: only static membership assigns instance IDs.
func LeaveConsumerGroupByInstanceID(ctx context.Context, client *kgo.Client, group, instanceID string, logger log.Logger) error {
	if instanceID == "" {
		return nil
	}

	req := kmsg.NewLeaveGroupRequest()
	req.Group = group
	member := kmsg.NewLeaveGroupRequestMember()
	member.InstanceID = &instanceID
	req.Members = append(req.Members, member)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		level.Warn(logger).Log("msg", "failed to leave consumer group", "group", group, "instance_id", instanceID, "err", err)
		return err
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		level.Warn(logger).Log("msg", "broker rejected leave group request", "group", group, "instance_id", instanceID, "err", err)
		return err
	}
	return nil
}
