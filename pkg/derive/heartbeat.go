// Heartbeat flushing: one liveness metric per discovered entity
// Keys are cleared as they are sent so each is reported once per discovery
package derive

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// HeartbeatMetric is the well-known name heartbeats are sent under.
const HeartbeatMetric = "~component.heartbeat"

// ErrSend wraps failures returned by a Sender during a heartbeat flush.
var ErrSend = errors.New("sending heartbeat")

// FlushHeartbeats sends one heartbeat per key in discovered and removes each
// key once its send has been attempted. A nil sender makes this a no-op.
//
// The first send failure stops the flush and is returned wrapped in ErrSend.
// Keys already removed, including the one whose send failed, are not put back.
func FlushHeartbeats(component string, sender Sender, discovered *Discovered) error {
	return flushHeartbeats(component, sender, discovered, time.Now)
}

func flushHeartbeats(component string, sender Sender, discovered *Discovered, now func() time.Time) error {
	if sender == nil || discovered == nil {
		return nil
	}
	return discovered.Drain(func(key HeartbeatMetricKey) error {
		err := sender.SendMetric(HeartbeatMetric, 1.0, now().Unix(), key.Source, HeartbeatTags(component, key))
		if err != nil {
			return fmt.Errorf("%w for %s/%s from %s: %w", ErrSend, key.Application, key.Service, key.Source, err)
		}
		return nil
	})
}

// HeartbeatTags builds the tag set sent with the heartbeat for key.
func HeartbeatTags(component string, key HeartbeatMetricKey) map[string]string {
	tags := make(map[string]string, 5+len(key.CustomTags))
	tags[ApplicationTagKey] = key.Application
	tags[ServiceTagKey] = key.Service
	tags[ClusterTagKey] = key.Cluster
	tags[ShardTagKey] = key.Shard
	tags[ComponentTagKey] = component
	maps.Copy(tags, key.CustomTags)
	return tags
}
