// Package alertnotify delivers operational alerts the aggregator raises —
// proactive sharding crossing the warning threshold, or WCU exhaustion
// recurring across consecutive batches for the same entity/resource.
// Glue only: a Notifier failure is logged by its caller and never affects
// admission or aggregation correctness.
package alertnotify

import "context"

// Kind names the condition an Alert reports.
type Kind string

const (
	// KindShardWarning fires when proactive sharding pushes a resource's
	// shard count past the configured warning threshold.
	KindShardWarning Kind = "shard_warning"
	// KindWCUExhaustionStreak fires when WCU exhaustion recurs across
	// consecutive aggregator batches for the same entity/resource.
	KindWCUExhaustionStreak Kind = "wcu_exhaustion_streak"
)

// Alert is one operational event to surface to a human channel.
type Alert struct {
	Namespace  string
	EntityID   string
	Resource   string
	Kind       Kind
	Message    string
	ShardCount int
}

// Notifier delivers Alerts. Implementations must be safe for concurrent
// use.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Noop discards every alert. The default when no channel is configured.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Alert) error { return nil }
