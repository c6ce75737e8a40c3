package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tokenshard/limiter/internal/alertnotify"
	"github.com/tokenshard/limiter/internal/auditlog"
	"github.com/tokenshard/limiter/internal/bucketmath"
	"github.com/tokenshard/limiter/internal/keyschema"
	"github.com/tokenshard/limiter/internal/telemetry"
	"github.com/tokenshard/limiter/pkg/repository"
)

const (
	defaultWCUProactiveThreshold = 0.8
	defaultShardWarningThreshold = 32
	defaultWCUStreakThreshold    = 3
)

// Config tunes the aggregator's thresholds. Zero values take the defaults
// documented alongside each field.
type Config struct {
	// WCUProactiveThreshold is the fraction of a shard's wcu capacity
	// consumed within one batch above which the aggregator attempts to
	// double that resource's shard count. Default 0.8.
	WCUProactiveThreshold float64
	// ShardWarningThreshold is the shard count above which a successful
	// doubling also raises an alert. Default 32.
	ShardWarningThreshold int
	// WCUStreakThreshold is the number of consecutive batches a resource
	// must cross WCUProactiveThreshold before an exhaustion-streak alert
	// fires. Default 3.
	WCUStreakThreshold int
	// UsageWindow selects the usage-snapshot rollup period. Default
	// WindowHourly.
	UsageWindow WindowGranularity
}

func (c Config) withDefaults() Config {
	if c.WCUProactiveThreshold <= 0 {
		c.WCUProactiveThreshold = defaultWCUProactiveThreshold
	}
	if c.ShardWarningThreshold <= 0 {
		c.ShardWarningThreshold = defaultShardWarningThreshold
	}
	if c.WCUStreakThreshold <= 0 {
		c.WCUStreakThreshold = defaultWCUStreakThreshold
	}
	if c.UsageWindow == "" {
		c.UsageWindow = WindowHourly
	}
	return c
}

// Aggregator processes change-stream batches: proactive
// sharding, shard-count propagation, lazy refill, and usage snapshots, each
// best-effort and independently logged to audit and alert side channels.
type Aggregator struct {
	repo     *repository.Store
	audit    *auditlog.Writer
	notifier alertnotify.Notifier
	logger   *slog.Logger
	cfg      Config

	mu     sync.Mutex
	streak map[string]int // "ns/entity/resource" -> consecutive high-utilization batches
}

// New constructs an Aggregator. A nil audit writer disables audit logging;
// a nil notifier defaults to Noop.
func New(repo *repository.Store, audit *auditlog.Writer, notifier alertnotify.Notifier, logger *slog.Logger, cfg Config) *Aggregator {
	if notifier == nil {
		notifier = alertnotify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		repo:     repo,
		audit:    audit,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		streak:   map[string]int{},
	}
}

type aggKey struct {
	ns, entityID, resource string
	shard                  int
}

func (k aggKey) String() string { return fmt.Sprintf("%s/%s/%s#%d", k.ns, k.entityID, k.resource, k.shard) }

type aggEntry struct {
	latestNew repository.BucketSnapshot
	latestOld repository.BucketSnapshot
	hasOld    bool
	tcDelta   map[string]int64 // per limit name, including wcu
}

// ProcessBatch parses, aggregates, and reacts to one change-stream
// batch. nowMS anchors the refill computation and usage-window key; callers
// pass the batch's processing time rather than the aggregator calling
// time.Now() itself, keeping the computation reproducible in tests.
func (a *Aggregator) ProcessBatch(ctx context.Context, records []ChangeRecord, nowMS int64) BatchResult {
	started := time.Now()
	defer func() { telemetry.AggregatorBatchDuration.Observe(time.Since(started).Seconds()) }()

	var result BatchResult
	entries := a.parseAndAggregate(records)

	for key, entry := range entries {
		a.processEntry(ctx, key, entry, nowMS, &result)
	}
	return result
}

// parseAndAggregate implements steps 1-2: filter to bucket MODIFYs, extract
// per-limit tc deltas, and group by (ns, entity, resource, shard).
func (a *Aggregator) parseAndAggregate(records []ChangeRecord) map[aggKey]*aggEntry {
	entries := map[aggKey]*aggEntry{}

	for _, rec := range records {
		if rec.EventName != "MODIFY" {
			continue
		}
		newSnap, err := repository.DecodeBucket(rec.NewImage)
		if err != nil {
			continue // not a bucket item, or malformed; nothing to aggregate
		}
		oldSnap, oldErr := repository.DecodeBucket(rec.OldImage)

		key := aggKey{ns: newSnap.Key.Namespace, entityID: newSnap.Key.EntityID, resource: newSnap.Key.Resource, shard: newSnap.Key.Shard}
		entry, ok := entries[key]
		if !ok {
			entry = &aggEntry{tcDelta: map[string]int64{}}
			entries[key] = entry
		}
		entry.latestNew = newSnap
		if oldErr == nil {
			entry.latestOld = oldSnap
			entry.hasOld = true
		}

		for name, ls := range newSnap.Limits {
			var oldTC int64
			if oldErr == nil {
				if oldLS, ok := oldSnap.Limits[name]; ok {
					oldTC = oldLS.ConsumedMilli
				}
			}
			entry.tcDelta[name] += ls.ConsumedMilli - oldTC
		}
	}

	return entries
}

func (a *Aggregator) processEntry(ctx context.Context, key aggKey, entry *aggEntry, nowMS int64, result *BatchResult) {
	snap := entry.latestNew

	if key.shard == 0 {
		a.proactiveShard(ctx, key, snap, entry.tcDelta, result)

		if entry.hasOld && snap.ShardCount > entry.latestOld.ShardCount {
			errs := a.repo.PropagateShardCount(ctx, key.ns, key.entityID, key.resource, snap.ShardCount)
			propagated := (snap.ShardCount - 1) - len(errs)
			if propagated > 0 {
				result.ShardsPropagated += propagated
			}
			for _, err := range errs {
				result.Errors = append(result.Errors, err)
			}
			a.logAudit(auditlog.ActionShardPropagate, key, int64(snap.ShardCount))
		}
	}

	a.refillEntry(ctx, key, snap, entry.tcDelta, nowMS, result)
	a.recordUsage(ctx, key, entry.tcDelta, nowMS, result)
}

// proactiveShard implements step 3: attempt shard doubling when this
// batch's wcu consumption on shard 0 exceeds the proactive threshold, and
// tracks the high-utilization streak used for the exhaustion-recurrence
// alert (the stream only ever sees committed writes, so "exhaustion" here
// is operationalized as sustained near-capacity demand rather than an
// actual rejected speculative consume, which never reaches the stream).
func (a *Aggregator) proactiveShard(ctx context.Context, key aggKey, snap repository.BucketSnapshot, tcDelta map[string]int64, result *BatchResult) {
	wcu, ok := snap.Limits[keyschema.ReservedLimitName]
	if !ok || wcu.CapacityMilli <= 0 {
		return
	}
	delta := tcDelta[keyschema.ReservedLimitName]
	if delta <= 0 {
		a.recordStreak(ctx, key, false, result)
		return
	}

	ratio := float64(delta) / float64(wcu.CapacityMilli)
	if ratio <= a.cfg.WCUProactiveThreshold {
		a.recordStreak(ctx, key, false, result)
		return
	}
	a.recordStreak(ctx, key, true, result)

	current := snap.ShardCount
	if current <= 0 {
		current = 1
	}
	newCount, bumped, err := a.repo.BumpShardCount(ctx, key.ns, key.entityID, key.resource, current)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("aggregator: doubling shard count for %s: %w", key, err))
		return
	}
	if !bumped {
		return // another writer already doubled this resource; nothing more to do
	}
	result.ShardsDoubled++
	telemetry.ShardsDoubledTotal.WithLabelValues(key.resource).Inc()
	a.logAudit(auditlog.ActionShardDouble, key, int64(newCount))

	if newCount > a.cfg.ShardWarningThreshold {
		a.alert(ctx, alertnotify.Alert{
			Namespace: key.ns, EntityID: key.entityID, Resource: key.resource,
			Kind:       alertnotify.KindShardWarning,
			Message:    fmt.Sprintf("shard count crossed warning threshold: now %d shards", newCount),
			ShardCount: newCount,
		}, result)
	}
}

func (a *Aggregator) recordStreak(ctx context.Context, key aggKey, highUtilization bool, result *BatchResult) {
	streakKey := key.String()

	a.mu.Lock()
	if highUtilization {
		a.streak[streakKey]++
	} else {
		delete(a.streak, streakKey)
	}
	count := a.streak[streakKey]
	a.mu.Unlock()

	if highUtilization && count == a.cfg.WCUStreakThreshold {
		a.alert(ctx, alertnotify.Alert{
			Namespace: key.ns, EntityID: key.entityID, Resource: key.resource,
			Kind:    alertnotify.KindWCUExhaustionStreak,
			Message: fmt.Sprintf("wcu utilization stayed above threshold for %d consecutive batches", count),
		}, result)
	}
}

// refillEntry implements step 5: for every non-wcu limit, if the elapsed-
// time refill due as of nowMS still leaves the bucket short of what this
// batch just observed being consumed, apply that refill now rather than
// waiting for the next client request to trigger it lazily.
func (a *Aggregator) refillEntry(ctx context.Context, key aggKey, snap repository.BucketSnapshot, tcDelta map[string]int64, nowMS int64, result *BatchResult) {
	for name, ls := range repository.WithoutWCU(snap.Limits) {
		consumedThisBatch := tcDelta[name]
		if consumedThisBatch <= 0 {
			continue
		}

		lim := bucketmath.Limit{
			Name:           name,
			CapacityMilli:  ls.CapacityMilli,
			BurstMilli:     ls.BurstMilli,
			RefillMilli:    ls.RefillMilli,
			RefillPeriodMS: ls.RefillPeriodMS,
		}
		effective, newRf := bucketmath.Refill(ls.TokensMilli, snap.LastRefill, lim, nowMS)
		delta := effective - ls.TokensMilli
		if delta <= 0 {
			continue // no elapsed-time refill due yet
		}
		if effective >= consumedThisBatch {
			// already enough headroom for the demand this batch observed;
			// an ordinary lazy refill on the next consume suffices.
			continue
		}

		bucketKey := repository.BucketKey{Namespace: key.ns, EntityID: key.entityID, Resource: key.resource, Shard: key.shard}
		if err := a.repo.ApplyAggregatorRefill(ctx, key.ns, bucketKey, name, delta, newRf, snap.LastRefill); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("aggregator: refilling %s limit %q: %w", key, name, err))
			continue
		}
		result.RefillsWritten++
		telemetry.RefillsWrittenTotal.WithLabelValues(key.resource).Inc()
		a.logAudit(auditlog.ActionRefill, key, delta)
	}
}

// recordUsage implements step 6: one snapshot item per (entity, resource,
// window), summing this batch's tc delta across every limit except wcu.
func (a *Aggregator) recordUsage(ctx context.Context, key aggKey, tcDelta map[string]int64, nowMS int64, result *BatchResult) {
	deltas := make(map[string]int64, len(tcDelta))
	for name, delta := range tcDelta {
		if name == keyschema.ReservedLimitName || delta == 0 {
			continue
		}
		deltas[name] = delta
	}
	if len(deltas) == 0 {
		return
	}

	windowKey := a.cfg.UsageWindow.Key(nowMS)
	if err := a.repo.RecordUsage(ctx, key.ns, key.entityID, key.resource, windowKey, deltas); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("aggregator: recording usage for %s window %s: %w", key, windowKey, err))
		return
	}
	result.UsageSnapshots++
}

func (a *Aggregator) logAudit(action auditlog.Action, key aggKey, value int64) {
	if a.audit == nil {
		return
	}
	detail, _ := json.Marshal(struct {
		Value int64 `json:"value"`
	}{Value: value})
	a.audit.Log(auditlog.Entry{
		Namespace: key.ns, EntityID: key.entityID, Resource: key.resource, Shard: key.shard,
		Action: action, Detail: detail,
	})
}

func (a *Aggregator) alert(ctx context.Context, al alertnotify.Alert, result *BatchResult) {
	if err := a.notifier.Notify(ctx, al); err != nil {
		a.logger.Warn("alert notify failed", "kind", al.Kind, "entity", al.EntityID, "error", err)
		return
	}
	result.AlertsRaised++
	telemetry.AlertsRaisedTotal.WithLabelValues(string(al.Kind)).Inc()
}
