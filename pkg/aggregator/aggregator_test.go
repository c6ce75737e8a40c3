package aggregator

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/alertnotify"
	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/dynamotest"
	"github.com/tokenshard/limiter/internal/keyschema"
	"github.com/tokenshard/limiter/pkg/repository"
)

const testResource = "chat"

func milliAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func newTestAggregator(t *testing.T, cfg Config) (*Aggregator, *repository.Store, *dynamotest.Fake, *recordingNotifier) {
	t.Helper()
	fake := dynamotest.New()
	store := repository.New(dynamostore.New(fake, "ratelimits"))
	notifier := &recordingNotifier{}
	agg := New(store, nil, notifier, nil, cfg)
	return agg, store, fake, notifier
}

// recordingNotifier captures every Alert raised, for assertions, instead of
// delivering anywhere.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alertnotify.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, alert alertnotify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// seedShardZero lays down a shard-0 bucket item with one named limit and
// wcu, both at the given starting token balances, and returns the encoded
// item so a test can mutate a copy for the stream's NewImage/OldImage.
func seedShardZero(t *testing.T, fake *dynamotest.Fake, ns, entityID string, shardCount int, tokens, wcuTokens, rf int64) map[string]types.AttributeValue {
	t.Helper()
	spec := repository.BucketWriteSpec{
		Key:        repository.BucketKey{Namespace: ns, EntityID: entityID, Resource: testResource, Shard: 0},
		NowMS:      rf,
		ShardCount: shardCount,
		Limits: map[string]repository.LimitState{
			"rpm": {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000},
		},
		Consume: map[string]int64{"rpm": 0, keyschema.ReservedLimitName: 0},
	}
	item := repository.EncodeBucketItem(spec)
	item[keyschema.BucketLimitAttr("rpm", "tk")] = milliAttr(tokens)
	item[keyschema.BucketLimitAttr(keyschema.ReservedLimitName, "tk")] = milliAttr(wcuTokens)
	fake.Seed(item)
	return item
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func TestProcessBatchIgnoresNonModifyRecords(t *testing.T) {
	agg, _, _, _ := newTestAggregator(t, Config{})
	records := []ChangeRecord{
		{EventName: "INSERT", NewImage: map[string]types.AttributeValue{"PK": milliAttrStr("x")}},
		{EventName: "REMOVE", OldImage: map[string]types.AttributeValue{"PK": milliAttrStr("x")}},
	}
	result := agg.ProcessBatch(context.Background(), records, 0)
	if result.RefillsWritten != 0 || result.ShardsDoubled != 0 || result.UsageSnapshots != 0 || len(result.Errors) != 0 {
		t.Fatalf("expected a no-op result for non-MODIFY records, got %+v", result)
	}
}

func milliAttrStr(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func TestProcessBatchAppliesLazyRefill(t *testing.T) {
	agg, store, fake, _ := newTestAggregator(t, Config{})

	// starting balance 0, elapsed-time refill only brings it to 500 milli by
	// nowMS=500, which still falls short of the 3000 milli this batch
	// observed being consumed — the aggregator must apply the refill eagerly
	// rather than waiting for the next lazy refill on a client request.
	oldImage := seedShardZero(t, fake, "ns1", "e1", 1, 0, 500000, 0)
	newImage := cloneItem(oldImage)
	newImage[keyschema.BucketLimitAttr("rpm", "tc")] = milliAttr(3000)

	result := agg.ProcessBatch(context.Background(), []ChangeRecord{
		{EventName: "MODIFY", NewImage: newImage, OldImage: oldImage},
	}, 500)

	if result.RefillsWritten != 1 {
		t.Fatalf("RefillsWritten = %d, want 1 (errors: %v)", result.RefillsWritten, result.Errors)
	}

	item, ok := fake.Get(keyschema.BucketPK("ns1", "e1", testResource, 0), keyschema.BucketStateSK)
	if !ok {
		t.Fatal("expected bucket item to still exist")
	}
	snap, err := repository.DecodeBucket(item)
	if err != nil {
		t.Fatalf("decoding bucket: %v", err)
	}
	if snap.Limits["rpm"].TokensMilli != 500 {
		t.Errorf("rpm tokens = %d, want 500 after the eager refill", snap.Limits["rpm"].TokensMilli)
	}

	_ = store
}

func TestProcessBatchSkipsRefillWhenHeadroomAlreadySufficient(t *testing.T) {
	agg, _, fake, _ := newTestAggregator(t, Config{})

	oldImage := seedShardZero(t, fake, "ns1", "e1", 1, 9000, 500000, 0)
	newImage := cloneItem(oldImage)
	newImage[keyschema.BucketLimitAttr("rpm", "tc")] = milliAttr(1000)

	result := agg.ProcessBatch(context.Background(), []ChangeRecord{
		{EventName: "MODIFY", NewImage: newImage, OldImage: oldImage},
	}, 1000)

	if result.RefillsWritten != 0 {
		t.Fatalf("RefillsWritten = %d, want 0 when existing balance already covers the batch's demand", result.RefillsWritten)
	}
}

func TestProcessBatchDoublesShardOnHighWCUUtilization(t *testing.T) {
	agg, _, fake, notifier := newTestAggregator(t, Config{WCUProactiveThreshold: 0.5, ShardWarningThreshold: 1})

	oldImage := seedShardZero(t, fake, "ns1", "e1", 1, 9000, 500000, 0)
	newImage := cloneItem(oldImage)
	// consumed 900000 of the 1,000,000 milli wcu capacity this batch: 90% > 50% threshold
	newImage[keyschema.BucketLimitAttr(keyschema.ReservedLimitName, "tc")] = milliAttr(900000)

	result := agg.ProcessBatch(context.Background(), []ChangeRecord{
		{EventName: "MODIFY", NewImage: newImage, OldImage: oldImage},
	}, 1000)

	if result.ShardsDoubled != 1 {
		t.Fatalf("ShardsDoubled = %d, want 1 (errors: %v)", result.ShardsDoubled, result.Errors)
	}

	item, ok := fake.Get(keyschema.BucketPK("ns1", "e1", testResource, 0), keyschema.BucketStateSK)
	if !ok {
		t.Fatal("expected shard 0 item to exist")
	}
	snap, err := repository.DecodeBucket(item)
	if err != nil {
		t.Fatalf("decoding bucket: %v", err)
	}
	if snap.ShardCount != 2 {
		t.Errorf("shard count = %d, want 2 after doubling", snap.ShardCount)
	}

	// new shard count (2) exceeds the configured warning threshold (1), so
	// an alert should have been raised.
	if result.AlertsRaised != 1 || notifier.count() != 1 {
		t.Errorf("AlertsRaised = %d, notifier saw %d calls, want 1 each", result.AlertsRaised, notifier.count())
	}
}

func TestProcessBatchRecordsWCUExhaustionStreak(t *testing.T) {
	agg, _, fake, notifier := newTestAggregator(t, Config{WCUProactiveThreshold: 0.5, ShardWarningThreshold: 1000, WCUStreakThreshold: 2})

	for i := 0; i < 2; i++ {
		oldImage := seedShardZero(t, fake, "ns1", "e1", 1, 9000, 500000, int64(i*1000))
		newImage := cloneItem(oldImage)
		newImage[keyschema.BucketLimitAttr(keyschema.ReservedLimitName, "tc")] = milliAttr(900000)

		result := agg.ProcessBatch(context.Background(), []ChangeRecord{
			{EventName: "MODIFY", NewImage: newImage, OldImage: oldImage},
		}, int64((i+1)*1000))

		if i == 0 && result.AlertsRaised != 0 {
			t.Fatalf("batch 1: AlertsRaised = %d, want 0 before the streak threshold is reached", result.AlertsRaised)
		}
		if i == 1 && result.AlertsRaised != 1 {
			t.Fatalf("batch 2: AlertsRaised = %d, want 1 once the streak threshold is reached", result.AlertsRaised)
		}
	}

	if notifier.count() != 1 {
		t.Errorf("notifier saw %d calls, want exactly 1 wcu-exhaustion-streak alert", notifier.count())
	}
}

func TestProcessBatchRecordsUsageSnapshot(t *testing.T) {
	agg, _, fake, _ := newTestAggregator(t, Config{UsageWindow: WindowHourly})

	oldImage := seedShardZero(t, fake, "ns1", "e1", 1, 9000, 500000, 0)
	newImage := cloneItem(oldImage)
	newImage[keyschema.BucketLimitAttr("rpm", "tc")] = milliAttr(1000)

	result := agg.ProcessBatch(context.Background(), []ChangeRecord{
		{EventName: "MODIFY", NewImage: newImage, OldImage: oldImage},
	}, 1000)

	if result.UsageSnapshots != 1 {
		t.Fatalf("UsageSnapshots = %d, want 1 (errors: %v)", result.UsageSnapshots, result.Errors)
	}

	windowKey := WindowHourly.Key(1000)
	item, ok := fake.Get(keyschema.UsagePK("ns1", "e1"), keyschema.UsageSK(testResource, windowKey))
	if !ok {
		t.Fatal("expected a usage snapshot item to have been written")
	}
	tc, ok := parseMilliAttr(item[keyschema.BucketLimitAttr("rpm", "tc")])
	if !ok || tc != 1000 {
		t.Errorf("usage snapshot rpm tc = %v (ok=%v), want 1000", tc, ok)
	}
}

func parseMilliAttr(av types.AttributeValue) (int64, bool) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func TestProcessBatchPropagatesShardCountIncrease(t *testing.T) {
	agg, _, fake, _ := newTestAggregator(t, Config{})

	oldImage := seedShardZero(t, fake, "ns1", "e1", 1, 9000, 500000, 0)
	newImage := cloneItem(oldImage)
	newImage["shard_count"] = milliAttr(2)

	result := agg.ProcessBatch(context.Background(), []ChangeRecord{
		{EventName: "MODIFY", NewImage: newImage, OldImage: oldImage},
	}, 1000)

	if result.ShardsPropagated != 1 {
		t.Fatalf("ShardsPropagated = %d, want 1 (errors: %v)", result.ShardsPropagated, result.Errors)
	}

	item, ok := fake.Get(keyschema.BucketPK("ns1", "e1", testResource, 1), keyschema.BucketStateSK)
	if !ok {
		t.Fatal("expected shard 1 to have been pre-seeded with the propagated shard_count")
	}
	sc, ok := parseMilliAttr(item["shard_count"])
	if !ok || sc != 2 {
		t.Errorf("shard 1 shard_count = %v (ok=%v), want 2", sc, ok)
	}
}
