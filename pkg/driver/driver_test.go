package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestThreadPoolRunsBothConcurrently(t *testing.T) {
	d := ThreadPool{}
	var calls int32

	err := d.Gather2(context.Background(),
		func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil },
		func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestThreadPoolPropagatesFirstError(t *testing.T) {
	d := ThreadPool{}
	wantErr := errors.New("boom")

	err := d.Gather2(context.Background(),
		func(ctx context.Context) error { return wantErr },
		func(ctx context.Context) error { return nil },
	)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestSerialRunsInOrder(t *testing.T) {
	d := Serial{}
	var order []int

	err := d.Gather2(context.Background(),
		func(ctx context.Context) error { order = append(order, 1); return nil },
		func(ctx context.Context) error { order = append(order, 2); return nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestSerialStopsAtFirstError(t *testing.T) {
	d := Serial{}
	wantErr := errors.New("first failed")
	var secondCalled bool

	err := d.Gather2(context.Background(),
		func(ctx context.Context) error { return wantErr },
		func(ctx context.Context) error { secondCalled = true; return nil },
	)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if secondCalled {
		t.Error("expected second operation not to run after first failed")
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	if _, ok := New(StrategyThreadPool).(ThreadPool); !ok {
		t.Error("expected ThreadPool for StrategyThreadPool")
	}
	if _, ok := New(StrategySerial).(Serial); !ok {
		t.Error("expected Serial for StrategySerial")
	}
	if _, ok := New(StrategyCooperativeGreenlets).(Serial); !ok {
		t.Error("expected Serial for StrategyCooperativeGreenlets")
	}
	if _, ok := New(StrategyAuto).(ThreadPool); !ok {
		t.Error("expected ThreadPool for StrategyAuto")
	}
}
