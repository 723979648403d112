package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	cerrors "github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/metric"
)

// TestPool_ErrorKinds checks that pool failures can be told apart through
// the runtime error kinds.
func TestPool_ErrorKinds(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	processor := func(_ context.Context, _ testWork) error {
		<-block
		return nil
	}

	idle := NewPool(1, 1, processor)
	if err := idle.Submit(testWork{id: 1}); !errors.Is(err, cerrors.ErrNotStarted) {
		t.Errorf("submit before start: expected ErrNotStarted, got %v", err)
	}

	busy := NewPool(1, 1, processor)
	if err := busy.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := busy.Start(context.Background()); !errors.Is(err, cerrors.ErrAlreadyStarted) {
		t.Errorf("second start: expected ErrAlreadyStarted, got %v", err)
	}

	// One item runs, one waits in the queue, the next one overflows.
	var overflow error
	for i := 0; i < 3 && overflow == nil; i++ {
		overflow = busy.Submit(testWork{id: i})
		if i == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !errors.Is(overflow, cerrors.ErrQueueFull) {
		t.Errorf("full queue: expected ErrQueueFull, got %v", overflow)
	}
	if errors.Is(overflow, cerrors.ErrShuttingDown) {
		t.Errorf("full queue must not look like shutdown: %v", overflow)
	}

	if err := busy.Stop(20 * time.Millisecond); !errors.Is(err, ErrStopTimeout) || !cerrors.IsTransient(err) {
		t.Errorf("stop with a stuck handler: expected transient ErrStopTimeout, got %v", err)
	}
	if err := busy.Submit(testWork{id: 9}); !errors.Is(err, cerrors.ErrShuttingDown) {
		t.Errorf("submit after stop: expected ErrShuttingDown, got %v", err)
	}
	if err := busy.SubmitWait(context.Background(), testWork{id: 10}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("wait submit after stop: expected ErrPoolStopped, got %v", err)
	}
}

func TestPool_NilProcessorIsInvalidConfig(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, cerrors.ErrInvalidConfig) {
			t.Errorf("expected panic with ErrInvalidConfig, got %v", r)
		}
	}()
	NewPool[testWork](1, 1, nil)
}

func TestPool_MetricsFollowLifecycle(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	done := make(chan struct{}, 1)
	newPool := func() *Pool[testWork] {
		return NewPool(1, 4, func(_ context.Context, _ testWork) error {
			done <- struct{}{}
			return nil
		}, WithMetricsRegistry[testWork](registry, "dispatch_dev1"))
	}

	pool := newPool()
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Submit(testWork{id: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-done
	if got := testutil.ToFloat64(pool.metrics.submitted); got != 1 {
		t.Errorf("expected 1 submitted, got %v", got)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// A restarted instance registers under the same prefix again.
	again := newPool()
	if err := again.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer again.Stop(time.Second)
	if !again.registered {
		t.Error("metrics of the second pool were not registered")
	}
}
