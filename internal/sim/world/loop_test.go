package world

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
}

func TestLoopAffinity(t *testing.T) {
	l := NewLoop(LoopConfig{TickRateHz: 20}, nil)
	startLoop(t, l)
	ctx := context.Background()

	if err := l.CheckAffinity(ctx); !errors.Is(err, ErrNotOnLoop) {
		t.Fatalf("background ctx should be off loop, got %v", err)
	}

	var escaped context.Context
	err := l.Do(ctx, func(ctx context.Context) error {
		escaped = ctx
		return l.CheckAffinity(ctx)
	})
	if err != nil {
		t.Fatalf("task ctx should pass affinity: %v", err)
	}
	if err := l.CheckAffinity(escaped); !errors.Is(err, ErrNotOnLoop) {
		t.Fatalf("ctx of a finished task must be rejected, got %v", err)
	}

	other := NewLoop(LoopConfig{TickRateHz: 20}, nil)
	err = l.Do(ctx, func(ctx context.Context) error {
		return other.CheckAffinity(ctx)
	})
	if !errors.Is(err, ErrNotOnLoop) {
		t.Fatalf("a task of one loop is off every other loop, got %v", err)
	}
}

func TestLoopNestedDoRunsInline(t *testing.T) {
	l := NewLoop(LoopConfig{TickRateHz: 20, QueueSize: 1}, nil)
	startLoop(t, l)

	ran := false
	err := l.Do(context.Background(), func(ctx context.Context) error {
		return l.Do(ctx, func(ctx context.Context) error {
			ran = true
			return l.CheckAffinity(ctx)
		})
	})
	if err != nil || !ran {
		t.Fatalf("nested Do: ran=%v err=%v", ran, err)
	}
}

func TestLoopReturnsTaskError(t *testing.T) {
	l := NewLoop(LoopConfig{TickRateHz: 20}, nil)
	startLoop(t, l)
	boom := errors.New("boom")
	if err := l.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}

func TestLoopStopped(t *testing.T) {
	l := NewLoop(LoopConfig{TickRateHz: 20}, nil)
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()
	l.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("Run after Stop: %v", err)
	}
	if err := l.Do(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("expected ErrLoopStopped, got %v", err)
	}
}

func TestLoopTickHook(t *testing.T) {
	l := NewLoop(LoopConfig{TickRateHz: 200}, nil)
	var ticks atomic.Uint64
	var onLoop atomic.Bool
	onLoop.Store(true)
	l.OnTick(func(ctx context.Context, tick uint64) {
		if l.CheckAffinity(ctx) != nil {
			onLoop.Store(false)
		}
		ticks.Store(tick)
	})
	startLoop(t, l)

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("tick hook did not fire; tick=%d", l.Tick())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !onLoop.Load() {
		t.Fatalf("tick hook must run on the loop")
	}
}

// blockLoop parks the loop inside a task until the returned func is called.
func blockLoop(t *testing.T, l *Loop) (release func()) {
	t.Helper()
	entered := make(chan struct{})
	gate := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(context.Context) error {
			close(entered)
			<-gate
			return nil
		})
	}()
	<-entered
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func waitQueued(t *testing.T, l *Loop, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(l.tasks) < n {
		if time.Now().After(deadline) {
			t.Fatalf("queued tasks = %d want %d", len(l.tasks), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoopSkipsTaskWhoseContextEndedInQueue(t *testing.T) {
	l := NewLoop(LoopConfig{TickRateHz: 20}, nil)
	startLoop(t, l)
	release := blockLoop(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- l.Do(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	waitQueued(t, l, 1)
	cancel()
	select {
	case err := <-errc:
		t.Fatalf("Do returned %v while its task was still queued", err)
	case <-time.After(20 * time.Millisecond):
	}
	release()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran.Load() {
		t.Fatalf("a task whose context ended in the queue must not run")
	}
}

func TestLoopDoWaitsForStartedTask(t *testing.T) {
	l := NewLoop(LoopConfig{TickRateHz: 20}, nil)
	startLoop(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	var finished atomic.Bool
	err := l.Do(ctx, func(context.Context) error {
		cancel()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	if err != nil || !finished.Load() {
		t.Fatalf("a started task runs to completion: finished=%v err=%v", finished.Load(), err)
	}
}
