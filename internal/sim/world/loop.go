package world

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotOnLoop   = errors.New("not running on the coordination loop")
	ErrLoopStopped = errors.New("coordination loop stopped")
)

type LoopConfig struct {
	TickRateHz int
	// QueueSize bounds tasks waiting for the loop; zero means 64.
	QueueSize int
}

// Loop is the coordination goroutine. Everything that mutates the shared
// world store runs as a task on it.
type Loop struct {
	cfg LoopConfig
	log *zap.Logger

	tasks chan loopTask
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
	doneOnce sync.Once

	running atomic.Pointer[taskToken]
	tick    atomic.Uint64

	onTick func(ctx context.Context, tick uint64)
}

type taskTokenKey struct{}

// taskToken identifies one task execution. It has a field so that distinct
// tokens never share an address.
type taskToken struct{ _ byte }

type loopTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	resp chan error
}

func NewLoop(cfg LoopConfig, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Loop{
		cfg:   cfg,
		log:   log,
		tasks: make(chan loopTask, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// OnTick installs fn to run on the loop once per tick. Call before Run.
func (l *Loop) OnTick(fn func(ctx context.Context, tick uint64)) {
	l.onTick = fn
}

func (l *Loop) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })

	interval := time.Second / time.Duration(l.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.Info("coordination loop started", zap.Int("tick_rate_hz", l.cfg.TickRateHz))
	for {
		select {
		case <-ctx.Done():
			l.log.Info("coordination loop stopped", zap.Uint64("tick", l.tick.Load()), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-l.stop:
			l.log.Info("coordination loop stopped", zap.Uint64("tick", l.tick.Load()))
			return nil
		case t := <-l.tasks:
			if err := t.ctx.Err(); err != nil {
				t.resp <- err
				continue
			}
			t.resp <- l.exec(t.ctx, t.fn)
		case <-ticker.C:
			tick := l.tick.Add(1)
			if l.onTick == nil {
				continue
			}
			_ = l.exec(ctx, func(ctx context.Context) error {
				l.onTick(ctx, tick)
				return nil
			})
		}
	}
}

func (l *Loop) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	tok := &taskToken{}
	l.running.Store(tok)
	defer l.running.Store(nil)
	return fn(context.WithValue(ctx, taskTokenKey{}, tok))
}

func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Loop) Tick() uint64 { return l.tick.Load() }

// Do runs fn on the loop and waits for its result. Called from a task that
// is already on the loop, fn runs inline.
//
// ctx only bounds the wait for a queue slot and whether fn starts at all.
// Once fn starts, Do waits for it to finish, so a returned error always
// means fn's effects are whatever fn itself left behind.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.CheckAffinity(ctx) == nil {
		return fn(ctx)
	}
	t := loopTask{ctx: ctx, fn: fn, resp: make(chan error, 1)}
	select {
	case l.tasks <- t:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.resp:
		return err
	case <-l.done:
		select {
		case err := <-t.resp:
			return err
		default:
			return ErrLoopStopped
		}
	}
}

// CheckAffinity succeeds only for a context handed out by the task that is
// executing on the loop right now.
func (l *Loop) CheckAffinity(ctx context.Context) error {
	tok, _ := ctx.Value(taskTokenKey{}).(*taskToken)
	if tok == nil || tok != l.running.Load() {
		return ErrNotOnLoop
	}
	return nil
}
