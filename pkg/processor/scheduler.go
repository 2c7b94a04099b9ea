package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/store"
)

// State is the lifecycle state of a Scheduler.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var ErrSchedulerStarted = errors.New("processor: scheduler already started")

// ConfigSource hands out the settings snapshot a cycle runs with.
type ConfigSource interface {
	Current() config.Settings
}

// GatewaySource resolves the gateway for a settings snapshot.
type GatewaySource interface {
	Get(ctx context.Context, cfg config.Settings) (store.Gateway, error)
}

// Scheduler runs engine cycles one after another from a single goroutine: immediately on
// start, then every configured interval. Rearm makes the next cycle fire immediately and
// the following ones use the interval current at that time.
type Scheduler struct {
	engine     *Engine
	configs    ConfigSource
	gateways   GatewaySource
	intervalOf func(config.Settings) time.Duration

	state    atomic.Int32
	started  atomic.Bool
	rearm    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewScheduler(engine *Engine, configs ConfigSource, gateways GatewaySource) *Scheduler {
	return &Scheduler{
		engine:     engine,
		configs:    configs,
		gateways:   gateways,
		intervalOf: config.Settings.Interval,
		rearm:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Rearm requests an immediate cycle. It never blocks; requests made while one is
// already pending collapse into it.
func (s *Scheduler) Rearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// Run drives cycles until ctx is done or Stop is called. A cycle that already started
// always runs to completion; shutdown only prevents new ones.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSchedulerStarted
	}
	defer close(s.done)
	defer s.state.Store(int32(StateStopped))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-s.stop:
			slog.Info("scheduler stopped")
			return nil
		case <-s.rearm:
			slog.Debug("scheduler rearmed")
			resetTimer(timer, 0)
		case <-timer.C:
			if s.stopping(ctx) {
				continue
			}
			s.runCycle(ctx)
			resetTimer(timer, s.intervalOf(s.configs.Current()))
		}
	}
}

// Stop prevents further cycles and waits until a running cycle has finished.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
		return
	}
	s.state.Store(int32(StateStopped))
}

func (s *Scheduler) stopping(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateIdle))

	cfg := s.configs.Current()
	cycleCtx := context.WithoutCancel(ctx)

	gw, err := s.gateways.Get(cycleCtx, cfg)
	if err != nil {
		slog.Error("cannot open invoice store, skipping cycle", "store_type", cfg.StoreType, "error", err)
		return
	}
	// failures are logged by the engine and retried on the next tick
	_, _ = s.engine.RunCycle(cycleCtx, gw, cfg)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
