package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/cmdloop/internal/executor"
	"github.com/loykin/cmdloop/internal/metrics"
)

// Jobs is the view of the registry the loop needs.
type Jobs interface {
	List() []string
	Interval() time.Duration
	Changed() <-chan struct{}
}

// Runner executes one command to completion.
type Runner interface {
	Run(ctx context.Context, command string) executor.RunRecord
}

type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Loop sweeps over the registered commands in order, one at a time, and then
// waits for the configured interval. An interval change cuts the current
// wait short and the time already waited counts against the new interval.
type Loop struct {
	jobs   Jobs
	runner Runner
	log    *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}

	state     atomic.Int32
	cycles    atomic.Int64
	lastCycle atomic.Int64 // unix nanos
}

func New(jobs Jobs, runner Runner, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		jobs:   jobs,
		runner: runner,
		log:    logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling it again has no effect.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.state.Store(int32(Running))
		go l.run(ctx)
	})
}

// Stop requests the loop to exit. The command in flight, if any, runs to
// completion; the loop exits before starting the next one.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Done is closed once the loop goroutine has returned. It is never closed if
// Start was not called.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) State() State { return State(l.state.Load()) }

// Cycles returns the number of completed sweeps.
func (l *Loop) Cycles() int64 { return l.cycles.Load() }

// LastCycle is the completion time of the latest sweep, zero before the first.
func (l *Loop) LastCycle() time.Time {
	n := l.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (l *Loop) stopping() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.state.Store(int32(Stopped))
	l.log.Info("scheduler started")
	defer l.log.Info("scheduler stopped", "cycles", l.cycles.Load())

	for {
		if !l.sweep(ctx) {
			return
		}
		l.cycles.Add(1)
		l.lastCycle.Store(time.Now().UnixNano())
		metrics.IncCycle()
		if !l.wait(ctx, time.Now()) {
			return
		}
	}
}

// sweep runs every registered command once. It reports false when the loop
// should exit.
func (l *Loop) sweep(ctx context.Context) bool {
	for _, cmd := range l.jobs.List() {
		if l.stopping() || ctx.Err() != nil {
			return false
		}
		l.runner.Run(ctx, cmd)
	}
	return !l.stopping() && ctx.Err() == nil
}

// wait pauses until interval has elapsed since from. It reports false when
// the loop should exit.
func (l *Loop) wait(ctx context.Context, from time.Time) bool {
	for {
		changed := l.jobs.Changed()
		remaining := time.Until(from.Add(l.jobs.Interval()))
		if remaining <= 0 {
			return true
		}
		t := time.NewTimer(remaining)
		select {
		case <-l.quit:
			t.Stop()
			return false
		case <-ctx.Done():
			t.Stop()
			return false
		case <-changed:
			t.Stop()
			l.log.Debug("interval changed during wait", "interval", l.jobs.Interval())
		case <-t.C:
			return true
		}
	}
}
