package executor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/cmdloop/internal/env"
	"github.com/loykin/cmdloop/internal/fault"
	"github.com/loykin/cmdloop/internal/history"
	"github.com/loykin/cmdloop/internal/metrics"
	"github.com/loykin/cmdloop/internal/process"
	"github.com/loykin/cmdloop/internal/registry"
	"github.com/loykin/cmdloop/internal/runlog"
)

const (
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutput caps each captured stream.
	DefaultMaxOutput = 1 << 20

	historyTimeout = 5 * time.Second
	// how long Wait keeps pipes open after the child is killed
	waitDelay = 2 * time.Second
)

// Outcomes reported in RunRecord.Outcome.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// RunRecord is the result of one execution.
type RunRecord struct {
	ID        string
	Command   string
	Slug      string
	StartedAt time.Time
	Duration  time.Duration
	ExitCode  int
	Stdout    string
	Stderr    string
	Outcome   string
	TimedOut  bool
	Truncated bool
	// Err is set when the command could not be started.
	Err error
	// LogErr is set when the record could not be appended to the output area.
	LogErr error
}

type Options struct {
	Timeout   time.Duration
	Shell     string
	WorkDir   string
	MaxOutput int
	// Env is layered over the service environment for every run.
	Env    map[string]string
	Sink   history.Sink
	Logger *slog.Logger
}

// Executor runs registered commands one at a time and records each run in
// the command's output area.
type Executor struct {
	store   *runlog.Store
	opts    Options
	environ []string
	log     *slog.Logger
}

func New(store *runlog.Store, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	e := &Executor{store: store, opts: opts, log: l}
	if len(opts.Env) > 0 {
		e.environ = env.Compose(nil, opts.Env)
	}
	return e
}

func (e *Executor) Timeout() time.Duration { return e.opts.Timeout }

// MaxRunDuration bounds one Run call end to end: the command timeout, pipe
// draining after a kill and the history export.
func (e *Executor) MaxRunDuration() time.Duration {
	return e.opts.Timeout + waitDelay + historyTimeout
}

// Run executes command to completion or until the timeout elapses. ctx only
// carries values; cancelling it does not abort the child, the timeout does.
// Every call appends exactly one record to the output area.
func (e *Executor) Run(ctx context.Context, command string) RunRecord {
	rec := RunRecord{
		ID:        uuid.NewString(),
		Command:   command,
		Slug:      registry.Slug(command),
		StartedAt: time.Now(),
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.Timeout)
	defer cancel()

	stdout := &cappedBuffer{max: e.opts.MaxOutput}
	stderr := &cappedBuffer{max: e.opts.MaxOutput}
	cmd := process.Spec{
		Command: command,
		Shell:   e.opts.Shell,
		WorkDir: e.opts.WorkDir,
		Env:     e.environ,
	}.BuildCommand(runCtx)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// don't hang on pipes held open by orphaned grandchildren
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	rec.Duration = time.Since(rec.StartedAt)
	rec.Stdout = stdout.String()
	rec.Stderr = stderr.String()
	rec.Truncated = stdout.truncated || stderr.truncated

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		rec.TimedOut = true
		rec.ExitCode = -1
		rec.Outcome = OutcomeTimeout
		e.log.Error("command timed out", "command", command, "timeout", e.opts.Timeout)
	case err == nil:
		rec.ExitCode = 0
		rec.Outcome = OutcomeOK
		e.log.Info("command executed", "command", command, "duration", rec.Duration)
	case errors.As(err, &exitErr):
		rec.ExitCode = exitErr.ExitCode()
		rec.Outcome = OutcomeFailed
		e.log.Warn("command exited with error", "command", command, "exit_code", rec.ExitCode)
	default:
		rec.ExitCode = -1
		rec.Outcome = OutcomeError
		rec.Err = fault.Wrap(fault.KindExecution, "", err, "start command")
		e.log.Error("command failed to start", "command", command, "error", err)
	}

	if err := e.store.Append(rec.Slug, e.logRecord(rec)); err != nil {
		rec.LogErr = fault.Wrap(fault.KindPersistence, fault.ReasonPersistence, err, "append run record")
		metrics.IncLogWriteFailure()
		e.log.Error("cannot write run record", "command", command, "path", e.store.Path(rec.Slug), "error", err)
	}
	metrics.ObserveRun(rec.Outcome, rec.Duration.Seconds())
	e.export(ctx, rec)
	return rec
}

func (e *Executor) logRecord(rec RunRecord) runlog.Record {
	lr := runlog.Record{
		Command:  rec.Command,
		Started:  rec.StartedAt,
		ExitCode: rec.ExitCode,
		Stdout:   rec.Stdout,
		Stderr:   rec.Stderr,
		TimedOut: rec.TimedOut,
		Timeout:  e.opts.Timeout,
	}
	if rec.Err != nil {
		lr.Err = rec.Err.Error()
	}
	return lr
}

func (e *Executor) export(ctx context.Context, rec RunRecord) {
	if e.opts.Sink == nil {
		return
	}
	ev := history.Event{
		Type:       history.EventRun,
		OccurredAt: time.Now(),
		Run: history.Run{
			ID:        rec.ID,
			Command:   rec.Command,
			Slug:      rec.Slug,
			StartedAt: rec.StartedAt,
			Duration:  rec.Duration,
			ExitCode:  rec.ExitCode,
			Outcome:   rec.Outcome,
			TimedOut:  rec.TimedOut,
		},
	}
	if rec.Err != nil {
		ev.Run.Err = rec.Err.Error()
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := e.opts.Sink.Send(sctx, ev); err != nil {
		e.log.Warn("history export failed", "command", rec.Command, "error", err)
	}
}
