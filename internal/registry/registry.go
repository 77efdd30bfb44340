package registry

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/cmdloop/internal/fault"
	"github.com/loykin/cmdloop/internal/metrics"
)

const (
	DefaultInterval    = 10
	DefaultMaxInterval = 3600
)

// Options tunes a Registry. Zero values select the defaults.
type Options struct {
	DefaultInterval int
	MaxInterval     int
	// Prepare is called for every newly accepted command before it is
	// persisted, typically to create the job's output area.
	Prepare func(command, slug string) error
	Logger  *slog.Logger
}

// Registry is the ordered set of registered commands plus the execution
// interval. All access goes through one mutex; persistence happens while the
// mutex is held so concurrent mutations never interleave their writes.
type Registry struct {
	mu       sync.Mutex
	store    Store
	policy   Policy
	opts     Options
	log      *slog.Logger
	programs []string
	index    map[string]struct{}
	slugs    map[string]string // slug -> command
	interval int
	changed  chan struct{}
}

func New(store Store, policy Policy, opts Options) *Registry {
	if policy == nil {
		policy = NewDenylist(DefaultDenylist)
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultInterval
	}
	if opts.DefaultInterval > opts.MaxInterval {
		opts.DefaultInterval = opts.MaxInterval
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Registry{
		store:    store,
		policy:   policy,
		opts:     opts,
		log:      l,
		index:    make(map[string]struct{}),
		slugs:    make(map[string]string),
		interval: opts.DefaultInterval,
		changed:  make(chan struct{}),
	}
}

// Load replaces the in-memory state with the stored one. When nothing is
// stored yet, the defaults are written out.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, found, err := r.store.Load()
	if err != nil {
		return fault.Wrap(fault.KindPersistence, fault.ReasonPersistence, err, "load registry")
	}
	r.programs = r.programs[:0]
	r.index = make(map[string]struct{})
	r.slugs = make(map[string]string)
	r.interval = r.opts.DefaultInterval

	if !found {
		if err := r.saveLocked(); err != nil {
			return err
		}
		r.log.Info("initialized registry", "interval", r.interval)
		r.publishLocked()
		return nil
	}

	for _, cmd := range st.Programs {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		if _, dup := r.index[cmd]; dup {
			r.log.Warn("dropping duplicate command from state file", "command", cmd)
			continue
		}
		slug := Slug(cmd)
		if other, clash := r.slugs[slug]; clash {
			r.log.Warn("dropping command whose output area collides", "command", cmd, "with", other)
			continue
		}
		r.programs = append(r.programs, cmd)
		r.index[cmd] = struct{}{}
		r.slugs[slug] = cmd
	}
	switch {
	case st.Interval < 1:
		r.log.Warn("stored interval out of range, using default", "interval", st.Interval, "default", r.opts.DefaultInterval)
	case st.Interval > r.opts.MaxInterval:
		r.log.Warn("stored interval above maximum, clamping", "interval", st.Interval, "max", r.opts.MaxInterval)
		r.interval = r.opts.MaxInterval
	default:
		r.interval = st.Interval
	}
	r.log.Info("loaded registry", "programs", len(r.programs), "interval", r.interval)
	r.publishLocked()
	return nil
}

// Add registers command. The returned error is a *fault.Error describing why
// the command was refused; on error the registry is unchanged.
func (r *Registry) Add(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fault.New(fault.KindValidation, fault.ReasonEmpty, "command is empty")
	}
	if err := r.policy.Allow(command); err != nil {
		return err
	}
	slug := Slug(command)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[command]; exists {
		return fault.New(fault.KindDuplicate, fault.ReasonDuplicate, "command %q already registered", command)
	}
	if other, clash := r.slugs[slug]; clash {
		return fault.New(fault.KindValidation, fault.ReasonSlugCollision,
			"command %q would share output area %q with %q", command, slug, other)
	}
	if r.opts.Prepare != nil {
		if err := r.opts.Prepare(command, slug); err != nil {
			return fault.Wrap(fault.KindPersistence, fault.ReasonPersistence, err, "create output area")
		}
	}

	r.programs = append(r.programs, command)
	r.index[command] = struct{}{}
	r.slugs[slug] = command
	if err := r.saveLocked(); err != nil {
		r.programs = r.programs[:len(r.programs)-1]
		delete(r.index, command)
		delete(r.slugs, slug)
		return err
	}
	r.log.Info("command added", "command", command, "slug", slug)
	r.publishLocked()
	return nil
}

// List returns a copy of the registered commands in insertion order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.programs))
	copy(out, r.programs)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.programs)
}

func (r *Registry) Contains(command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[command]
	return ok
}

func (r *Registry) IntervalSeconds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *Registry) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds()) * time.Second
}

func (r *Registry) MaxInterval() int { return r.opts.MaxInterval }

// SetInterval changes the pause between sweeps. Accepted values are
// 1..MaxInterval seconds.
func (r *Registry) SetInterval(seconds int) error {
	if seconds < 1 || seconds > r.opts.MaxInterval {
		return fault.New(fault.KindValidation, fault.ReasonInvalidInterval,
			"interval must be between 1 and %d seconds, got %d", r.opts.MaxInterval, seconds)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.interval
	r.interval = seconds
	if err := r.saveLocked(); err != nil {
		r.interval = prev
		return err
	}
	r.log.Info("interval updated", "from", prev, "to", seconds)
	r.publishLocked()
	close(r.changed)
	r.changed = make(chan struct{})
	return nil
}

// Changed returns a channel closed at the next interval change.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// Persist writes the current state unconditionally.
func (r *Registry) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	st := State{Programs: make([]string, len(r.programs)), Interval: r.interval}
	copy(st.Programs, r.programs)
	if err := r.store.Save(st); err != nil {
		r.log.Error("persist registry failed", "error", err)
		return fault.Wrap(fault.KindPersistence, fault.ReasonPersistence, err, "save registry")
	}
	return nil
}

func (r *Registry) publishLocked() {
	metrics.SetRegisteredJobs(len(r.programs))
	metrics.SetInterval(r.interval)
}
