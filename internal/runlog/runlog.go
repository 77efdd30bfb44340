package runlog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// FileName is the per-job history file inside the job's directory.
const FileName = "output.log"

// TruncatedMarker precedes a history that was shortened to its most recent part.
const TruncatedMarker = "[earlier output truncated]\n"

// ErrNoOutput is returned by Read when a job has not produced any record yet.
var ErrNoOutput = errors.New("no output recorded")

// Record is what gets appended to a job's history for one run.
type Record struct {
	Command  string
	Started  time.Time
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Timeout  time.Duration
	Err      string
}

// Format renders r in the history file layout.
func (r Record) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n=== Run %s ===\n", r.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "Command: %s\n", r.Command)
	switch {
	case r.TimedOut:
		fmt.Fprintf(&b, "Exit code: %d (timed out after %s)\n", r.ExitCode, r.Timeout)
	default:
		fmt.Fprintf(&b, "Exit code: %d\n", r.ExitCode)
	}
	if r.Err != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Err)
	}
	if r.Stderr != "" {
		b.WriteString("Stderr:\n")
		b.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString("Stdout:\n")
	b.WriteString(r.Stdout)
	return b.String()
}

// Store manages the output areas below Dir, one directory per job slug.
// Records are only ever appended.
type Store struct {
	Dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dir string) *Store {
	return &Store{Dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Init creates the root directory.
func (s *Store) Init() error { return os.MkdirAll(s.Dir, 0o750) }

// Path returns the history file of slug.
func (s *Store) Path(slug string) string { return filepath.Join(s.Dir, slug, FileName) }

// Prepare creates the output area of slug.
func (s *Store) Prepare(slug string) error {
	return os.MkdirAll(filepath.Join(s.Dir, slug), 0o750)
}

// Append adds one record to slug's history.
func (s *Store) Append(slug string, rec Record) error {
	l := s.lockFor(slug)
	l.Lock()
	defer l.Unlock()

	if err := s.Prepare(slug); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(slug), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(rec.Format()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Read returns the whole history of slug, or ErrNoOutput.
func (s *Store) Read(slug string) (string, error) {
	out, _, err := s.ReadTail(slug, 0)
	return out, err
}

// ReadTail returns at most limit bytes from the end of slug's history and
// whether anything was cut. limit <= 0 reads everything.
func (s *Store) ReadTail(slug string, limit int) (string, bool, error) {
	l := s.lockFor(slug)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(s.Path(slug))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, ErrNoOutput
	}
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return "", false, err
	}
	size := fi.Size()
	if limit <= 0 || size <= int64(limit) {
		b, err := io.ReadAll(f)
		if err != nil {
			return "", false, err
		}
		return string(b), false, nil
	}
	buf := make([]byte, limit)
	if _, err := f.ReadAt(buf, size-int64(limit)); err != nil && !errors.Is(err, io.EOF) {
		return "", false, err
	}
	out, _ := Tail(string(buf), limit)
	return trimToLine(out), true, nil
}

// Tail returns the last limit bytes of text, starting on a rune boundary,
// and whether text was cut.
func Tail(text string, limit int) (string, bool) {
	if limit <= 0 || len(text) <= limit {
		return text, false
	}
	i := len(text) - limit
	for i < len(text) && !utf8.RuneStart(text[i]) {
		i++
	}
	return text[i:], true
}

// trimToLine drops a partial first line when a later line exists.
func trimToLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 && i+1 < len(s) {
		return s[i+1:]
	}
	return s
}

func (s *Store) lockFor(slug string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[slug]
	if !ok {
		l = &sync.Mutex{}
		s.locks[slug] = l
	}
	return l
}
