package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriter_Defaults(t *testing.T) {
	cfg := Config{}
	w, err := cfg.FileWriter()
	if err != nil || w != nil {
		t.Fatalf("expected nil writer without file, got %v %v", w, err)
	}

	cfg = Config{File: filepath.Join(t.TempDir(), "server.log")}
	w, err = cfg.FileWriter()
	if err != nil {
		t.Fatalf("FileWriter error: %v", err)
	}
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	_ = w.Close()
}

func TestFileWriter_Overrides(t *testing.T) {
	cfg := Config{File: filepath.Join(t.TempDir(), "nested", "s.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	w, err := cfg.FileWriter()
	if err != nil {
		t.Fatalf("FileWriter error: %v", err)
	}
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
	_ = w.Close()
}

func TestSetup_WritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	var console bytes.Buffer
	log, closer, err := Setup(Config{Level: "debug", File: path}, &console)
	if err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	log.With("command", "echo hi").Debug("command executed")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(console.String(), "command executed") {
		t.Fatalf("console missing record: %q", console.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(b), `command="echo hi"`) {
		t.Fatalf("file missing attrs: %q", string(b))
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	var console bytes.Buffer
	log, closer, err := Setup(Config{Level: "warn"}, &console)
	if err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	defer func() { _ = closer.Close() }()
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(console.String(), "hidden") || !strings.Contains(console.String(), "shown") {
		t.Fatalf("unexpected output: %q", console.String())
	}
}

func TestSetup_BadLevel(t *testing.T) {
	if _, _, err := Setup(Config{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
}

func TestColorTextHandler_KeepsColorWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil)).With("remote", "127.0.0.1:1")
	log.Error("boom")
	out := buf.String()
	// text handler escapes the control byte when quoting the message
	if !strings.Contains(out, `\x1b[31mERROR`) || !strings.Contains(out, "remote=127.0.0.1:1") {
		t.Fatalf("unexpected output: %q", out)
	}
}
