package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/cmdloop"
)

func startService(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cmdloop.toml")
	data := "[server]\nlisten = \"127.0.0.1:0\"\n[registry]\ndefault_interval = 1\n[log]\nfile = \"\"\n[metrics]\nenabled = false\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := cmdloop.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	svc, err := cmdloop.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(context.Background())
	}()
	t.Cleanup(func() {
		svc.Shutdown()
		<-done
	})
	return svc.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, sub := range []string{"serve", "add", "output", "interval", "programs", "stop"} {
		if !strings.Contains(out, sub) {
			t.Fatalf("help missing %q: %s", sub, out)
		}
	}
}

func TestClientCommands(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix shell")
	}
	addr := startService(t)

	out, err := run(t, "--addr", addr, "add", "echo", "cli-test")
	if err != nil {
		t.Fatalf("add: %v out=%s", err, out)
	}

	out, err = run(t, "--addr", addr, "programs")
	if err != nil || !strings.Contains(out, "1. echo cli-test") {
		t.Fatalf("programs: %v out=%s", err, out)
	}

	if _, err := run(t, "--addr", addr, "add", "format c:"); err == nil || !strings.Contains(err.Error(), "blacklisted") {
		t.Fatalf("expected blacklisted error, got %v", err)
	}

	out, err = run(t, "--addr", addr, "interval", "2")
	if err != nil || !strings.Contains(out, "2") {
		t.Fatalf("interval: %v out=%s", err, out)
	}
	if _, err := run(t, "--addr", addr, "interval", "soon"); err == nil {
		t.Fatalf("expected error for non-numeric interval")
	}
	if _, err := run(t, "--addr", addr, "interval", "0"); err == nil {
		t.Fatalf("expected error for zero interval")
	}

	saveDir := t.TempDir()
	deadline := time.Now().Add(6 * time.Second)
	for {
		out, err = run(t, "--addr", addr, "output", "echo cli-test", "--save", "--dir", saveDir)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("output: %v out=%s", err, out)
	}
	b, err := os.ReadFile(filepath.Join(saveDir, "echo_cli-test_output.txt"))
	if err != nil {
		t.Fatalf("saved file: %v", err)
	}
	if !strings.Contains(string(b), "cli-test") {
		t.Fatalf("unexpected saved output: %s", b)
	}
}

func TestOutputUnknownCommand(t *testing.T) {
	addr := startService(t)
	if _, err := run(t, "--addr", addr, "output", "never-added"); err == nil || !strings.Contains(err.Error(), "not-found") {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestStopCommand(t *testing.T) {
	addr := startService(t)
	out, err := run(t, "--addr", addr, "stop")
	if err != nil || !strings.Contains(out, "shutting down") {
		t.Fatalf("stop: %v out=%s", err, out)
	}
}

func TestUnreachableServer(t *testing.T) {
	if _, err := run(t, "--addr", "127.0.0.1:1", "--timeout", "500ms", "programs"); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestServeRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[registry]\nmax_interval = 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runServe(context.Background(), path, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected config error")
	}
}
