package server

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cmdloop/internal/fault"
	"github.com/loykin/cmdloop/internal/protocol"
	"github.com/loykin/cmdloop/internal/registry"
	"github.com/loykin/cmdloop/internal/runlog"
)

type failingStore struct{ err error }

func (f failingStore) Load() (registry.State, bool, error) { return registry.State{}, true, nil }
func (f failingStore) Save(registry.State) error { return f.err }

func newHandler(t *testing.T, store registry.Store) *Handler {
	t.Helper()
	outputs := runlog.New(filepath.Join(t.TempDir(), "commands"))
	reg := registry.New(store, nil, registry.Options{})
	require.NoError(t, reg.Load())
	return &Handler{Registry: reg, Outputs: outputs}
}

func TestHandlePersistenceFailureIsError(t *testing.T) {
	h := newHandler(t, failingStore{err: errors.New("disk full")})

	resp, stop := h.Handle(context.Background(), protocol.Request{Action: protocol.ActionAddCommand, Command: "echo x"})
	assert.False(t, stop)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, string(fault.KindPersistence), resp.Kind)
	assert.Contains(t, resp.Message, "disk full")
	assert.Empty(t, h.Registry.List())

	resp, _ = h.Handle(context.Background(), protocol.Request{Action: protocol.ActionSetInterval, Interval: protocol.IntervalRaw(3)})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "persistence", resp.Reason)
}

func TestHandleStop(t *testing.T) {
	h := newHandler(t, registry.FileStore{Path: filepath.Join(t.TempDir(), "programs.json")})
	resp, stop := h.Handle(context.Background(), protocol.Request{Action: "STOP"})
	assert.True(t, stop)
	assert.True(t, resp.OK())
}

func TestHandleGetOutputRegisteredWithoutRuns(t *testing.T) {
	h := newHandler(t, registry.FileStore{Path: filepath.Join(t.TempDir(), "programs.json")})
	require.NoError(t, h.Registry.Add("echo later"))

	resp, _ := h.Handle(context.Background(), protocol.Request{Action: protocol.ActionGetOutput, Command: "echo later"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "not-found", resp.Reason)
}

func TestHandleGetProgramsEmptyList(t *testing.T) {
	h := newHandler(t, registry.FileStore{Path: filepath.Join(t.TempDir(), "programs.json")})
	resp, _ := h.Handle(context.Background(), protocol.Request{Action: protocol.ActionGetPrograms})
	require.NotNil(t, resp.Programs)
	assert.Empty(t, *resp.Programs)
}

func TestErrorResponseUnclassified(t *testing.T) {
	resp := errorResponse(errors.New("boom"))
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "persistence", resp.Kind)
	assert.Contains(t, resp.Message, "boom")
}

func TestFitOutputKeepsEncodedResponseInFrame(t *testing.T) {
	h := &Handler{MaxFrameBytes: 512}
	text := strings.Repeat("\x02\"", 400) + "tail\n"

	resp := h.fitOutput(protocol.Response{Status: protocol.StatusSuccess, Filename: "x_output.txt"}, text, false)
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), 512)
	assert.True(t, resp.Truncated)
	require.NotNil(t, resp.Output)
	assert.True(t, strings.HasPrefix(*resp.Output, runlog.TruncatedMarker))
	assert.True(t, strings.HasSuffix(*resp.Output, "tail\n"))

	small := h.fitOutput(protocol.Response{Status: protocol.StatusSuccess}, "ok\n", false)
	assert.False(t, small.Truncated)
	assert.Equal(t, "ok\n", *small.Output)
}
