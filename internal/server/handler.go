package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/cmdloop/internal/fault"
	"github.com/loykin/cmdloop/internal/metrics"
	"github.com/loykin/cmdloop/internal/protocol"
	"github.com/loykin/cmdloop/internal/registry"
	"github.com/loykin/cmdloop/internal/runlog"
)

// Handler answers decoded control requests against the registry and the
// output areas. It holds no per-connection state.
type Handler struct {
	Registry *registry.Registry
	Outputs  *runlog.Store
	// MaxFrameBytes bounds an encoded response; get_output returns the most
	// recent part of a history that would not fit.
	MaxFrameBytes int
	Logger        *slog.Logger
}

// room kept for the response fields around the output text
const envelopeBytes = 4 << 10

// Handle dispatches one request. It reports stop=true when the request asked
// the service to shut down; the caller must send the response first.
func (h *Handler) Handle(_ context.Context, req protocol.Request) (resp protocol.Response, stop bool) {
	action := protocol.NormalizeAction(req.Action)
	switch action {
	case protocol.ActionAddCommand:
		resp = h.addCommand(req)
	case protocol.ActionGetOutput:
		resp = h.getOutput(req)
	case protocol.ActionSetInterval:
		resp = h.setInterval(req)
	case protocol.ActionGetPrograms:
		programs := h.Registry.List()
		resp = protocol.Response{Status: protocol.StatusSuccess, Programs: &programs}
	case protocol.ActionStop:
		resp = protocol.Response{Status: protocol.StatusSuccess, Message: "server is shutting down"}
		stop = true
	default:
		action = "unknown"
		resp = errorResponse(fault.New(fault.KindProtocol, fault.ReasonUnknownAction, "unknown action %q", req.Action))
	}
	metrics.IncRequest(action, resp.Status)
	return resp, stop
}

func (h *Handler) addCommand(req protocol.Request) protocol.Response {
	if err := h.Registry.Add(req.Command); err != nil {
		h.logger().Warn("add command rejected", "command", req.Command, "error", err)
		return errorResponse(err)
	}
	return protocol.Response{Status: protocol.StatusSuccess, Message: "command added"}
}

func (h *Handler) getOutput(req protocol.Request) protocol.Response {
	command := strings.TrimSpace(req.Command)
	if command == "" || !h.Registry.Contains(command) {
		return errorResponse(fault.New(fault.KindNotFound, fault.ReasonNotFound, "command %q is not registered", command))
	}
	slug := registry.Slug(command)
	budget := h.maxFrame() - envelopeBytes
	if budget <= 0 {
		budget = h.maxFrame()
	}
	out, cut, err := h.Outputs.ReadTail(slug, budget)
	if errors.Is(err, runlog.ErrNoOutput) {
		return errorResponse(fault.New(fault.KindNotFound, fault.ReasonNotFound, "no output recorded for %q yet", command))
	}
	if err != nil {
		h.logger().Error("read output failed", "command", command, "error", err)
		return errorResponse(fault.Wrap(fault.KindPersistence, fault.ReasonPersistence, err, "read output"))
	}
	return h.fitOutput(protocol.Response{
		Status:   protocol.StatusSuccess,
		Filename: protocol.OutputFileName(slug),
	}, out, cut)
}

// fitOutput sets text as the response output, dropping its oldest bytes until
// the encoded response fits in one frame. JSON escaping can grow the text, so
// the encoded size is measured rather than estimated.
func (h *Handler) fitOutput(resp protocol.Response, text string, cut bool) protocol.Response {
	limit := h.maxFrame()
	for {
		out := text
		if cut {
			out = runlog.TruncatedMarker + text
		}
		resp.Output = &out
		resp.Truncated = cut
		b, err := json.Marshal(resp)
		if err != nil || len(b) <= limit || text == "" {
			return resp
		}
		// escaping inflates some bytes more than others; shrink in proportion
		// and measure again
		keep := int(int64(len(text)) * int64(limit) / int64(len(b)) * 15 / 16)
		if keep >= len(text) {
			keep = len(text) - 1
		}
		if keep > 0 {
			text, _ = runlog.Tail(text, keep)
		} else {
			text = ""
		}
		cut = true
	}
}

func (h *Handler) maxFrame() int {
	if h.MaxFrameBytes > 0 {
		return h.MaxFrameBytes
	}
	return protocol.DefaultMaxFrame
}

func (h *Handler) setInterval(req protocol.Request) protocol.Response {
	n, err := req.IntervalValue()
	if err != nil {
		return errorResponse(fault.Wrap(fault.KindValidation, fault.ReasonInvalidInterval, err, "invalid interval"))
	}
	if err := h.Registry.SetInterval(n); err != nil {
		return errorResponse(err)
	}
	return protocol.Response{
		Status:   protocol.StatusSuccess,
		Message:  fmt.Sprintf("interval updated: %d s", n),
		Interval: n,
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// errorResponse renders err for the client. Unclassified errors are reported
// as persistence failures, never as success.
func errorResponse(err error) protocol.Response {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.Wrap(fault.KindPersistence, fault.ReasonPersistence, err, "internal error")
	}
	msg := fe.Msg
	if fe.Kind == fault.KindPersistence && fe.Err != nil {
		msg = fe.Error()
	}
	return protocol.Response{
		Status:  protocol.StatusError,
		Message: msg,
		Kind:    string(fe.Kind),
		Reason:  fe.Reason,
	}
}
