package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shini4i/bandwhich-bridge/internal/control/protocol"
	"github.com/shini4i/bandwhich-bridge/internal/session"
)

// Controller is the session surface the dispatcher drives.
type Controller interface {
	SetInterface(ctx context.Context, iface string) error
	Limit(ctx context.Context, app string) error
	Poll() session.PollResult
	Stop()
}

// Dispatcher translates protocol requests into session calls.
type Dispatcher struct {
	session Controller
}

// NewDispatcher creates a dispatcher for the given session.
func NewDispatcher(ctrl Controller) *Dispatcher {
	return &Dispatcher{session: ctrl}
}

// HandleRequest processes a request and returns a response.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodPing:
		return protocol.NewPongResponse()
	case protocol.MethodInterface:
		return d.handleInterface(ctx, req)
	case protocol.MethodLimit:
		return d.handleLimit(ctx, req)
	case protocol.MethodPoll:
		return d.handlePoll(ctx)
	case protocol.MethodStop:
		slog.Info("Stop requested", "request_id", RequestID(ctx))
		d.session.Stop()
		return protocol.NewEmptyResponse()
	default:
		slog.Warn("Unknown method", "request_id", RequestID(ctx), "method", req.Method)
		return protocol.NewEmptyResponse()
	}
}

func (d *Dispatcher) handleInterface(ctx context.Context, req *protocol.Request) *protocol.Response {
	slog.Info("Interface requested", "request_id", RequestID(ctx), "interface", req.Interface)

	if err := d.session.SetInterface(ctx, req.Interface); err != nil {
		if errors.Is(err, session.ErrStopped) {
			return protocol.NewErrorResponse(http.StatusConflict, protocol.ErrCodeInvalidState, err.Error())
		}
		slog.Error("Failed to set interface", "interface", req.Interface, "error", err)
		return protocol.NewErrorResponse(http.StatusInternalServerError, protocol.ErrCodeMonitorFailed, err.Error())
	}
	return protocol.NewEmptyResponse()
}

func (d *Dispatcher) handleLimit(ctx context.Context, req *protocol.Request) *protocol.Response {
	slog.Info("Limit requested", "request_id", RequestID(ctx), "app", req.App)

	if err := d.session.Limit(ctx, req.App); err != nil {
		if errors.Is(err, session.ErrStopped) || errors.Is(err, session.ErrNotRunning) {
			return protocol.NewErrorResponse(http.StatusConflict, protocol.ErrCodeInvalidState, err.Error())
		}
		slog.Error("Failed to limit application", "app", req.App, "error", err)
		return protocol.NewErrorResponse(http.StatusInternalServerError, protocol.ErrCodeLimitFailed, err.Error())
	}
	return protocol.NewEmptyResponse()
}

func (d *Dispatcher) handlePoll(ctx context.Context) *protocol.Response {
	result := d.session.Poll()
	resp, err := protocol.NewPollResponse(result.Programs, result.Stop)
	if err != nil {
		slog.Error("Failed to encode poll response", "request_id", RequestID(ctx), "error", err)
		return protocol.NewErrorResponse(http.StatusInternalServerError, protocol.ErrCodeInternalError, err.Error())
	}
	return resp
}
