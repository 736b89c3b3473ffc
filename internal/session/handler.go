// Package session drives the single request/response exchange carried by one
// predictd connection.
//
// A handler reads one frame, validates it, asks the predictor about each
// login in order, writes one response frame and closes. Whatever happens, the
// socket is closed and the client is removed from the registry before Serve
// returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/predictd/internal/connguard"
	"pkt.systems/predictd/internal/loggingutil"
	"pkt.systems/predictd/internal/predictor"
	"pkt.systems/predictd/internal/registry"
	"pkt.systems/predictd/internal/wire"
)

// State is a step of the connection lifecycle.
type State int

const (
	StateAwaitingRequest State = iota
	StateValidating
	StateDispatching
	StateResponding
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateValidating:
		return "validating"
	case StateDispatching:
		return "dispatching"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Predictor is the gateway consulted for every login.
type Predictor interface {
	Classify(ctx context.Context, login string) (predictor.Prediction, error)
}

// Deregisterer removes a finished client.
type Deregisterer interface {
	Remove(id uint64)
}

// Reporter receives suspicious connection events.
type Reporter interface {
	Report(remote, reason string) bool
}

// Screener vets a fresh connection before its frame is read. A Guard that
// also implements Screener is consulted on the connection's own goroutine.
type Screener interface {
	Screen(conn net.Conn) (net.Conn, error)
}

// Config configures a Handler.
type Config struct {
	// ChunkSize bounds each socket read while accumulating a frame.
	ChunkSize int
	// LegacyErrno sends errno 2 for every error kind, keeping the per-kind
	// message.
	LegacyErrno bool
	// Guard, when set, is told about interrupted and malformed frames. If it
	// implements Screener it also screens each connection first.
	Guard  Reporter
	Logger pslog.Logger
}

// Outcome summarizes a finished exchange.
type Outcome struct {
	State       State
	Errno       wire.Errno
	Predictions int
	Err         error
}

// Handler serves connections. One Handler is shared by all connections.
type Handler struct {
	cfg       Config
	predictor Predictor
	registry  Deregisterer
	logger    pslog.Logger
	tracer    trace.Tracer
	metrics   *sessionMetrics
}

// NewHandler builds a handler.
func NewHandler(cfg Config, p Predictor, reg Deregisterer) *Handler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = wire.DefaultChunkSize
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "session.handler")
	return &Handler{
		cfg:       cfg,
		predictor: p,
		registry:  reg,
		logger:    logger,
		tracer:    otel.Tracer("pkt.systems/predictd/session"),
		metrics:   newSessionMetrics(logger),
	}
}

// Serve runs the exchange for client. It closes the connection and
// deregisters the client on every path, including panics.
func (h *Handler) Serve(ctx context.Context, client *registry.Client) (out Outcome) {
	conn := client.Conn()
	logger := h.logger.With("conn", client.TraceID, "client_id", client.ID, "remote", client.RemoteAddr)
	ctx, span := h.tracer.Start(ctx, "predictd.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("predictd.conn", client.TraceID),
			attribute.Int64("predictd.client_id", int64(client.ID)),
			attribute.String("net.peer.address", client.RemoteAddr),
		))
	start := time.Now()
	h.metrics.begin(ctx)
	logger.Debug("predictd.session.started")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("predictd.session.panic", "state", out.State.String(), "panic", r, "stack", string(debug.Stack()))
			out.State = StateAborted
			out.Err = fmt.Errorf("session: panic: %v", r)
		}
		if conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("predictd.session.close_error", "error", err)
			}
		}
		if h.registry != nil {
			h.registry.Remove(client.ID)
		}
		elapsed := time.Since(start)
		h.metrics.end(ctx, out, elapsed)
		span.SetAttributes(
			attribute.String("predictd.session.state", out.State.String()),
			attribute.Int("predictd.session.errno", int(out.Errno)),
		)
		if out.State == StateAborted {
			if out.Err != nil {
				span.RecordError(out.Err)
			}
			span.SetStatus(codes.Error, "aborted")
		}
		span.End()
		logger.Debug("predictd.session.finished",
			"state", out.State.String(),
			"errno", uint(out.Errno),
			"predictions", out.Predictions,
			"elapsed", elapsed)
	}()

	out.State = StateAwaitingRequest
	if screener, ok := h.cfg.Guard.(Screener); ok {
		screened, err := screener.Screen(conn)
		if err != nil {
			return h.abort(ctx, logger, client, out, connguard.ReasonZeroConnect, err)
		}
		conn = screened
	}
	payload, err := wire.ReadFrame(conn, h.cfg.ChunkSize)
	if err != nil {
		return h.abort(ctx, logger, client, out, connguard.ReasonInterrupted, err)
	}

	out.State = StateValidating
	req, kind, err := parseRequest(payload)
	if err != nil {
		return h.abort(ctx, logger, client, out, connguard.ReasonMalformed, err)
	}
	if kind != wire.ErrnoOK {
		logger.Info("predictd.session.invalid", "errno", kind.String())
		return h.respond(logger, conn, out, wire.Failure(kind, h.cfg.LegacyErrno), kind)
	}

	out.State = StateDispatching
	results, err := h.dispatch(ctx, logger, req.Logins)
	if err != nil {
		logger.Warn("predictd.session.store_unavailable", "logins", len(req.Logins), "error", err)
		out = h.respond(logger, conn, out, wire.Failure(wire.ErrnoDatabase, h.cfg.LegacyErrno), wire.ErrnoDatabase)
		out.State = StateAborted
		if out.Err == nil {
			out.Err = err
		}
		return out
	}
	if len(req.Logins) > 0 && len(results) == 0 {
		return h.respond(logger, conn, out, wire.Failure(wire.ErrnoUnknown, h.cfg.LegacyErrno), wire.ErrnoUnknown)
	}
	out.Predictions = len(results)
	return h.respond(logger, conn, out, wire.Success(results), wire.ErrnoOK)
}

// dispatch classifies each login in order. A transient failure discards the
// partial batch and is returned.
func (h *Handler) dispatch(ctx context.Context, logger pslog.Logger, logins []string) ([]wire.PredictionResult, error) {
	results := make([]wire.PredictionResult, 0, len(logins))
	for _, login := range logins {
		pred, err := h.predictor.Classify(ctx, login)
		switch {
		case err == nil:
			results = append(results, wire.PredictionResult{
				Login:       login,
				Success:     true,
				Experienced: pred.Experienced,
				Beginner:    pred.Beginner,
			})
		case errors.Is(err, predictor.ErrUnavailable):
			return nil, err
		case errors.Is(err, predictor.ErrNotFound):
			results = append(results, wire.NotFound(login))
		default:
			logger.Warn("predictd.session.predict_failed", "login", login, "error", err)
			results = append(results, wire.NotFound(login))
		}
	}
	return results, nil
}

func (h *Handler) respond(logger pslog.Logger, conn net.Conn, out Outcome, resp wire.Response, kind wire.Errno) Outcome {
	out.State = StateResponding
	out.Errno = kind
	if err := wire.WriteMessage(conn, resp); err != nil {
		logger.Warn("predictd.session.send_failed", "errno", kind.String(), "error", err)
		out.State = StateAborted
		out.Err = err
		return out
	}
	out.State = StateClosed
	return out
}

func (h *Handler) abort(ctx context.Context, logger pslog.Logger, client *registry.Client, out Outcome, reason string, err error) Outcome {
	from := out.State
	out.State = StateAborted
	out.Err = err
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		// Closed locally during shutdown, not the peer's doing.
		logger.Debug("predictd.session.aborted", "state", from.String(), "error", err)
		return out
	}
	logger.Warn("predictd.session.aborted", "state", from.String(), "reason", reason, "error", err)
	if h.cfg.Guard != nil {
		h.cfg.Guard.Report(client.RemoteAddr, reason)
	}
	return out
}
