// Package predictor turns a login into class probabilities. The Gateway is
// the only entry point used by connection handlers; it serializes every
// prediction through one lock so the underlying model never runs
// concurrently.
package predictor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/predictd/internal/loggingutil"
)

var (
	// ErrNotFound reports that the predictor has no data for a login.
	ErrNotFound = errors.New("predictor: login not found")
	// ErrUnavailable reports a transient backend failure. Callers abort the
	// whole request rather than recording a per-login failure.
	ErrUnavailable = errors.New("predictor: backend unavailable")
)

// Prediction holds the class probabilities for one login.
type Prediction struct {
	Experienced float64
	Beginner    float64
}

// Classifier computes a prediction for a single login. Implementations are
// not required to be safe for concurrent use; the Gateway serializes them.
type Classifier interface {
	Classify(ctx context.Context, login string) (Prediction, error)
}

// Gateway serializes Classify calls to an underlying Classifier.
type Gateway struct {
	mu         sync.Mutex
	classifier Classifier
	logger     pslog.Logger
	tracer     trace.Tracer
	metrics    *gatewayMetrics
}

// NewGateway wraps classifier.
func NewGateway(classifier Classifier, logger pslog.Logger) *Gateway {
	logger = loggingutil.WithSubsystem(logger, "predictor.gateway")
	g := &Gateway{
		classifier: classifier,
		logger:     logger,
		tracer:     otel.Tracer("pkt.systems/predictd/predictor"),
	}
	g.metrics = newGatewayMetrics(logger)
	return g
}

// Classify returns the prediction for login. Only one call runs at a time
// across all goroutines. Errors are ErrNotFound, an error wrapping
// ErrUnavailable, or an unclassified failure.
func (g *Gateway) Classify(ctx context.Context, login string) (Prediction, error) {
	ctx, span := g.tracer.Start(ctx, "predictd.predictor.classify",
		trace.WithAttributes(attribute.String("predictd.login", login)))
	defer span.End()

	waitStart := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics.recordWait(ctx, time.Since(waitStart))

	start := time.Now()
	pred, err := g.classifier.Classify(ctx, login)
	elapsed := time.Since(start)
	outcome := outcomeOf(err)
	g.metrics.recordPrediction(ctx, outcome, elapsed)
	span.SetAttributes(attribute.String("predictd.predictor.outcome", outcome))
	switch outcome {
	case "ok", "not_found":
		g.logger.Trace("predictd.predictor.classified", "login", login, "outcome", outcome, "elapsed", elapsed)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		g.logger.Debug("predictd.predictor.failed", "login", login, "outcome", outcome, "error", err)
	}
	return pred, err
}

// Exclusive runs fn while holding the gateway lock. Model swaps go through
// here so they never interleave with a running prediction.
func (g *Gateway) Exclusive(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}

// Close closes the classifier when it holds resources.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if closer, ok := g.classifier.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
