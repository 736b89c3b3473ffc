package predictor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/predictd/internal/stats"
)

const identityModel = `
name: identity
features: [wins, score]
layers:
  - weights: [[1, 0], [0, 1]]
    bias: [0, 0]
    activation: softmax
`

const swappedModel = `
name: swapped
features: [wins, score]
layers:
  - weights: [[0, 1], [1, 0]]
    bias: [0, 0]
    activation: softmax
`

func mustParseModel(t *testing.T, src string) *Model {
	t.Helper()
	m, err := ParseModel([]byte(src))
	if err != nil {
		t.Fatalf("parse model: %v", err)
	}
	return m
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestModelPredictSoftmax(t *testing.T) {
	m := mustParseModel(t, identityModel)
	pred, err := m.Predict([]float64{1, 0})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	want := math.E / (math.E + 1)
	if !closeTo(pred.Experienced, want) || !closeTo(pred.Beginner, 1-want) {
		t.Fatalf("unexpected prediction %+v", pred)
	}
	if !closeTo(pred.Experienced+pred.Beginner, 1) {
		t.Fatalf("softmax does not sum to 1: %+v", pred)
	}
	if _, err := m.Predict([]float64{1}); err == nil {
		t.Fatalf("expected width mismatch error")
	}
}

func TestModelHiddenLayerAndScaling(t *testing.T) {
	m := mustParseModel(t, `
scaling:
  mean: [10, 10, 10]
  scale: [10, 10, 10]
layers:
  - weights: [[1, 1, 1], [-1, -1, -1]]
    bias: [0, 0]
    activation: relu
  - weights: [[2, 0], [0, 2]]
    bias: [0, 0]
    activation: sigmoid
`)
	pred, err := m.Predict([]float64{20, 20, 20})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	// Scaled inputs are 1 each: hidden = relu([3, -3]) = [3, 0].
	if !closeTo(pred.Experienced, 1/(1+math.Exp(-6))) || !closeTo(pred.Beginner, 0.5) {
		t.Fatalf("unexpected prediction %+v", pred)
	}
	if len(m.DeclaredFeatures()) != 0 {
		t.Fatalf("expected no declared features")
	}
}

func TestModelValidation(t *testing.T) {
	cases := map[string]string{
		"no layers":      "layers: []",
		"three outputs":  "layers:\n  - weights: [[1],[1],[1]]\n    bias: [0,0,0]\n    activation: softmax\n",
		"bias mismatch":  "layers:\n  - weights: [[1],[1]]\n    bias: [0]\n    activation: softmax\n",
		"ragged":         "layers:\n  - weights: [[1, 2],[1]]\n    bias: [0, 0]\n    activation: softmax\n",
		"linear output":  "layers:\n  - weights: [[1],[1]]\n    bias: [0, 0]\n",
		"bad activation": "layers:\n  - weights: [[1],[1]]\n    bias: [0, 0]\n    activation: swish\n",
		"feature width":  "features: [wins]\nlayers:\n  - weights: [[1, 1],[1, 1]]\n    bias: [0, 0]\n    activation: softmax\n",
		"bad feature":    "features: [elo]\nlayers:\n  - weights: [[1],[1]]\n    bias: [0, 0]\n    activation: softmax\n",
		"zero scale":     "scaling: {mean: [0], scale: [0]}\nlayers:\n  - weights: [[1],[1]]\n    bias: [0, 0]\n    activation: softmax\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseModel([]byte(src)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestClassifierMapsStoreErrors(t *testing.T) {
	store := stats.NewMemoryStore()
	store.Put(stats.Stats{Login: "alice", Wins: 1})
	c, err := NewClassifier(store, mustParseModel(t, identityModel), nil)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	ctx := context.Background()
	pred, err := c.Classify(ctx, "alice")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if pred.Experienced <= pred.Beginner {
		t.Fatalf("expected experienced to dominate: %+v", pred)
	}
	if _, err := c.Classify(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	store.SetAvailable(false)
	if _, err := c.Classify(ctx, "alice"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClassifierUsesConfiguredFeatures(t *testing.T) {
	store := stats.NewMemoryStore()
	store.Put(stats.Stats{Login: "alice", Locals: 3})
	model := mustParseModel(t, "layers:\n  - weights: [[1],[-1]]\n    bias: [0, 0]\n    activation: sigmoid\n")
	if _, err := NewClassifier(store, model, []stats.Feature{stats.FeatureWins, stats.FeatureLocals}); err == nil {
		t.Fatalf("expected width mismatch")
	}
	c, err := NewClassifier(store, model, []stats.Feature{stats.FeatureLocals})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	pred, err := c.Classify(context.Background(), "alice")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !closeTo(pred.Experienced, 1/(1+math.Exp(-3))) {
		t.Fatalf("unexpected prediction %+v", pred)
	}
}

type slowClassifier struct {
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
	calls  atomic.Int32
	closed atomic.Bool
}

func (s *slowClassifier) Classify(ctx context.Context, login string) (Prediction, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	s.calls.Add(1)
	time.Sleep(s.delay)
	if strings.HasPrefix(login, "missing") {
		return Prediction{}, ErrNotFound
	}
	return Prediction{Experienced: 0.5, Beginner: 0.5}, nil
}

func (s *slowClassifier) Close() error {
	s.closed.Store(true)
	return nil
}

func TestGatewaySerializesPredictions(t *testing.T) {
	inner := &slowClassifier{delay: 20 * time.Millisecond}
	gw := NewGateway(inner, nil)
	const workers = 6
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gw.Classify(context.Background(), "alice"); err != nil {
				t.Errorf("classify: %v", err)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	if got := inner.peak.Load(); got != 1 {
		t.Fatalf("peak concurrency=%d want 1", got)
	}
	if got := inner.calls.Load(); got != workers {
		t.Fatalf("calls=%d want %d", got, workers)
	}
	if min := workers * inner.delay; elapsed < min {
		t.Fatalf("elapsed %v shorter than serialized minimum %v", elapsed, min)
	}
}

func TestGatewayPassesErrorsAndCloses(t *testing.T) {
	inner := &slowClassifier{}
	gw := NewGateway(inner, nil)
	if _, err := gw.Classify(context.Background(), "missing-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !inner.closed.Load() {
		t.Fatalf("classifier not closed")
	}
}

func TestWatcherReloadsModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.yaml")
	if err := os.WriteFile(path, []byte(identityModel), 0o600); err != nil {
		t.Fatalf("write model: %v", err)
	}
	store := stats.NewMemoryStore()
	store.Put(stats.Stats{Login: "alice", Wins: 1})
	model, err := LoadModel(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c, err := NewClassifier(store, model, nil)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	gw := NewGateway(c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := WatchModel(ctx, path, gw, c, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	// A broken file keeps the old model.
	if err := os.WriteFile(path, []byte("layers: ["), 0o600); err != nil {
		t.Fatalf("write broken model: %v", err)
	}
	time.Sleep(3 * DefaultReloadDebounce)
	pred, err := gw.Classify(ctx, "alice")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if pred.Experienced <= pred.Beginner {
		t.Fatalf("broken reload replaced model: %+v", pred)
	}

	tmp := filepath.Join(dir, "model.yaml.tmp")
	if err := os.WriteFile(tmp, []byte(swappedModel), 0o600); err != nil {
		t.Fatalf("write swapped model: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		pred, err = gw.Classify(ctx, "alice")
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if pred.Beginner > pred.Experienced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("model not reloaded: %+v", pred)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close watcher: %v", err)
	}
}
