package predictor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"pkt.systems/predictd/internal/stats"
)

// ModelClassifier predicts from a player's stats using a dense Model. The
// model can be replaced at runtime with SetModel.
type ModelClassifier struct {
	store    stats.Store
	defaults []stats.Feature
	current  atomic.Pointer[boundModel]
}

type boundModel struct {
	model    *Model
	features []stats.Feature
}

// NewClassifier binds store and model. features is used when the model file
// does not declare its own inputs.
func NewClassifier(store stats.Store, model *Model, features []stats.Feature) (*ModelClassifier, error) {
	if store == nil {
		return nil, errors.New("predictor: stats store required")
	}
	c := &ModelClassifier{store: store, defaults: append([]stats.Feature(nil), features...)}
	if err := c.SetModel(model); err != nil {
		return nil, err
	}
	return c, nil
}

// SetModel installs model. The swap is atomic; callers that need it ordered
// with predictions run it under Gateway.Exclusive.
func (c *ModelClassifier) SetModel(model *Model) error {
	if model == nil {
		return errors.New("predictor: nil model")
	}
	features := model.DeclaredFeatures()
	if len(features) == 0 {
		features = c.defaults
	}
	if len(features) != model.InputWidth() {
		return fmt.Errorf("predictor: model expects %d inputs, %d features selected", model.InputWidth(), len(features))
	}
	c.current.Store(&boundModel{model: model, features: features})
	return nil
}

// Features returns the feature list feeding the current model.
func (c *ModelClassifier) Features() []stats.Feature {
	return append([]stats.Feature(nil), c.current.Load().features...)
}

// Classify implements Classifier.
func (c *ModelClassifier) Classify(ctx context.Context, login string) (Prediction, error) {
	bound := c.current.Load()
	st, err := c.store.Lookup(ctx, login, bound.features)
	switch {
	case errors.Is(err, stats.ErrNotFound):
		return Prediction{}, ErrNotFound
	case errors.Is(err, stats.ErrUnavailable):
		return Prediction{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case err != nil:
		return Prediction{}, fmt.Errorf("predictor: lookup %q: %w", login, err)
	}
	return bound.model.Predict(st.Vector(bound.features))
}

// Close closes the stats store.
func (c *ModelClassifier) Close() error {
	return c.store.Close()
}
