package predictor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pkt.systems/predictd/internal/stats"
)

// Activation names a layer's output function.
type Activation string

const (
	ActivationLinear  Activation = "linear"
	ActivationReLU    Activation = "relu"
	ActivationSigmoid Activation = "sigmoid"
	ActivationTanh    Activation = "tanh"
	ActivationSoftmax Activation = "softmax"
)

// OutputWidth is the number of model outputs: experienced then beginner.
const OutputWidth = 2

// Layer is one dense layer. Weights is indexed [output][input].
type Layer struct {
	Weights    [][]float64 `yaml:"weights"`
	Bias       []float64   `yaml:"bias"`
	Activation Activation  `yaml:"activation"`
}

// Scaling standardizes inputs as (x - mean) / scale before the first layer.
type Scaling struct {
	Mean  []float64 `yaml:"mean"`
	Scale []float64 `yaml:"scale"`
}

// Model is a feed-forward dense network loaded from YAML.
type Model struct {
	Name     string   `yaml:"name,omitempty"`
	Features []string `yaml:"features,omitempty"`
	Scaling  *Scaling `yaml:"scaling,omitempty"`
	Layers   []Layer  `yaml:"layers"`

	features []stats.Feature
}

// LoadModel reads and validates a model file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("predictor: read model %q: %w", path, err)
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, fmt.Errorf("predictor: model %q: %w", path, err)
	}
	return m, nil
}

// ParseModel decodes and validates a YAML model.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks layer shapes and resolves the declared features.
func (m *Model) Validate() error {
	if len(m.Layers) == 0 {
		return errors.New("model has no layers")
	}
	if len(m.Features) > 0 {
		parsed, err := stats.ParseFeatures(strings.Join(m.Features, ","))
		if err != nil {
			return err
		}
		m.features = parsed
	}
	width := len(m.Layers[0].firstRow())
	if width == 0 {
		return errors.New("layer 0 has no weights")
	}
	if len(m.features) > 0 && len(m.features) != width {
		return fmt.Errorf("layer 0 expects %d inputs, model declares %d features", width, len(m.features))
	}
	if m.Scaling != nil && (len(m.Scaling.Mean) != width || len(m.Scaling.Scale) != width) {
		return fmt.Errorf("scaling expects %d values", width)
	}
	if m.Scaling != nil {
		for i, s := range m.Scaling.Scale {
			if s == 0 {
				return fmt.Errorf("scaling scale[%d] is zero", i)
			}
		}
	}
	for i, layer := range m.Layers {
		if len(layer.Weights) == 0 {
			return fmt.Errorf("layer %d has no weights", i)
		}
		for j, row := range layer.Weights {
			if len(row) != width {
				return fmt.Errorf("layer %d row %d has %d inputs, want %d", i, j, len(row), width)
			}
		}
		if len(layer.Bias) != len(layer.Weights) {
			return fmt.Errorf("layer %d has %d biases for %d outputs", i, len(layer.Bias), len(layer.Weights))
		}
		switch layer.Activation {
		case "":
			m.Layers[i].Activation = ActivationLinear
		case ActivationLinear, ActivationReLU, ActivationSigmoid, ActivationTanh, ActivationSoftmax:
		default:
			return fmt.Errorf("layer %d has unknown activation %q", i, layer.Activation)
		}
		width = len(layer.Weights)
	}
	if width != OutputWidth {
		return fmt.Errorf("model outputs %d values, want %d", width, OutputWidth)
	}
	switch m.Layers[len(m.Layers)-1].Activation {
	case ActivationSoftmax, ActivationSigmoid:
	default:
		return errors.New("output layer must use softmax or sigmoid")
	}
	return nil
}

// InputWidth returns the number of inputs the first layer consumes.
func (m *Model) InputWidth() int {
	if len(m.Layers) == 0 {
		return 0
	}
	return len(m.Layers[0].firstRow())
}

// DeclaredFeatures returns the features named in the model file, if any.
func (m *Model) DeclaredFeatures() []stats.Feature {
	return append([]stats.Feature(nil), m.features...)
}

// Predict evaluates the network on inputs.
func (m *Model) Predict(inputs []float64) (Prediction, error) {
	if len(inputs) != m.InputWidth() {
		return Prediction{}, fmt.Errorf("predictor: got %d inputs, model expects %d", len(inputs), m.InputWidth())
	}
	x := make([]float64, len(inputs))
	copy(x, inputs)
	if m.Scaling != nil {
		for i := range x {
			x[i] = (x[i] - m.Scaling.Mean[i]) / m.Scaling.Scale[i]
		}
	}
	for _, layer := range m.Layers {
		x = layer.forward(x)
	}
	for _, v := range x {
		if math.IsNaN(v) {
			return Prediction{}, errors.New("predictor: model produced NaN")
		}
	}
	return Prediction{Experienced: x[0], Beginner: x[1]}, nil
}

func (l Layer) firstRow() []float64 {
	if len(l.Weights) == 0 {
		return nil
	}
	return l.Weights[0]
}

func (l Layer) forward(in []float64) []float64 {
	out := make([]float64, len(l.Weights))
	for i, row := range l.Weights {
		sum := l.Bias[i]
		for j, w := range row {
			sum += w * in[j]
		}
		out[i] = sum
	}
	switch l.Activation {
	case ActivationReLU:
		for i, v := range out {
			out[i] = math.Max(0, v)
		}
	case ActivationSigmoid:
		for i, v := range out {
			out[i] = 1 / (1 + math.Exp(-v))
		}
	case ActivationTanh:
		for i, v := range out {
			out[i] = math.Tanh(v)
		}
	case ActivationSoftmax:
		softmax(out)
	}
	return out
}

func softmax(v []float64) {
	peak := math.Inf(-1)
	for _, x := range v {
		peak = math.Max(peak, x)
	}
	var sum float64
	for i, x := range v {
		v[i] = math.Exp(x - peak)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}
