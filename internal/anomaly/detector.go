// Package anomaly maintains a rolling model of normal query shape and scores
// how unlike prior queries a new one is.
//
// The novelty algorithm is an isolation-forest ensemble over standardized
// feature vectors. Score sign convention: higher means more anomalous;
// scores are centered near zero for typical inputs.
package anomaly

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrDimensionMismatch is returned when a vector's dimensionality differs
// from the one the current model was trained with. This indicates a
// configuration error and is never silently coerced.
var ErrDimensionMismatch = errors.New("feature vector dimension does not match trained model")

// Config controls training cadence and ensemble shape.
type Config struct {
	// MinSamples is the observation count at which the first model is
	// trained. Scoring before that always yields 0.
	MinSamples int
	// RetrainEvery is the number of observations between retrains after the
	// first model exists.
	RetrainEvery int
	// Window caps how many recent observations each (re)train uses.
	Window int
	// Trees and Subsample shape the isolation forest.
	Trees     int
	Subsample int
	// Seed makes training deterministic for a given observation history.
	Seed int64
}

// DefaultConfig mirrors the production cadence: first train at 10
// observations, retrain every 20, sliding window of 100.
func DefaultConfig() Config {
	return Config{
		MinSamples:   10,
		RetrainEvery: 20,
		Window:       100,
		Trees:        100,
		Subsample:    256,
		Seed:         1,
	}
}

// model bundles a trained forest with the scaler it was trained with so the
// pair is always swapped as a unit.
type model struct {
	forest *isolationForest
	scaler *scaler
	dim    int
}

// Detector accumulates observations and scores novelty. Observe and Score
// are safe for concurrent use; retraining replaces the model atomically so
// concurrent scorers see either the old or the new model, never a mix.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex // guards history and total
	history [][]float64
	total   int

	current atomic.Pointer[model]
}

// New creates a detector. Nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	if cfg.RetrainEvery <= 0 {
		cfg.RetrainEvery = DefaultConfig().RetrainEvery
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Trees <= 0 {
		cfg.Trees = DefaultConfig().Trees
	}
	if cfg.Subsample <= 0 {
		cfg.Subsample = DefaultConfig().Subsample
	}
	return &Detector{cfg: cfg, logger: logger}
}

// Trained reports whether a model is available.
func (d *Detector) Trained() bool {
	return d.current.Load() != nil
}

// Observations returns the total number of vectors observed.
func (d *Detector) Observations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Observe appends a feature vector to the history and retrains when the
// cadence requires it: at MinSamples observations and every RetrainEvery
// after that (10, 30, 50, ... with the defaults), each time on at most the
// Window most recent vectors.
func (d *Detector) Observe(vec []float64) {
	d.mu.Lock()
	d.history = append(d.history, vec)
	if len(d.history) > d.cfg.Window {
		d.history = d.history[len(d.history)-d.cfg.Window:]
	}
	d.total++
	n := d.total

	var window [][]float64
	if n >= d.cfg.MinSamples && (n-d.cfg.MinSamples)%d.cfg.RetrainEvery == 0 {
		window = make([][]float64, len(d.history))
		copy(window, d.history)
	}
	d.mu.Unlock()

	if window != nil {
		d.retrain(window, n)
	}
}

// retrain builds a fresh scaler+forest pair and swaps it in. Scoring is
// never blocked for longer than the pointer swap.
func (d *Detector) retrain(window [][]float64, total int) {
	dim := len(window[0])
	for _, row := range window {
		if len(row) != dim {
			d.logger.Error("skipping retrain: inconsistent vector dimensions in window",
				zap.Int("expected", dim), zap.Int("observations", total))
			return
		}
	}

	sc := fitScaler(window)
	rng := rand.New(rand.NewSource(d.cfg.Seed + int64(total)))
	forest := buildForest(sc.transformAll(window), d.cfg.Trees, d.cfg.Subsample, rng)

	d.current.Store(&model{forest: forest, scaler: sc, dim: dim})
	d.logger.Debug("anomaly model retrained",
		zap.Int("observations", total),
		zap.Int("window", len(window)),
		zap.Int("dimensions", dim))
}

// Score returns the novelty score for a feature vector. While untrained it
// returns exactly 0 and never an error. A dimension mismatch against the
// trained model fails loudly with ErrDimensionMismatch.
func (d *Detector) Score(vec []float64) (float64, error) {
	m := d.current.Load()
	if m == nil {
		return 0.0, nil
	}
	if len(vec) != m.dim {
		return 0, fmt.Errorf("%w: got %d, model trained with %d",
			ErrDimensionMismatch, len(vec), m.dim)
	}
	return m.forest.score(m.scaler.transform(vec)), nil
}
