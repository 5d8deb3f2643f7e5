package classifier

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"

	"halo/internal/backend"
)

const (
	// DefaultThreshold biases toward fewer false interventions from small models.
	DefaultThreshold   = 0.8
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 100
	DefaultTimeout     = 60 * time.Second
	// DefaultUnavailableAfter is the run of consecutive model errors that
	// drops the active model.
	DefaultUnavailableAfter = 3
)

const (
	ReasonNoModel    = "No model loaded"
	ReasonParse      = "could not parse/determine"
	ReasonTimeout    = "Analysis timed out"
	ReasonConnection = "Connection error"
	ReasonModel      = "Model error"
	ReasonComplete   = "Analysis complete"
)

// Result is a verdict. Confidence is always within [0,1].
type Result struct {
	Danger     bool    `json:"danger"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ModelSource reports the ready model and takes it down after persistent
// failure. *backend.Selector implements it.
type ModelSource interface {
	Active() (string, bool)
	MarkUnavailable(reason string)
}

type Config struct {
	Threshold        float64
	Temperature      float64
	MaxTokens        int
	Timeout          time.Duration
	UnavailableAfter int
}

func (c *Config) applyDefaults() {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UnavailableAfter <= 0 {
		c.UnavailableAfter = DefaultUnavailableAfter
	}
}

// Classifier turns utterances into verdicts. It never returns an error:
// every failure resolves to a safe, zero-confidence Result.
type Classifier struct {
	backend backend.Backend
	models  ModelSource
	cfg     Config

	mu       sync.Mutex
	failures int
}

func New(b backend.Backend, models ModelSource, cfg Config) *Classifier {
	cfg.applyDefaults()
	return &Classifier{backend: b, models: models, cfg: cfg}
}

func (c *Classifier) Classify(ctx context.Context, text string) Result {
	model, ok := c.models.Active()
	if !ok {
		return Result{Reasoning: ReasonNoModel}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	log.Info("Analyzing", "model", model, "chars", len(text))

	raw, err := c.backend.Generate(ctx, model, BuildPrompt(text), backend.Options{
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return c.failure(model, err)
	}
	c.resetFailures()

	log.Debug("Raw verdict", "data", raw)

	return Decide(raw, c.cfg.Threshold)
}

// Decide parses a model reply and applies the threshold policy.
func Decide(raw string, threshold float64) Result {
	v, err := parseVerdict(raw)
	if err != nil {
		log.Warn("Unparseable verdict", "err", err)
		return Result{Reasoning: ReasonParse}
	}

	reasoning := v.reasoning
	if reasoning == "" {
		reasoning = ReasonComplete
	}

	return Result{
		Danger:     v.danger && v.confidence >= threshold,
		Confidence: v.confidence,
		Reasoning:  reasoning,
	}
}

func (c *Classifier) failure(model string, err error) Result {
	switch {
	case errors.Is(err, backend.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		log.Error("Analysis timed out", "model", model, "err", err)
		return Result{Reasoning: ReasonTimeout}

	case errors.Is(err, backend.ErrModel):
		log.Error("Model error", "model", model, "err", err)
		c.mu.Lock()
		c.failures++
		exhausted := c.failures >= c.cfg.UnavailableAfter
		if exhausted {
			c.failures = 0
		}
		c.mu.Unlock()

		if exhausted {
			c.models.MarkUnavailable(err.Error())
		}
		return Result{Reasoning: ReasonModel}

	default:
		log.Error("Analysis failed", "model", model, "err", err)
		return Result{Reasoning: ReasonConnection}
	}
}

func (c *Classifier) resetFailures() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}
