package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrNoEngine = errors.New("no voice model loaded")

// Engine holds the active synthesizer. A failed Load leaves the previous one
// in place. Each synthesis is bounded by timeout when it is positive.
type Engine struct {
	loader  Loader
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.RWMutex
	synth Synthesizer
	model string

	duration metric.Float64Histogram
}

func NewEngine(loader Loader, timeout time.Duration, logger *slog.Logger) *Engine {
	e := &Engine{
		loader:  loader,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "tts-engine")),
	}
	hist, err := otel.Meter("github.com/loqalabs/loqa-scripture/tts").Float64Histogram(
		"scripture.tts.synthesis.duration",
		metric.WithDescription("Time spent synthesizing one chunk"),
		metric.WithUnit("ms"))
	if err != nil {
		e.logger.Warn("failed to create synthesis histogram", slogError(err))
	}
	e.duration = hist
	return e
}

// Load builds a synthesizer for model and swaps it in.
func (e *Engine) Load(ctx context.Context, model string) error {
	synth, err := e.loader.Load(ctx, model)
	if err != nil {
		e.logger.Warn("voice model load failed", slog.String("model", model), slogError(err))
		return err
	}
	e.mu.Lock()
	e.synth = synth
	e.model = model
	e.mu.Unlock()
	return nil
}

// Current returns the active synthesizer and its model name.
func (e *Engine) Current() (Synthesizer, string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.synth, e.model, e.synth != nil
}

func (e *Engine) Loaded() bool {
	_, _, ok := e.Current()
	return ok
}

// Synthesize renders req with the synthesizer active at call time.
func (e *Engine) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	synth, model, ok := e.Current()
	if !ok {
		return Audio{}, ErrNoEngine
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	audio, err := synth.Synthesize(ctx, req)
	if e.duration != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		e.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("result", result)))
	}
	return audio, err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
