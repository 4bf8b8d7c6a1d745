package scripture

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/loqalabs/loqa-scripture/internal/canon"
	"github.com/loqalabs/loqa-scripture/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultMinLength = 100
)

// Options tune a Resolver. Zero values fall back to the defaults.
type Options struct {
	Timeout   time.Duration
	MinLength int
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver walks the provider chain in order and returns the first text that
// passes the length check.
type Resolver struct {
	providers []Provider
	timeout   time.Duration
	minLength int
	cache     *expirable.LRU[ChapterRef, ResolvedText]
	logger    *slog.Logger

	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func NewResolver(providers []Provider, opts Options, logger *slog.Logger) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	r := &Resolver{
		providers: providers,
		timeout:   opts.Timeout,
		minLength: opts.MinLength,
		logger:    logger.With(slog.String("component", "scripture-resolver")),
	}
	if opts.CacheSize > 0 {
		r.cache = expirable.NewLRU[ChapterRef, ResolvedText](opts.CacheSize, nil, opts.CacheTTL)
	}
	r.initMetrics()
	return r
}

// FromConfig builds the provider chain described by cfg.
func FromConfig(cfg config.ProvidersConfig, cacheCfg config.CacheConfig, books *canon.Catalog, client *http.Client, logger *slog.Logger) *Resolver {
	if client == nil {
		client = &http.Client{}
	}
	var providers []Provider
	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		switch src.Name {
		case "bibleapi":
			providers = append(providers, NewBibleAPI(src.BaseURL, client, cfg.UserAgent))
		case "labs":
			providers = append(providers, NewLabs(src.BaseURL, client, cfg.UserAgent))
		case "getbible":
			providers = append(providers, NewGetBible(src.BaseURL, client, cfg.UserAgent, books))
		default:
			logger.Warn("unknown text provider ignored", slog.String("provider", src.Name))
		}
	}
	opts := Options{
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		MinLength: cfg.MinTextLength,
	}
	if cacheCfg.Enabled {
		opts.CacheSize = cacheCfg.Size
		opts.CacheTTL = time.Duration(cacheCfg.TTLMinutes) * time.Minute
	}
	return NewResolver(providers, opts, logger)
}

func (r *Resolver) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-scripture/scripture")
	var err error
	r.attempts, err = meter.Int64Counter("scripture.provider.attempts",
		metric.WithDescription("Text provider calls by outcome"))
	if err != nil {
		r.logger.Warn("failed to create attempts counter", slogError(err))
	}
	r.duration, err = meter.Float64Histogram("scripture.resolve.duration",
		metric.WithDescription("Chapter resolution latency"),
		metric.WithUnit("ms"))
	if err != nil {
		r.logger.Warn("failed to create resolve histogram", slogError(err))
	}
}

// Providers returns the provider names in fallback order.
func (r *Resolver) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Resolve returns the chapter text. It never fails; when every provider is
// exhausted the result is Unavailable(ref).
func (r *Resolver) Resolve(ctx context.Context, ref ChapterRef) ResolvedText {
	start := time.Now()
	defer func() {
		if r.duration != nil {
			r.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	if r.cache != nil {
		if hit, ok := r.cache.Get(ref); ok {
			return hit
		}
	}

	for i, p := range r.providers {
		if ctx.Err() != nil {
			break
		}
		text, err := r.try(ctx, p, ref)
		if err != nil {
			r.logger.Warn("text provider failed",
				slog.String("provider", p.Name()),
				slog.String("code", p.Code(ref.Translation)),
				slog.String("ref", ref.String()),
				slogError(err))
			r.count(ctx, p.Name(), outcome(err))
			continue
		}
		r.count(ctx, p.Name(), "ok")
		r.logger.Info("chapter resolved",
			slog.String("provider", p.Name()),
			slog.String("ref", ref.String()),
			slog.Int("length", len(text)))
		resolved := ResolvedText{Ref: ref, Text: text, ProviderIndex: i, Provider: p.Name()}
		if r.cache != nil {
			r.cache.Add(ref, resolved)
		}
		return resolved
	}

	r.logger.Error("all text providers failed", slog.String("ref", ref.String()))
	return Unavailable(ref)
}

var errTooShort = errors.New("text below minimum length")

func (r *Resolver) try(ctx context.Context, p Provider, ref ChapterRef) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	verses, err := p.Fetch(ctx, ref)
	if err != nil {
		return "", err
	}
	text := JoinVerses(verses)
	if utf8.RuneCountInString(text) <= r.minLength {
		return "", errTooShort
	}
	return text, nil
}

// JoinVerses trims each verse and joins the non-empty ones with single spaces.
func JoinVerses(verses []string) string {
	parts := make([]string, 0, len(verses))
	for _, v := range verses {
		if s := strings.Join(strings.Fields(v), " "); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (r *Resolver) count(ctx context.Context, provider, result string) {
	if r.attempts == nil {
		return
	}
	r.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", result),
	))
}

func outcome(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errTooShort):
		return "short"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "error"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
