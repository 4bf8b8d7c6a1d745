// Package session owns the single listening session of the process: the book
// being read, the chapter pointer, the prefetch buffer and the loaded voice.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scripture/internal/canon"
	"github.com/loqalabs/loqa-scripture/internal/prefetch"
	"github.com/loqalabs/loqa-scripture/internal/protocol"
	"github.com/loqalabs/loqa-scripture/internal/scripture"
	"github.com/loqalabs/loqa-scripture/internal/segment"
	"github.com/loqalabs/loqa-scripture/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrEngineUnavailable = errors.New("no model loaded")
	ErrModelLoad         = errors.New("voice model load failed")
	ErrInvalidRequest    = errors.New("invalid session request")
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopped  State = "stopped"
)

const DefaultTranslation = "KJV"

// Params are the arguments of Start.
type Params struct {
	Book        string
	Chapter     int
	Translation string
	VoiceModel  string
	BookOrder   string
}

// Status is a point-in-time view of the session.
type Status struct {
	SessionID   string `json:"session_id,omitempty"`
	State       State  `json:"state"`
	Active      bool   `json:"active"`
	Book        string `json:"book"`
	Chapter     int    `json:"chapter"`
	Translation string `json:"translation"`
	Voice       string `json:"voice"`
	BookOrder   string `json:"book_order"`
	Buffer      int    `json:"buffer"`
}

// Chapter is what AdvanceChapter hands to the listener.
type Chapter struct {
	Book      string
	Number    int
	Text      string
	Available bool
}

// RenderRequest addresses one chunk of one chapter.
type RenderRequest struct {
	Chapter int
	Index   int
	Voice   string
	Speed   float64
}

// Rendered is one chunk encoded as WAV.
type Rendered struct {
	WAV        []byte
	Index      int
	Total      int
	SampleRate int
	Text       string
}

// Publisher announces session events, usually on the bus.
type Publisher interface {
	PublishSession(evt protocol.SessionEvent) error
}

// Recorder keeps the listening timeline.
type Recorder interface {
	Record(ctx context.Context, evt protocol.SessionEvent) error
}

// Deps are the collaborators of a Session. Publisher and Recorder are optional.
type Deps struct {
	Books     *canon.Catalog
	Resolver  prefetch.Resolver
	Buffer    *prefetch.Buffer
	Engine    *tts.Engine
	Publisher Publisher
	Recorder  Recorder
}

// Options carry the defaults applied to requests that leave fields empty.
type Options struct {
	ChunkSize    int
	DefaultModel string
	DefaultVoice string
	DefaultSpeed float64
}

// Session serializes start, advance, render and stop under one mutex.
// Status reads a snapshot and never blocks on that mutex.
type Session struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	id          string
	params      Params
	current     int
	currentText string
	engineReady bool

	snapshot atomic.Pointer[Status]

	chapters metric.Int64Counter
	renders  metric.Int64Counter
}

func New(deps Deps, opts Options, logger *slog.Logger) *Session {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = segment.DefaultSize
	}
	if opts.DefaultSpeed <= 0 {
		opts.DefaultSpeed = 1
	}
	s := &Session{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "session")),
		state:  StateIdle,
	}
	s.initMetrics()
	s.publishStatusLocked()
	return s
}

func (s *Session) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-scripture/session")
	var err error
	s.chapters, err = meter.Int64Counter("scripture.session.chapters",
		metric.WithDescription("Chapters handed to the listener"))
	if err != nil {
		s.logger.Warn("failed to create chapters counter", slogError(err))
	}
	s.renders, err = meter.Int64Counter("scripture.session.renders",
		metric.WithDescription("Chunk render requests by result"))
	if err != nil {
		s.logger.Warn("failed to create renders counter", slogError(err))
	}
}

// Start begins a new session. The voice model is loaded first; when that fails
// the parameters are still recorded but the session is not active and audio
// requests report ErrEngineUnavailable until a later Start succeeds.
func (s *Session) Start(ctx context.Context, p Params) (Status, error) {
	p, err := s.normalize(p)
	if err != nil {
		return s.Status(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	s.state = StateStarting
	s.publishStatusLocked()

	// the previous session ends here whatever happens next
	s.deps.Buffer.Close()
	if prev == StateActive {
		s.emitLocked(ctx, protocol.EventStopped, s.current, true)
	}

	s.params = p
	s.current = p.Chapter
	s.currentText = ""

	if err := s.deps.Engine.Load(ctx, p.VoiceModel); err != nil {
		s.engineReady = false
		s.id = ""
		if prev == StateIdle {
			s.state = StateIdle
		} else {
			s.state = StateStopped
		}
		s.publishStatusLocked()
		s.logger.Error("session start failed",
			slog.String("book", p.Book),
			slog.String("voice_model", p.VoiceModel),
			slogError(err))
		return *s.snapshot.Load(), fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	s.engineReady = true
	s.id = uuid.NewString()

	// a dropped client must not leave the buffer full of unavailable notices
	depth := s.deps.Buffer.Seed(context.WithoutCancel(ctx), p.Book, p.Chapter, p.Translation)
	s.state = StateActive
	s.publishStatusLocked()
	s.emitLocked(ctx, protocol.EventStarted, p.Chapter, true)
	s.logger.Info("session started",
		slog.String("session_id", s.id),
		slog.String("book", p.Book),
		slog.Int("chapter", p.Chapter),
		slog.String("translation", p.Translation),
		slog.String("voice_model", p.VoiceModel),
		slog.String("book_order", p.BookOrder),
		slog.Int("buffer", depth))
	return s.Status(), nil
}

func (s *Session) normalize(p Params) (Params, error) {
	book, ok := s.deps.Books.Lookup(p.Book)
	if !ok {
		return p, fmt.Errorf("%w: %w %q", ErrInvalidRequest, canon.ErrUnknownBook, p.Book)
	}
	p.Book = book.Name
	if err := s.deps.Books.CheckChapter(p.Book, p.Chapter); err != nil {
		return p, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	p.Translation = strings.ToUpper(strings.TrimSpace(p.Translation))
	if p.Translation == "" {
		p.Translation = DefaultTranslation
	}
	p.VoiceModel = strings.TrimSpace(p.VoiceModel)
	if p.VoiceModel == "" {
		p.VoiceModel = s.opts.DefaultModel
	}
	p.BookOrder = string(canon.ParseOrder(p.BookOrder))
	return p, nil
}

// Status returns the latest snapshot with the live buffer depth.
func (s *Session) Status() Status {
	st := *s.snapshot.Load()
	if st.Active {
		st.Buffer = s.deps.Buffer.Len()
	}
	return st
}

// AdvanceChapter hands out the next buffered chapter. The boolean is false at
// the end of the stream, which includes a stopped or never started session.
// While a refill is in flight the session mutex is released, so Stop, Start
// and RenderChunk never wait on provider latency.
func (s *Session) AdvanceChapter(ctx context.Context) (Chapter, bool, error) {
	s.mu.Lock()
	for {
		if s.state != StateActive {
			s.mu.Unlock()
			return Chapter{}, false, nil
		}
		entry, wait, err := s.deps.Buffer.TryTake()
		if wait == nil {
			if errors.Is(err, prefetch.ErrExhausted) {
				s.logger.Info("end of book reached",
					slog.String("session_id", s.id),
					slog.String("book", s.params.Book),
					slog.Int("chapter", s.current))
				s.mu.Unlock()
				return Chapter{}, false, nil
			}
			ch := s.advanceLocked(ctx, entry)
			s.mu.Unlock()
			return ch, true, nil
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Chapter{}, false, ctx.Err()
		}
		s.mu.Lock()
	}
}

func (s *Session) advanceLocked(ctx context.Context, entry prefetch.Entry) Chapter {
	if entry.Chapter > s.current {
		s.current = entry.Chapter
	}
	s.currentText = ""
	if entry.Available {
		s.currentText = entry.Text
	}
	s.publishStatusLocked()
	s.emitLocked(ctx, protocol.EventChapter, entry.Chapter, entry.Available)
	if s.chapters != nil {
		s.chapters.Add(ctx, 1, metric.WithAttributes(attribute.Bool("available", entry.Available)))
	}
	s.logger.Info("chapter advanced",
		slog.String("session_id", s.id),
		slog.String("book", s.params.Book),
		slog.Int("chapter", entry.Chapter),
		slog.Int("text_length", len(entry.Text)),
		slog.Bool("available", entry.Available))
	return Chapter{Book: s.params.Book, Number: entry.Chapter, Text: entry.Text, Available: entry.Available}
}

// Stop ends the session and empties the buffer. Refills still in flight are
// discarded when they complete.
func (s *Session) Stop(ctx context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deps.Buffer.Close()
	if s.state == StateActive || s.state == StateStarting {
		s.emitLocked(ctx, protocol.EventStopped, s.current, true)
		s.logger.Info("session stopped",
			slog.String("session_id", s.id),
			slog.String("book", s.params.Book),
			slog.Int("chapter", s.current))
		s.state = StateStopped
	}
	s.currentText = ""
	s.publishStatusLocked()
	return *s.snapshot.Load()
}

// RenderChunk synthesizes chunk req.Index of chapter req.Chapter of the
// session's book. Text comes from the current chapter or the buffer when they
// hold it, otherwise it is resolved again. Provider and synthesis work runs
// outside the session mutex.
func (s *Session) RenderChunk(ctx context.Context, req RenderRequest) (Rendered, error) {
	s.mu.Lock()
	if !s.engineReady {
		s.mu.Unlock()
		s.countRender(ctx, "no_engine")
		return Rendered{}, ErrEngineUnavailable
	}
	book, translation := s.params.Book, s.params.Translation
	text := ""
	if req.Chapter == s.current && s.currentText != "" {
		text = s.currentText
	} else if e, ok := s.deps.Buffer.Peek(req.Chapter); ok && e.Available {
		text = e.Text
	}
	s.mu.Unlock()

	if req.Chapter < 1 {
		s.countRender(ctx, "bad_request")
		return Rendered{}, fmt.Errorf("%w: chapter %d", ErrInvalidRequest, req.Chapter)
	}
	if text == "" {
		ref := scripture.ChapterRef{Book: book, Chapter: req.Chapter, Translation: translation}
		text = s.deps.Resolver.Resolve(ctx, ref).Text
	}

	chunk, total, err := segment.Chunk(text, req.Index, s.opts.ChunkSize)
	if err != nil {
		s.countRender(ctx, "out_of_range")
		return Rendered{}, err
	}

	wav, rate, err := s.synthesize(ctx, chunk, req.Voice, req.Speed)
	if err != nil {
		return Rendered{}, fmt.Errorf("render %s %d chunk %d: %w", book, req.Chapter, req.Index, err)
	}
	s.logger.Debug("chunk rendered",
		slog.String("book", book),
		slog.Int("chapter", req.Chapter),
		slog.Int("chunk", req.Index),
		slog.Int("total", total),
		slog.Int("wav_bytes", len(wav)))
	return Rendered{WAV: wav, Index: req.Index, Total: total, SampleRate: rate, Text: chunk}, nil
}

// RenderText speaks arbitrary text with the session's voice. Like RenderChunk
// it reports ErrEngineUnavailable until a Start has succeeded.
func (s *Session) RenderText(ctx context.Context, text, voice string, speed float64) (Rendered, error) {
	s.mu.Lock()
	ready := s.engineReady
	s.mu.Unlock()
	if !ready {
		s.countRender(ctx, "no_engine")
		return Rendered{}, ErrEngineUnavailable
	}
	wav, rate, err := s.synthesize(ctx, text, voice, speed)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{WAV: wav, Total: 1, SampleRate: rate, Text: text}, nil
}

func (s *Session) synthesize(ctx context.Context, text, voice string, speed float64) ([]byte, int, error) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = s.opts.DefaultVoice
	}
	if speed <= 0 {
		speed = s.opts.DefaultSpeed
	}

	start := time.Now()
	audio, err := s.deps.Engine.Synthesize(ctx, tts.SynthRequest{Text: text, Voice: voice, Speed: speed})
	if errors.Is(err, tts.ErrNoEngine) {
		s.countRender(ctx, "no_engine")
		return nil, 0, ErrEngineUnavailable
	}
	if err != nil {
		s.countRender(ctx, "error")
		return nil, 0, fmt.Errorf("synthesize: %w", err)
	}
	wav, err := tts.EncodeWAV(audio)
	if err != nil {
		s.countRender(ctx, "error")
		return nil, 0, err
	}
	s.countRender(ctx, "ok")
	s.logger.Debug("speech synthesized",
		slog.String("voice", voice),
		slog.Float64("speed", speed),
		slog.Int("samples", len(audio.Samples)),
		slog.Duration("elapsed", time.Since(start)))
	return wav, audio.SampleRate, nil
}

func (s *Session) countRender(ctx context.Context, result string) {
	if s.renders == nil {
		return
	}
	s.renders.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (s *Session) publishStatusLocked() {
	st := &Status{
		SessionID:   s.id,
		State:       s.state,
		Active:      s.state == StateActive,
		Book:        s.params.Book,
		Chapter:     s.current,
		Translation: s.params.Translation,
		Voice:       s.params.VoiceModel,
		BookOrder:   s.params.BookOrder,
	}
	s.snapshot.Store(st)
}

func (s *Session) emitLocked(ctx context.Context, kind protocol.EventKind, chapter int, available bool) {
	if s.id == "" {
		return
	}
	evt := protocol.SessionEvent{
		SessionID:   s.id,
		Kind:        kind,
		Book:        s.params.Book,
		Chapter:     chapter,
		Translation: s.params.Translation,
		Voice:       s.params.VoiceModel,
		BookOrder:   s.params.BookOrder,
		Available:   available,
		Timestamp:   time.Now().UTC(),
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishSession(evt); err != nil {
			s.logger.Warn("failed to publish session event", slog.String("kind", string(kind)), slogError(err))
		}
	}
	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.Record(context.WithoutCancel(ctx), evt); err != nil {
			s.logger.Warn("failed to record session event", slog.String("kind", string(kind)), slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
