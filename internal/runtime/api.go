package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/loqalabs/loqa-scripture/internal/canon"
	"github.com/loqalabs/loqa-scripture/internal/config"
	"github.com/loqalabs/loqa-scripture/internal/eventstore"
	"github.com/loqalabs/loqa-scripture/internal/prefetch"
	"github.com/loqalabs/loqa-scripture/internal/scripture"
	"github.com/loqalabs/loqa-scripture/internal/segment"
	"github.com/loqalabs/loqa-scripture/internal/session"
	"github.com/loqalabs/loqa-scripture/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	previewLength = 500
	testAudioText = "This is a test of the audio system."
)

// API serves the listening endpoints under /api.
type API struct {
	session  *session.Session
	resolver prefetch.Resolver
	books    *canon.Catalog
	engine   *tts.Engine
	history  *eventstore.Store
	tts      config.TTSConfig
	segSize  int
	logger   *slog.Logger
	tracer   trace.Tracer
}

// APIDeps are the components the API fronts. History may be nil.
type APIDeps struct {
	Session  *session.Session
	Resolver prefetch.Resolver
	Books    *canon.Catalog
	Engine   *tts.Engine
	History  *eventstore.Store
}

func NewAPI(deps APIDeps, cfg config.Config, logger *slog.Logger) *API {
	return &API{
		session:  deps.Session,
		resolver: deps.Resolver,
		books:    deps.Books,
		engine:   deps.Engine,
		history:  deps.History,
		tts:      cfg.TTS,
		segSize:  cfg.Segmenter.ChunkSize,
		logger:   logger.With(slog.String("component", "api")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-scripture/runtime"),
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/start", a.traced("api.start", a.handleStart))
	mux.Handle("GET /api/status", a.traced("api.status", a.handleStatus))
	mux.Handle("GET /api/next_chapter", a.traced("api.next_chapter", a.handleNextChapter))
	mux.Handle("GET /api/stream_audio/{chapter}", a.traced("api.stream_audio", a.handleStreamAudio))
	mux.Handle("POST /api/stop", a.traced("api.stop", a.handleStop))
	mux.Handle("GET /api/books", a.traced("api.books", a.handleBooks))
	mux.Handle("GET /api/models", a.traced("api.models", a.handleModels))
	mux.Handle("GET /api/test_chapter", a.traced("api.test_chapter", a.handleTestChapter))
	mux.Handle("GET /api/test_audio", a.traced("api.test_audio", a.handleTestAudio))
	mux.Handle("GET /api/history", a.traced("api.history", a.handleHistory))
}

func (a *API) traced(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := a.tracer.Start(r.Context(), name, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path)))
		defer span.End()
		h(w, r.WithContext(ctx))
	})
}

type startRequest struct {
	Book        string `json:"book"`
	Chapter     int    `json:"chapter"`
	Translation string `json:"translation"`
	VoiceModel  string `json:"voice_model"`
	BookOrder   string `json:"book_order"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body: " + err.Error()})
		return
	}
	if req.Chapter == 0 {
		req.Chapter = 1
	}
	st, err := a.session.Start(r.Context(), session.Params{
		Book:        req.Book,
		Chapter:     req.Chapter,
		Translation: req.Translation,
		VoiceModel:  req.VoiceModel,
		BookOrder:   req.BookOrder,
	})
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error(), "session": st})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "started", "session": st})
	}
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *API) handleNextChapter(w http.ResponseWriter, r *http.Request) {
	ch, ok, err := a.session.AdvanceChapter(r.Context())
	if err != nil {
		a.logger.Warn("advance chapter failed", slogError(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"end": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chapter":     ch.Number,
		"book":        ch.Book,
		"text":        preview(ch.Text),
		"full_text":   ch.Text,
		"text_length": utf8.RuneCountInString(ch.Text),
		"available":   ch.Available,
	})
}

func (a *API) handleStreamAudio(w http.ResponseWriter, r *http.Request) {
	chapter, err := strconv.Atoi(r.PathValue("chapter"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "chapter must be an integer"})
		return
	}
	q := r.URL.Query()
	req := session.RenderRequest{Chapter: chapter, Voice: q.Get("voice")}
	if v := q.Get("speed"); v != "" {
		if req.Speed, err = strconv.ParseFloat(v, 64); err != nil || req.Speed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "speed must be a positive number"})
			return
		}
	}
	if v := q.Get("sentence"); v != "" {
		if req.Index, err = strconv.Atoi(v); err != nil || req.Index < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "sentence must be a non-negative integer"})
			return
		}
	}

	out, err := a.session.RenderChunk(r.Context(), req)
	var idxErr *segment.IndexError
	switch {
	case err == nil:
	case errors.Is(err, session.ErrEngineUnavailable):
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "No model loaded"})
		return
	case errors.As(err, &idxErr):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "End of chapter", "total_chunks": idxErr.Total})
		return
	case errors.Is(err, session.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	default:
		a.logger.Error("chunk synthesis failed",
			slog.Int("chapter", chapter),
			slog.Int("chunk", req.Index),
			slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	setWAVHeaders(w, out.WAV)
	w.Header().Set("X-Total-Chunks", strconv.Itoa(out.Total))
	w.Header().Set("X-Current-Chunk", strconv.Itoa(out.Index))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.WAV)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	st := a.session.Stop(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "stopped", "session": st})
}

func (a *API) handleBooks(w http.ResponseWriter, r *http.Request) {
	order := canon.ParseOrder(r.URL.Query().Get("order"))
	writeJSON(w, http.StatusOK, map[string]any{
		"order":    order,
		"books":    a.books.Books(order),
		"chapters": a.books.ChapterCounts(),
	})
}

func (a *API) handleModels(w http.ResponseWriter, _ *http.Request) {
	models, err := tts.ListModels(a.tts.ModelsDir)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	_, loaded, _ := a.engine.Current()
	writeJSON(w, http.StatusOK, map[string]any{"models": models, "loaded": loaded})
}

func (a *API) handleTestChapter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := scripture.ChapterRef{Book: q.Get("book"), Chapter: 1, Translation: q.Get("translation")}
	if ref.Book == "" {
		ref.Book = "Genesis"
	}
	if ref.Translation == "" {
		ref.Translation = session.DefaultTranslation
	}
	if v := q.Get("chapter"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "chapter must be an integer"})
			return
		}
		ref.Chapter = n
	}
	if b, ok := a.books.Lookup(ref.Book); ok {
		ref.Book = b.Name
	}

	res := a.resolver.Resolve(r.Context(), ref)
	runes := []rune(res.Text)
	first, last := runes, runes
	if len(runes) > 100 {
		first, last = runes[:100], runes[len(runes)-100:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"book":        ref.Book,
		"chapter":     ref.Chapter,
		"translation": ref.Translation,
		"available":   res.Available(),
		"provider":    res.Provider,
		"length":      len(runes),
		"chunks":      segment.Count(res.Text, a.segSize),
		"first_100":   string(first),
		"last_100":    string(last),
		"full_text":   res.Text,
	})
}

func (a *API) handleTestAudio(w http.ResponseWriter, r *http.Request) {
	out, err := a.session.RenderText(r.Context(), testAudioText, a.tts.DefaultVoice, 1)
	if errors.Is(err, session.ErrEngineUnavailable) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "No model loaded", "loaded": false})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "loaded": true})
		return
	}
	setWAVHeaders(w, out.WAV)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.WAV)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []eventstore.Session{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if id := r.URL.Query().Get("session"); id != "" {
		events, err := a.history.ListSessionEvents(r.Context(), id, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
		return
	}
	sessions, err := a.history.RecentSessions(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	return string([]rune(text)[:previewLength]) + "..."
}

func setWAVHeaders(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
