package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scripture/internal/canon"
	"github.com/loqalabs/loqa-scripture/internal/prefetch"
	"github.com/loqalabs/loqa-scripture/internal/protocol"
	"github.com/loqalabs/loqa-scripture/internal/scripture"
	"github.com/loqalabs/loqa-scripture/internal/segment"
	"github.com/loqalabs/loqa-scripture/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// chapterText is five sentences, i.e. two chunks of three.
func chapterText(book string, chapter int) string {
	return fmt.Sprintf("%s %d verse one. Verse two! Verse three? Verse four. Verse five.", book, chapter)
}

type countingResolver struct {
	mu          sync.Mutex
	calls       map[scripture.ChapterRef]int
	unavailable map[int]bool
	held        map[int]chan struct{}
}

// hold blocks resolution of chapter until the returned func is called.
func (r *countingResolver) hold(chapter int) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held == nil {
		r.held = make(map[int]chan struct{})
	}
	ch := make(chan struct{})
	r.held[chapter] = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (r *countingResolver) Resolve(_ context.Context, ref scripture.ChapterRef) scripture.ResolvedText {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[scripture.ChapterRef]int)
	}
	r.calls[ref]++
	wait := r.held[ref.Chapter]
	r.mu.Unlock()
	if wait != nil {
		<-wait
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable[ref.Chapter] {
		return scripture.Unavailable(ref)
	}
	return scripture.ResolvedText{Ref: ref, Text: chapterText(ref.Book, ref.Chapter), Provider: "stub"}
}

func (r *countingResolver) count(book string, chapter int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[scripture.ChapterRef{Book: book, Chapter: chapter, Translation: "KJV"}]
}

type stubLoader struct {
	fail bool
}

func (l *stubLoader) Load(_ context.Context, model string) (tts.Synthesizer, error) {
	if l.fail {
		return nil, fmt.Errorf("%w: %s", tts.ErrModelNotFound, model)
	}
	return tts.NewMockSynth(8000, 1), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.SessionEvent
}

func (l *eventLog) PublishSession(evt protocol.SessionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) kinds() []protocol.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	session  *Session
	resolver *countingResolver
	loader   *stubLoader
	buffer   *prefetch.Buffer
	events   *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newSizedFixture(t, 3, 2)
}

func newSizedFixture(t *testing.T, capacity, low int) *fixture {
	t.Helper()
	f := &fixture{resolver: &countingResolver{}, loader: &stubLoader{}, events: &eventLog{}}
	books := canon.Default()
	f.buffer = prefetch.New(context.Background(), f.resolver, books, capacity, low, newLogger())
	t.Cleanup(func() {
		f.buffer.Close()
		f.buffer.Wait()
	})
	f.session = New(Deps{
		Books:     books,
		Resolver:  f.resolver,
		Buffer:    f.buffer,
		Engine:    tts.NewEngine(f.loader, 0, newLogger()),
		Publisher: f.events,
	}, Options{DefaultModel: "kokoro-v1.0", DefaultVoice: "af_sky"}, newLogger())
	return f
}

func (f *fixture) start(t *testing.T, book string, chapter int) Status {
	t.Helper()
	st, err := f.session.Start(context.Background(), Params{Book: book, Chapter: chapter, Translation: "kjv"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return st
}

func TestObadiahEndToEnd(t *testing.T) {
	f := newFixture(t)
	st := f.start(t, "Obadiah", 1)
	if !st.Active || st.Buffer != 1 || st.Translation != "KJV" || st.BookOrder != "christian" {
		t.Fatalf("unexpected status after start: %+v", st)
	}

	ch, ok, err := f.session.AdvanceChapter(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected chapter 1, got ok=%v err=%v", ok, err)
	}
	if ch.Number != 1 || ch.Text != chapterText("Obadiah", 1) {
		t.Fatalf("unexpected chapter %+v", ch)
	}

	_, ok, err = f.session.AdvanceChapter(context.Background())
	if err != nil || ok {
		t.Fatalf("expected end of stream, got ok=%v err=%v", ok, err)
	}
}

func TestStartModelLoadFailure(t *testing.T) {
	f := newFixture(t)
	f.loader.fail = true

	st, err := f.session.Start(context.Background(), Params{Book: "genesis", Chapter: 2, VoiceModel: "missing"})
	if !errors.Is(err, ErrModelLoad) || !errors.Is(err, tts.ErrModelNotFound) {
		t.Fatalf("expected model load failure with cause, got %v", err)
	}
	if st.Active || st.State != StateIdle {
		t.Fatalf("session must not be active: %+v", st)
	}
	if st.Book != "Genesis" || st.Chapter != 2 || st.Voice != "missing" {
		t.Fatalf("requested parameters must be recorded: %+v", st)
	}
	if _, err := f.session.RenderChunk(context.Background(), RenderRequest{Chapter: 2}); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable, got %v", err)
	}
	if _, ok, _ := f.session.AdvanceChapter(context.Background()); ok {
		t.Fatal("inactive session must report end of stream")
	}
}

func TestFailedRestartDisablesAudio(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Genesis", 1)
	f.loader.fail = true
	st, err := f.session.Start(context.Background(), Params{Book: "Exodus", Chapter: 1})
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected model load failure, got %v", err)
	}
	if st.State != StateStopped || st.Active {
		t.Fatalf("expected stopped session, got %+v", st)
	}
	if _, err := f.session.RenderChunk(context.Background(), RenderRequest{Chapter: 1}); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable after failed restart, got %v", err)
	}
}

func TestStartRejectsBadRequest(t *testing.T) {
	f := newFixture(t)
	if _, err := f.session.Start(context.Background(), Params{Book: "Enoch", Chapter: 1}); !errors.Is(err, canon.ErrUnknownBook) {
		t.Fatalf("expected unknown book, got %v", err)
	}
	if _, err := f.session.Start(context.Background(), Params{Book: "Jude", Chapter: 2}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if st := f.session.Status(); st.State != StateIdle {
		t.Fatalf("rejected start must not change state: %+v", st)
	}
}

func TestAdvanceMovesChapterForward(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Genesis", 1)
	last := 0
	for i := 0; i < 5; i++ {
		ch, ok, err := f.session.AdvanceChapter(context.Background())
		if err != nil || !ok {
			t.Fatalf("advance %d: ok=%v err=%v", i, ok, err)
		}
		if ch.Number != last+1 {
			t.Fatalf("expected chapter %d, got %d", last+1, ch.Number)
		}
		last = ch.Number
		if st := f.session.Status(); st.Chapter != last {
			t.Fatalf("status chapter %d, want %d", st.Chapter, last)
		}
	}
}

func TestStopEndsStream(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Genesis", 1)
	st := f.session.Stop(context.Background())
	if st.Active || st.State != StateStopped || st.Buffer != 0 {
		t.Fatalf("unexpected status after stop: %+v", st)
	}
	if _, ok, err := f.session.AdvanceChapter(context.Background()); ok || err != nil {
		t.Fatalf("expected end of stream after stop, got ok=%v err=%v", ok, err)
	}
	kinds := f.events.kinds()
	if len(kinds) != 2 || kinds[0] != protocol.EventStarted || kinds[1] != protocol.EventStopped {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestRestartSwitchesBook(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Genesis", 1)
	if _, _, err := f.session.AdvanceChapter(context.Background()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f.start(t, "Ruth", 1)
	f.buffer.Wait()
	ch, ok, err := f.session.AdvanceChapter(context.Background())
	if err != nil || !ok || ch.Book != "Ruth" || ch.Number != 1 {
		t.Fatalf("expected Ruth 1, got %+v ok=%v err=%v", ch, ok, err)
	}
	for _, n := range f.buffer.Chapters() {
		if e, _ := f.buffer.Peek(n); e.Text != chapterText("Ruth", n) {
			t.Fatalf("buffer holds text from previous session: %q", e.Text)
		}
	}
}

func TestRenderChunkUsesCurrentText(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Genesis", 1)
	if _, _, err := f.session.AdvanceChapter(context.Background()); err != nil {
		t.Fatalf("advance: %v", err)
	}

	out, err := f.session.RenderChunk(context.Background(), RenderRequest{Chapter: 1, Index: 1, Speed: 1.5})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Total != 2 || out.Index != 1 || out.Text != "Verse four. Verse five." {
		t.Fatalf("unexpected render %+v", out)
	}
	if string(out.WAV[:4]) != "RIFF" || out.SampleRate != 8000 {
		t.Fatalf("expected WAV at 8000 Hz, got %q %d", out.WAV[:4], out.SampleRate)
	}
	if got := f.resolver.count("Genesis", 1); got != 1 {
		t.Fatalf("current chapter must not be resolved again, resolved %d times", got)
	}
}

func TestRenderChunkUsesBuffer(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Genesis", 1)
	if _, err := f.session.RenderChunk(context.Background(), RenderRequest{Chapter: 3}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := f.resolver.count("Genesis", 3); got != 1 {
		t.Fatalf("buffered chapter must not be resolved again, resolved %d times", got)
	}
}

func TestRenderChunkResolvesUnbufferedChapter(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Genesis", 1)
	if _, err := f.session.RenderChunk(context.Background(), RenderRequest{Chapter: 20}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := f.resolver.count("Genesis", 20); got != 1 {
		t.Fatalf("expected one fresh resolution, got %d", got)
	}
}

func TestRenderChunkOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.start(t, "Genesis", 1)
	_, err := f.session.RenderChunk(context.Background(), RenderRequest{Chapter: 1, Index: 2})
	var idx *segment.IndexError
	if !errors.As(err, &idx) || idx.Total != 2 || idx.Index != 2 {
		t.Fatalf("expected index error with total 2, got %v", err)
	}
	if !errors.Is(err, segment.ErrIndexOutOfRange) {
		t.Fatalf("index error must match ErrIndexOutOfRange")
	}
}

func TestUnavailableChapterIsSpoken(t *testing.T) {
	f := newFixture(t)
	f.resolver.unavailable = map[int]bool{1: true}
	f.start(t, "Jude", 1)

	ch, ok, err := f.session.AdvanceChapter(context.Background())
	if err != nil || !ok || ch.Available || ch.Text != "Jude 1 text unavailable" {
		t.Fatalf("expected sentinel chapter, got %+v ok=%v err=%v", ch, ok, err)
	}
	out, err := f.session.RenderChunk(context.Background(), RenderRequest{Chapter: 1})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Total != 1 || out.Text != "Jude 1 text unavailable" {
		t.Fatalf("expected the unavailable notice as a single chunk, got %+v", out)
	}
}

func TestStatusBeforeStart(t *testing.T) {
	f := newFixture(t)
	st := f.session.Status()
	if st.Active || st.State != StateIdle || st.Buffer != 0 {
		t.Fatalf("unexpected initial status %+v", st)
	}
}

func TestWaitingAdvanceDoesNotBlockStopOrRender(t *testing.T) {
	f := newSizedFixture(t, 1, 1)
	release := f.resolver.hold(2)
	t.Cleanup(release)

	f.start(t, "Haggai", 1)
	if _, ok, err := f.session.AdvanceChapter(context.Background()); !ok || err != nil {
		t.Fatalf("expected chapter 1, got ok=%v err=%v", ok, err)
	}

	// chapter 2 is now being refilled and will not resolve until released
	type result struct {
		ok  bool
		err error
	}
	advanced := make(chan result, 1)
	go func() {
		_, ok, err := f.session.AdvanceChapter(context.Background())
		advanced <- result{ok, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.resolver.count("Haggai", 2) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("refill of chapter 2 never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := f.session.RenderChunk(context.Background(), RenderRequest{Chapter: 1, Index: 0}); err != nil {
			t.Errorf("render: %v", err)
		}
		f.session.Stop(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("render and stop waited on a chapter refill")
	}

	select {
	case res := <-advanced:
		if res.ok || res.err != nil {
			t.Fatalf("expected end of stream after stop, got ok=%v err=%v", res.ok, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting advance not released by stop")
	}
}
