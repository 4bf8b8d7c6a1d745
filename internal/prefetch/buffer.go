// Package prefetch keeps a few resolved chapters queued ahead of playback so
// that the listener never waits on a text provider between chapters.
package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scripture/internal/scripture"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCapacity     = 3
	DefaultLowWatermark = 2
)

// ErrExhausted is returned by Take when nothing is buffered and nothing is on
// its way: the book has ended or the buffer was never seeded.
var ErrExhausted = errors.New("no more chapters buffered")

// Resolver turns a chapter reference into text.
type Resolver interface {
	Resolve(ctx context.Context, ref scripture.ChapterRef) scripture.ResolvedText
}

// ChapterCounter reports how many chapters a book has.
type ChapterCounter interface {
	ChapterCount(book string) int
}

// Entry is one buffered chapter.
type Entry struct {
	Chapter   int
	Text      string
	Available bool
}

// Buffer is a bounded FIFO of resolved chapters for one book and translation.
// Every Seed or Close starts a new epoch; background refills launched in an
// older epoch drop their result.
type Buffer struct {
	ctx      context.Context
	resolver Resolver
	books    ChapterCounter
	capacity int
	low      int
	logger   *slog.Logger
	refills  metric.Int64Counter
	wg       sync.WaitGroup

	mu          sync.Mutex
	entries     []Entry
	open        bool
	epoch       uint64
	book        string
	translation string
	last        int
	refilling   bool
	changed     chan struct{}
}

// New creates an empty buffer. ctx bounds background refills.
func New(ctx context.Context, resolver Resolver, books ChapterCounter, capacity, low int, logger *slog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if low <= 0 || low > capacity {
		low = min(DefaultLowWatermark, capacity)
	}
	b := &Buffer{
		ctx:      ctx,
		resolver: resolver,
		books:    books,
		capacity: capacity,
		low:      low,
		logger:   logger.With(slog.String("component", "prefetch")),
		changed:  make(chan struct{}),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-scripture/prefetch").Int64Counter(
		"scripture.prefetch.refills",
		metric.WithDescription("Background chapter refills by result"))
	if err != nil {
		b.logger.Warn("failed to create refill counter", slog.String("error", err.Error()))
	}
	b.refills = counter
	return b
}

// Seed clears the buffer and fills it with chapters start .. start+capacity-1,
// clipped to the end of the book. It returns the resulting depth.
func (b *Buffer) Seed(ctx context.Context, book string, start int, translation string) int {
	b.mu.Lock()
	b.epoch++
	epoch := b.epoch
	b.entries = nil
	b.open = true
	b.book = book
	b.translation = translation
	b.last = start - 1
	b.refilling = false
	b.notifyLocked()
	b.mu.Unlock()

	end := min(start+b.capacity-1, b.books.ChapterCount(book))
	if start < 1 || end < start {
		return 0
	}

	results := make([]scripture.ResolvedText, end-start+1)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		ref := scripture.ChapterRef{Book: book, Chapter: start + i, Translation: translation}
		g.Go(func() error {
			results[i] = b.resolver.Resolve(gctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open || b.epoch != epoch {
		b.logger.Info("discarding seed for superseded session", slog.String("book", book))
		return len(b.entries)
	}
	for _, res := range results {
		b.entries = append(b.entries, entryFrom(res))
	}
	b.last = end
	b.notifyLocked()
	b.logger.Info("buffer seeded",
		slog.String("book", book),
		slog.Int("from", start),
		slog.Int("to", end),
		slog.String("translation", translation))
	return len(b.entries)
}

// Take dequeues the oldest chapter. When the buffer is empty but a refill is
// in flight it waits for that refill. ErrExhausted means the stream ended.
func (b *Buffer) Take(ctx context.Context) (Entry, error) {
	for {
		entry, wait, err := b.TryTake()
		if wait == nil {
			return entry, err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// TryTake never blocks. It dequeues the oldest chapter, or returns a channel
// that closes when the buffer changes if a refill is in flight, or
// ErrExhausted.
func (b *Buffer) TryTake() (Entry, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		if !b.open || !b.refilling {
			return Entry{}, nil, ErrExhausted
		}
		return Entry{}, b.changed, nil
	}
	entry := b.entries[0]
	b.entries = b.entries[1:]
	b.maybeRefillLocked()
	b.notifyLocked()
	return entry, nil, nil
}

// Peek returns the buffered entry for chapter without dequeuing it.
func (b *Buffer) Peek(chapter int) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.Chapter == chapter {
			return e, true
		}
	}
	return Entry{}, false
}

// Close empties the buffer and invalidates any refill in flight.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.epoch++
	b.open = false
	b.entries = nil
	b.refilling = false
	b.notifyLocked()
	b.mu.Unlock()
}

// Wait blocks until background refills have finished.
func (b *Buffer) Wait() {
	b.wg.Wait()
}

// Len is the current buffer depth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Chapters lists the buffered chapter numbers in queue order.
func (b *Buffer) Chapters() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Chapter
	}
	return out
}

func (b *Buffer) maybeRefillLocked() {
	if !b.open || b.refilling || len(b.entries) >= b.low {
		return
	}
	next := b.last + 1
	if next > b.books.ChapterCount(b.book) {
		return
	}
	b.refilling = true
	ref := scripture.ChapterRef{Book: b.book, Chapter: next, Translation: b.translation}
	b.wg.Add(1)
	go b.refill(b.epoch, ref)
}

func (b *Buffer) refill(epoch uint64, ref scripture.ChapterRef) {
	defer b.wg.Done()
	for {
		res := b.resolver.Resolve(b.ctx, ref)

		b.mu.Lock()
		if !b.open || b.epoch != epoch || b.book != ref.Book || b.translation != ref.Translation {
			b.mu.Unlock()
			b.count("discarded")
			b.logger.Debug("discarding stale refill", slog.String("ref", ref.String()))
			return
		}
		b.refilling = false
		if len(b.entries) < b.capacity && ref.Chapter == b.last+1 {
			b.entries = append(b.entries, entryFrom(res))
			b.last = ref.Chapter
			b.count("inserted")
		} else {
			b.count("rejected")
		}
		b.notifyLocked()

		next := b.last + 1
		if b.ctx.Err() != nil || len(b.entries) >= b.low || next > b.books.ChapterCount(b.book) {
			b.mu.Unlock()
			return
		}
		b.refilling = true
		ref.Chapter = next
		b.mu.Unlock()
	}
}

func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Buffer) count(result string) {
	if b.refills == nil {
		return
	}
	b.refills.Add(b.ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func entryFrom(res scripture.ResolvedText) Entry {
	return Entry{Chapter: res.Ref.Chapter, Text: res.Text, Available: res.Available()}
}
