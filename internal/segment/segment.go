// Package segment splits chapter text into sentence groups small enough to be
// synthesized in one call. The chunk list for a given text and size is stable,
// so a chunk index is a durable address into a chapter.
package segment

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// DefaultSize is the number of sentences per chunk.
const DefaultSize = 3

// ErrIndexOutOfRange matches any *IndexError.
var ErrIndexOutOfRange = errors.New("chunk index out of range")

// IndexError reports a chunk request past the end of a chapter. Total is the
// real chunk count so callers know where to stop.
type IndexError struct {
	Index int
	Total int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("chunk %d out of range (total %d)", e.Index, e.Total)
}

func (e *IndexError) Is(target error) bool { return target == ErrIndexOutOfRange }

// Sentences splits text after '.', '!' or '?' when followed by whitespace.
// Fragments are trimmed and empty ones dropped.
func Sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		out = appendFragment(out, string(runes[start:i+1]))
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		out = appendFragment(out, string(runes[start:]))
	}
	return out
}

func appendFragment(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}

// Segment groups the sentences of text into windows of size sentences. The
// last window may be shorter. A size below 1 uses DefaultSize.
func Segment(text string, size int) []string {
	if size <= 0 {
		size = DefaultSize
	}
	sentences := Sentences(text)
	chunks := make([]string, 0, (len(sentences)+size-1)/size)
	for i := 0; i < len(sentences); i += size {
		end := min(i+size, len(sentences))
		chunks = append(chunks, strings.Join(sentences[i:end], " "))
	}
	return chunks
}

// Count returns the number of chunks Segment would produce.
func Count(text string, size int) int {
	return len(Segment(text, size))
}

// Chunk returns chunk index of text together with the chunk count.
func Chunk(text string, index, size int) (string, int, error) {
	chunks := Segment(text, size)
	if index < 0 || index >= len(chunks) {
		return "", len(chunks), &IndexError{Index: index, Total: len(chunks)}
	}
	return chunks[index], len(chunks), nil
}
