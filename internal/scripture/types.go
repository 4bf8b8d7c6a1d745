// Package scripture resolves chapter text from an ordered chain of remote
// providers. Resolution never fails: when every provider is exhausted the
// caller receives a recognisable "unavailable" text instead.
package scripture

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ChapterRef identifies one chapter in one translation.
type ChapterRef struct {
	Book        string
	Chapter     int
	Translation string
}

func (r ChapterRef) String() string {
	return fmt.Sprintf("%s %d (%s)", r.Book, r.Chapter, r.Translation)
}

// ResolvedText is the outcome of a resolution. ProviderIndex is the position
// of the provider that served Text, or -1 when Text is the unavailable notice.
type ResolvedText struct {
	Ref           ChapterRef
	Text          string
	ProviderIndex int
	Provider      string
}

// Available reports whether Text is real chapter content.
func (r ResolvedText) Available() bool { return r.ProviderIndex >= 0 }

const unavailableSuffix = " text unavailable"

// Unavailable builds the notice returned when no provider produced text.
func Unavailable(ref ChapterRef) ResolvedText {
	return ResolvedText{
		Ref:           ref,
		Text:          fmt.Sprintf("%s %d%s", ref.Book, ref.Chapter, unavailableSuffix),
		ProviderIndex: -1,
	}
}

// Provider errors. They never leave the resolver.
var (
	ErrNetwork = errors.New("provider network error")
	ErrParse   = errors.New("provider parse error")
)

// Provider fetches the verses of a chapter from one remote source, in order.
// Code reports the provider specific code a translation maps onto.
type Provider interface {
	Name() string
	Code(translation string) string
	Fetch(ctx context.Context, ref ChapterRef) ([]string, error)
}

// codeMap translates user facing translation codes into a provider's own
// codes. Unknown codes fall back to def.
type codeMap struct {
	codes map[string]string
	def   string
}

func (m codeMap) lookup(translation string) string {
	if code, ok := m.codes[strings.ToUpper(strings.TrimSpace(translation))]; ok {
		return code
	}
	return m.def
}
