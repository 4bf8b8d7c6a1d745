package scripture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// BibleAPI queries bible-api.com style endpoints:
// GET {base}/{book}+{chapter}?translation={code} -> {"verses":[{"text":...}]}
type BibleAPI struct {
	base      string
	client    *http.Client
	userAgent string
	codes     codeMap
}

func NewBibleAPI(base string, client *http.Client, userAgent string) *BibleAPI {
	return &BibleAPI{
		base:      strings.TrimRight(base, "/"),
		client:    client,
		userAgent: userAgent,
		codes: codeMap{
			codes: map[string]string{
				"KJV":    "kjv",
				"WEB":    "web",
				"WEBBE":  "webbe",
				"BBE":    "bbe",
				"OEB":    "oeb-us",
				"OEB-US": "oeb-us",
				"OEB-CW": "oeb-cw",
			},
			def: "kjv",
		},
	}
}

func (p *BibleAPI) Name() string { return "bibleapi" }

func (p *BibleAPI) Code(translation string) string { return p.codes.lookup(translation) }

func (p *BibleAPI) URL(ref ChapterRef) string {
	q := url.Values{"translation": {p.codes.lookup(ref.Translation)}}
	return fmt.Sprintf("%s/%s+%d?%s", p.base, url.PathEscape(ref.Book), ref.Chapter, q.Encode())
}

func (p *BibleAPI) Fetch(ctx context.Context, ref ChapterRef) ([]string, error) {
	body, err := getBody(ctx, p.client, p.userAgent, p.URL(ref))
	if err != nil {
		return nil, err
	}
	var payload struct {
		Verses []struct {
			Text string `json:"text"`
		} `json:"verses"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	verses := make([]string, 0, len(payload.Verses))
	for _, v := range payload.Verses {
		verses = append(verses, v.Text)
	}
	return verses, nil
}

// Labs queries labs.bible.org style endpoints:
// GET {base}?passage={book}+{chapter}&type=json -> [{"text":...}]
// The service only serves its own translation; the mapped code is reported
// for logging.
type Labs struct {
	base      string
	client    *http.Client
	userAgent string
	codes     codeMap
}

func NewLabs(base string, client *http.Client, userAgent string) *Labs {
	return &Labs{
		base:      base,
		client:    client,
		userAgent: userAgent,
		codes: codeMap{
			codes: map[string]string{
				"KJV": "eng-kjv",
				"WEB": "eng-web",
				"NIV": "eng-niv",
				"ESV": "eng-esv",
			},
			def: "eng-kjv",
		},
	}
}

func (p *Labs) Name() string { return "labs" }

func (p *Labs) Code(translation string) string { return p.codes.lookup(translation) }

func (p *Labs) URL(ref ChapterRef) string {
	q := url.Values{}
	q.Set("passage", fmt.Sprintf("%s %d", ref.Book, ref.Chapter))
	q.Set("type", "json")
	return p.base + "?" + q.Encode()
}

func (p *Labs) Fetch(ctx context.Context, ref ChapterRef) ([]string, error) {
	body, err := getBody(ctx, p.client, p.userAgent, p.URL(ref))
	if err != nil {
		return nil, err
	}
	var payload []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	verses := make([]string, 0, len(payload))
	for _, v := range payload {
		verses = append(verses, v.Text)
	}
	return verses, nil
}

// BookNumberer maps a book name to its canon number.
type BookNumberer interface {
	Number(book string) (int, bool)
}

// GetBible queries getbible.net style endpoints:
// GET {base}?passage={bookNumber}{chapter}&version={code} -> ({"book":[{"chapter":{"1":{"verse":...}}}]});
type GetBible struct {
	base      string
	client    *http.Client
	userAgent string
	books     BookNumberer
	codes     codeMap
}

func NewGetBible(base string, client *http.Client, userAgent string, books BookNumberer) *GetBible {
	return &GetBible{
		base:      base,
		client:    client,
		userAgent: userAgent,
		books:     books,
		codes: codeMap{
			codes: map[string]string{
				"KJV": "kjv",
				"WEB": "web",
				"NIV": "niv",
				"ESV": "esv",
			},
			def: "kjv",
		},
	}
}

func (p *GetBible) Name() string { return "getbible" }

func (p *GetBible) Code(translation string) string { return p.codes.lookup(translation) }

func (p *GetBible) URL(ref ChapterRef) (string, error) {
	num, ok := p.books.Number(ref.Book)
	if !ok {
		return "", fmt.Errorf("%w: no book number for %q", ErrParse, ref.Book)
	}
	q := url.Values{}
	q.Set("passage", fmt.Sprintf("%d%d", num, ref.Chapter))
	q.Set("version", p.codes.lookup(ref.Translation))
	return p.base + "?" + q.Encode(), nil
}

func (p *GetBible) Fetch(ctx context.Context, ref ChapterRef) ([]string, error) {
	u, err := p.URL(ref)
	if err != nil {
		return nil, err
	}
	body, err := getBody(ctx, p.client, p.userAgent, u)
	if err != nil {
		return nil, err
	}
	return parseGetBible(body)
}

// unwrapCallback strips the "(" ... ");" script-callback envelope. A bare
// JSON object is passed through; any other shape is a parse failure.
func unwrapCallback(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	switch {
	case bytes.HasPrefix(trimmed, []byte("(")) && bytes.HasSuffix(trimmed, []byte(");")):
		return trimmed[1 : len(trimmed)-2], nil
	case bytes.HasPrefix(trimmed, []byte("{")):
		return trimmed, nil
	default:
		return nil, fmt.Errorf("%w: unexpected callback envelope", ErrParse)
	}
}

func parseGetBible(body []byte) ([]string, error) {
	inner, err := unwrapCallback(body)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Book []struct {
			Chapter map[string]struct {
				Verse string `json:"verse"`
			} `json:"chapter"`
		} `json:"book"`
	}
	if err := json.Unmarshal(inner, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if len(payload.Book) == 0 {
		return nil, fmt.Errorf("%w: response has no book", ErrParse)
	}

	type numbered struct {
		n    int
		text string
	}
	var ordered []numbered
	for key, v := range payload.Book[0].Chapter {
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		ordered = append(ordered, numbered{n: n, text: v.Verse})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].n < ordered[j].n })

	verses := make([]string, 0, len(ordered))
	for _, v := range ordered {
		verses = append(verses, v.text)
	}
	return verses, nil
}
