// Package canon holds the static book tables: chapter counts, canonical
// orderings and the protestant book numbering used by some text providers.
package canon

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownBook  = errors.New("unknown book")
	ErrChapterRange = errors.New("chapter out of range")
)

// Order names a canonical book ordering.
type Order string

const (
	OrderChristian Order = "christian"
	OrderTanakh    Order = "tanakh"
)

// ParseOrder maps a user supplied ordering name onto an Order. Anything that
// is not "tanakh" is the christian ordering.
func ParseOrder(s string) Order {
	if strings.EqualFold(strings.TrimSpace(s), string(OrderTanakh)) {
		return OrderTanakh
	}
	return OrderChristian
}

// Book describes one book of the canon.
type Book struct {
	Name     string
	Number   int // 1-based position in the 66 book protestant canon, 0 when not numbered
	Chapters int
}

var christianBooks = []Book{
	{"Genesis", 1, 50}, {"Exodus", 2, 40}, {"Leviticus", 3, 27}, {"Numbers", 4, 36}, {"Deuteronomy", 5, 34},
	{"Joshua", 6, 24}, {"Judges", 7, 21}, {"Ruth", 8, 4}, {"1 Samuel", 9, 31}, {"2 Samuel", 10, 24},
	{"1 Kings", 11, 22}, {"2 Kings", 12, 25}, {"1 Chronicles", 13, 29}, {"2 Chronicles", 14, 36},
	{"Ezra", 15, 10}, {"Nehemiah", 16, 13}, {"Esther", 17, 10}, {"Job", 18, 42}, {"Psalms", 19, 150},
	{"Proverbs", 20, 31}, {"Ecclesiastes", 21, 12}, {"Song of Solomon", 22, 8}, {"Isaiah", 23, 66},
	{"Jeremiah", 24, 52}, {"Lamentations", 25, 5}, {"Ezekiel", 26, 48}, {"Daniel", 27, 12},
	{"Hosea", 28, 14}, {"Joel", 29, 3}, {"Amos", 30, 9}, {"Obadiah", 31, 1}, {"Jonah", 32, 4},
	{"Micah", 33, 7}, {"Nahum", 34, 3}, {"Habakkuk", 35, 3}, {"Zephaniah", 36, 3}, {"Haggai", 37, 2},
	{"Zechariah", 38, 14}, {"Malachi", 39, 4}, {"Matthew", 40, 28}, {"Mark", 41, 16}, {"Luke", 42, 24},
	{"John", 43, 21}, {"Acts", 44, 28}, {"Romans", 45, 16}, {"1 Corinthians", 46, 16}, {"2 Corinthians", 47, 13},
	{"Galatians", 48, 6}, {"Ephesians", 49, 6}, {"Philippians", 50, 4}, {"Colossians", 51, 4},
	{"1 Thessalonians", 52, 5}, {"2 Thessalonians", 53, 3}, {"1 Timothy", 54, 6}, {"2 Timothy", 55, 4},
	{"Titus", 56, 3}, {"Philemon", 57, 1}, {"Hebrews", 58, 13}, {"James", 59, 5}, {"1 Peter", 60, 5},
	{"2 Peter", 61, 3}, {"1 John", 62, 5}, {"2 John", 63, 1}, {"3 John", 64, 1}, {"Jude", 65, 1},
	{"Revelation", 66, 22},
}

// The tanakh ordering merges a few books that the christian ordering splits.
var tanakhOnly = []Book{
	{"Samuel", 0, 55}, {"Kings", 0, 47}, {"Ezra-Nehemiah", 0, 23}, {"Chronicles", 0, 65},
}

var tanakhNames = []string{
	"Genesis", "Exodus", "Leviticus", "Numbers", "Deuteronomy",
	"Joshua", "Judges", "Samuel", "Kings", "Isaiah", "Jeremiah", "Ezekiel",
	"Hosea", "Joel", "Amos", "Obadiah", "Jonah", "Micah", "Nahum",
	"Habakkuk", "Zephaniah", "Haggai", "Zechariah", "Malachi",
	"Psalms", "Proverbs", "Job", "Song of Solomon", "Ruth", "Lamentations",
	"Ecclesiastes", "Esther", "Daniel", "Ezra-Nehemiah", "Chronicles",
}

// Catalog answers lookups against the book tables.
type Catalog struct {
	byName    map[string]Book
	christian []string
	tanakh    []string
}

// Default returns the catalog built from the embedded tables.
func Default() *Catalog {
	c := &Catalog{byName: make(map[string]Book, len(christianBooks)+len(tanakhOnly))}
	for _, b := range christianBooks {
		c.byName[strings.ToLower(b.Name)] = b
		c.christian = append(c.christian, b.Name)
	}
	for _, b := range tanakhOnly {
		c.byName[strings.ToLower(b.Name)] = b
	}
	c.tanakh = append(c.tanakh, tanakhNames...)
	return c
}

// Lookup finds a book by name, ignoring case and surrounding space.
func (c *Catalog) Lookup(name string) (Book, bool) {
	b, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// ChapterCount returns the number of chapters in a book. Unknown books report
// a single chapter.
func (c *Catalog) ChapterCount(name string) int {
	if b, ok := c.Lookup(name); ok {
		return b.Chapters
	}
	return 1
}

// Number returns the protestant canon number of a book, if it has one.
func (c *Catalog) Number(name string) (int, bool) {
	b, ok := c.Lookup(name)
	if !ok || b.Number == 0 {
		return 0, false
	}
	return b.Number, true
}

// Books lists book names in the given ordering.
func (c *Catalog) Books(order Order) []string {
	src := c.christian
	if order == OrderTanakh {
		src = c.tanakh
	}
	return append([]string(nil), src...)
}

// ChapterCounts returns every known book with its chapter count.
func (c *Catalog) ChapterCounts() map[string]int {
	out := make(map[string]int, len(c.byName))
	for _, b := range c.byName {
		out[b.Name] = b.Chapters
	}
	return out
}

// CheckChapter reports whether chapter exists in the named book.
func (c *Catalog) CheckChapter(name string, chapter int) error {
	b, ok := c.Lookup(name)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownBook, name)
	}
	if chapter < 1 || chapter > b.Chapters {
		return fmt.Errorf("%w: %s has chapters 1-%d, got %d", ErrChapterRange, b.Name, b.Chapters, chapter)
	}
	return nil
}
