package canon

import (
	"errors"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	if got := len(c.Books(OrderChristian)); got != 66 {
		t.Fatalf("expected 66 christian books, got %d", got)
	}
	if got := len(c.Books(OrderTanakh)); got != 35 {
		t.Fatalf("expected 35 tanakh books, got %d", got)
	}
	for _, name := range c.Books(OrderTanakh) {
		if _, ok := c.Lookup(name); !ok {
			t.Fatalf("tanakh book %q missing from tables", name)
		}
	}
}

func TestLookup(t *testing.T) {
	c := Default()
	if n := c.ChapterCount("obadiah"); n != 1 {
		t.Fatalf("expected Obadiah to have 1 chapter, got %d", n)
	}
	if n := c.ChapterCount("  Psalms "); n != 150 {
		t.Fatalf("expected 150 psalms, got %d", n)
	}
	if n, ok := c.Number("Revelation"); !ok || n != 66 {
		t.Fatalf("expected Revelation to be book 66, got %d %v", n, ok)
	}
	if _, ok := c.Number("Samuel"); ok {
		t.Fatal("merged tanakh books have no protestant number")
	}
	if n := c.ChapterCount("Enoch"); n != 1 {
		t.Fatalf("unknown books count as a single chapter, got %d", n)
	}
}

func TestCheckChapter(t *testing.T) {
	c := Default()
	if err := c.CheckChapter("Genesis", 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.CheckChapter("Genesis", 51); !errors.Is(err, ErrChapterRange) {
		t.Fatal("expected error past last chapter")
	}
	if err := c.CheckChapter("Genesis", 0); err == nil {
		t.Fatal("expected error for chapter 0")
	}
	if err := c.CheckChapter("Enoch", 1); !errors.Is(err, ErrUnknownBook) {
		t.Fatal("expected error for unknown book")
	}
}

func TestParseOrder(t *testing.T) {
	if ParseOrder("Tanakh") != OrderTanakh {
		t.Fatal("expected tanakh")
	}
	if ParseOrder("") != OrderChristian || ParseOrder("catholic") != OrderChristian {
		t.Fatal("expected christian fallback")
	}
}
