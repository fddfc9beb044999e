package blobstore

import (
	"testing"

	"github.com/spf13/afero"
)

func TestArticleCacheAddGetContains(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, err := NewArticleCache(fs, "/home", 8)
	if err != nil {
		t.Fatalf("NewArticleCache: %v", err)
	}

	const mid = "<part1@example>"
	if c.Contains(mid) {
		t.Fatal("expected miss before Add")
	}
	if err := c.Add(mid, []byte("body")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !c.Contains(mid) {
		t.Fatal("expected hit after Add")
	}
	body, ok := c.Get(mid)
	if !ok || string(body) != "body" {
		t.Fatalf("Get = %q, %v", body, ok)
	}
}

func TestArticleCacheGetFallsBackToDiskAfterEvictingHotEntry(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, err := NewArticleCache(fs, "/home", 1)
	if err != nil {
		t.Fatalf("NewArticleCache: %v", err)
	}

	if err := c.Add("<a@b>", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := c.Add("<c@d>", []byte("two")); err != nil {
		t.Fatal(err)
	}

	// The LRU has room for one entry; <a@b> was evicted from memory but
	// must still be readable off disk.
	body, ok := c.Get("<a@b>")
	if !ok || string(body) != "one" {
		t.Fatalf("Get(<a@b>) = %q, %v, want \"one\", true", body, ok)
	}
}

func TestArticleCacheReserveRelease(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, err := NewArticleCache(fs, "/home", 8)
	if err != nil {
		t.Fatalf("NewArticleCache: %v", err)
	}

	const mid = "<part1@example>"
	c.Reserve(mid)
	c.Reserve(mid)
	if c.reserved[mid] != 2 {
		t.Fatalf("reserved count = %d, want 2", c.reserved[mid])
	}
	c.Release(mid)
	if c.reserved[mid] != 1 {
		t.Fatalf("reserved count after one release = %d, want 1", c.reserved[mid])
	}
	c.Release(mid)
	if _, ok := c.reserved[mid]; ok {
		t.Fatal("expected reservation to be cleared after matching releases")
	}
}

func TestArticleAndEncodeCachesDoNotShareFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	articles, err := NewArticleCache(fs, "/home", 8)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := NewEncodeCache(fs, "/home", 8)
	if err != nil {
		t.Fatal(err)
	}

	const mid = "<shared@id>"
	if err := articles.Add(mid, []byte("article body")); err != nil {
		t.Fatal(err)
	}
	if encoded.Contains(mid) {
		t.Fatal("encode cache must not see the article cache's entry")
	}
	if err := encoded.Add(mid, []byte("encoded body")); err != nil {
		t.Fatal(err)
	}
	body, _ := articles.Get(mid)
	if string(body) != "article body" {
		t.Fatalf("article cache body changed to %q", body)
	}
}

func TestSanitizeStripsPathSeparators(t *testing.T) {
	got := sanitize("<has/slash\\and@more>")
	if got == "<has/slash\\and@more>" {
		t.Fatal("expected separators to be replaced")
	}
	for _, c := range got {
		if c == '/' || c == '\\' {
			t.Fatalf("sanitized id still contains a path separator: %q", got)
		}
	}
}
