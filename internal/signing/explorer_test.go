package signing

import (
	"context"
	"testing"

	"github.com/accuwallet/inboxd/internal/inbox"
	"github.com/accuwallet/inboxd/internal/ledger"
)

// fakeLedger serves canned key pages and directories.
type fakeLedger struct {
	pages       map[string]*ledger.KeyPage
	bookPages   map[string]int
	directories map[string][]string
	missing     map[string]bool
}

func (f *fakeLedger) QueryDirectory(ctx context.Context, url string, start, count int) []string {
	return f.directories[url]
}

func (f *fakeLedger) QueryKeyBookPageCount(ctx context.Context, url string) int {
	return f.bookPages[url]
}

func (f *fakeLedger) QueryKeyPage(ctx context.Context, url string) *ledger.KeyPage {
	return f.pages[url]
}

func (f *fakeLedger) AccountExists(ctx context.Context, url string) bool {
	if f.missing[url] {
		return false
	}
	_, isPage := f.pages[url]
	_, isBook := f.bookPages[url]
	return isPage || isBook
}

func page(url string, entries ...ledger.KeyEntry) *ledger.KeyPage {
	return &ledger.KeyPage{URL: url, Threshold: 1, Entries: entries}
}

func keyEntry(hash string) ledger.KeyEntry     { return ledger.KeyEntry{PublicKeyHash: hash} }
func delegate(url string) ledger.KeyEntry      { return ledger.KeyEntry{Delegate: url} }
func renderAll(paths []Path) map[string]bool {
	out := map[string]bool{}
	for _, p := range paths {
		out[p.Render()] = true
	}
	return out
}

func TestExploreDirectPathsFromLedger(t *testing.T) {
	f := &fakeLedger{
		pages: map[string]*ledger.KeyPage{
			"acc://alice.acme/book/1": page("acc://alice.acme/book/1", keyEntry("aa")),
		},
		bookPages:   map[string]int{"acc://alice.acme/book": 1},
		directories: map[string][]string{"acc://alice.acme": {"acc://alice.acme/book"}},
	}
	e := NewExplorer(f, 10, nil)
	res := e.Explore(context.Background(), inbox.Identity{URL: "acc://alice.acme"})

	got := renderAll(res.Paths)
	if !got["acc://alice.acme/book/1"] {
		t.Fatalf("expected direct path, got %v", got)
	}
	if len(res.Books) != 1 || res.Books[0].URL != "acc://alice.acme/book" {
		t.Fatalf("books = %+v", res.Books)
	}
	if len(res.Books[0].Pages) != 1 {
		t.Fatalf("expected live page snapshot, got %+v", res.Books[0])
	}
}

func TestExploreDelegationChain(t *testing.T) {
	f := &fakeLedger{
		pages: map[string]*ledger.KeyPage{
			"acc://bob.acme/book/1":  page("acc://bob.acme/book/1", delegate("acc://corp.acme/book/1")),
			"acc://corp.acme/book/1": page("acc://corp.acme/book/1", keyEntry("bb")),
		},
		bookPages: map[string]int{"acc://bob.acme/book": 1},
	}
	e := NewExplorer(f, 10, nil)
	ident := inbox.Identity{
		URL:      "acc://bob.acme",
		KeyBooks: []inbox.KeyBook{{URL: "acc://bob.acme/book"}},
	}
	res := e.Explore(context.Background(), ident)

	got := renderAll(res.Paths)
	if !got["acc://bob.acme/book/1"] {
		t.Errorf("missing direct path: %v", got)
	}
	if !got["acc://bob.acme/book/1 -> acc://corp.acme/book/1"] {
		t.Errorf("missing delegation path: %v", got)
	}
}

func TestExploreStoredPagesSeedDirectPathsAndDFS(t *testing.T) {
	stored := inbox.Identity{
		URL: "acc://bob.acme",
		KeyBooks: []inbox.KeyBook{{
			URL: "acc://bob.acme/book",
			Pages: []ledger.KeyPage{{
				URL:     "acc://bob.acme/book/1",
				Entries: []ledger.KeyEntry{delegate("acc://corp.acme/book/1")},
			}},
		}},
	}
	f := &fakeLedger{
		pages: map[string]*ledger.KeyPage{
			"acc://corp.acme/book/1": page("acc://corp.acme/book/1", keyEntry("bb")),
		},
	}
	e := NewExplorer(f, 10, nil)
	res := e.Explore(context.Background(), stored)

	got := renderAll(res.Paths)
	if !got["acc://bob.acme/book/1"] {
		t.Errorf("stored page should register a direct path: %v", got)
	}
	if !got["acc://bob.acme/book/1 -> acc://corp.acme/book/1"] {
		t.Errorf("stored page delegates should be followed: %v", got)
	}
}

func TestExploreCyclicDelegationTerminates(t *testing.T) {
	// A delegates B; B delegates A.
	f := &fakeLedger{
		pages: map[string]*ledger.KeyPage{
			"acc://a.acme/book/1": page("acc://a.acme/book/1", delegate("acc://b.acme/book/1")),
			"acc://b.acme/book/1": page("acc://b.acme/book/1", delegate("acc://a.acme/book/1")),
		},
		bookPages: map[string]int{"acc://a.acme/book": 1},
	}
	e := NewExplorer(f, 10, nil)
	ident := inbox.Identity{
		URL:      "acc://a.acme",
		KeyBooks: []inbox.KeyBook{{URL: "acc://a.acme/book"}},
	}
	res := e.Explore(context.Background(), ident)

	endingAtB := 0
	for _, p := range res.Paths {
		if p.FinalSigner() == "acc://b.acme/book/1" {
			endingAtB++
		}
		seen := map[string]bool{}
		for _, hop := range p.Hops {
			if seen[hop] {
				t.Fatalf("path %q revisits a hop", p.Render())
			}
			seen[hop] = true
		}
	}
	if endingAtB != 1 {
		t.Fatalf("expected exactly one path ending at B, got %d (%v)", endingAtB, renderAll(res.Paths))
	}
}

func TestExploreDepthCap(t *testing.T) {
	// p1 -> p2 -> p3 -> p4, capped at depth 2.
	f := &fakeLedger{
		pages: map[string]*ledger.KeyPage{
			"acc://d.acme/book/1": page("acc://d.acme/book/1", delegate("acc://d2.acme/book/1")),
			"acc://d2.acme/book/1": page("acc://d2.acme/book/1", delegate("acc://d3.acme/book/1")),
			"acc://d3.acme/book/1": page("acc://d3.acme/book/1", delegate("acc://d4.acme/book/1")),
			"acc://d4.acme/book/1": page("acc://d4.acme/book/1", keyEntry("zz")),
		},
		bookPages: map[string]int{"acc://d.acme/book": 1},
	}
	e := NewExplorer(f, 2, nil)
	ident := inbox.Identity{
		URL:      "acc://d.acme",
		KeyBooks: []inbox.KeyBook{{URL: "acc://d.acme/book"}},
	}
	res := e.Explore(context.Background(), ident)

	for _, p := range res.Paths {
		if len(p.Hops) > 3 {
			t.Fatalf("path %q exceeds depth cap", p.Render())
		}
		if p.FinalSigner() == "acc://d4.acme/book/1" {
			t.Fatalf("path beyond maxDepth must not be recorded: %q", p.Render())
		}
	}
}

func TestExploreDropsMissingDelegates(t *testing.T) {
	f := &fakeLedger{
		pages: map[string]*ledger.KeyPage{
			"acc://e.acme/book/1": page("acc://e.acme/book/1", delegate("acc://gone.acme/book/1")),
		},
		bookPages: map[string]int{"acc://e.acme/book": 1},
		missing:   map[string]bool{"acc://gone.acme/book/1": true},
	}
	e := NewExplorer(f, 10, nil)
	ident := inbox.Identity{
		URL:      "acc://e.acme",
		KeyBooks: []inbox.KeyBook{{URL: "acc://e.acme/book"}},
	}
	res := e.Explore(context.Background(), ident)
	for _, p := range res.Paths {
		if p.FinalSigner() == "acc://gone.acme/book/1" {
			t.Fatalf("nonexistent delegate must be dropped: %q", p.Render())
		}
	}
}

func TestPathAccessors(t *testing.T) {
	p := Path{Hops: []string{"acc://a/book/1", "acc://b/book/1"}}
	if p.FinalSigner() != "acc://b/book/1" || p.Prior() != "acc://a/book/1" || p.Direct() {
		t.Fatalf("accessors wrong: %+v", p)
	}
	d := Path{Hops: []string{"acc://a/book/1"}}
	if !d.Direct() || d.Prior() != "" {
		t.Fatalf("direct accessors wrong: %+v", d)
	}
}
