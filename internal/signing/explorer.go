// Package signing enumerates the key-page chains through which a user's
// on-chain identity can authorize transactions, following delegation
// references across the ledger up to a bounded depth.
package signing

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/accuwallet/inboxd/internal/accutil"
	"github.com/accuwallet/inboxd/internal/inbox"
	"github.com/accuwallet/inboxd/internal/ledger"
)

// Ledger is the subset of ledger operations the explorer needs.
type Ledger interface {
	QueryDirectory(ctx context.Context, url string, start, count int) []string
	QueryKeyBookPageCount(ctx context.Context, url string) int
	QueryKeyPage(ctx context.Context, url string) *ledger.KeyPage
	AccountExists(ctx context.Context, url string) bool
}

// Path is an ordered chain of key-page URLs. A single hop means the user
// owns the page directly; each further hop crosses one delegation edge.
type Path struct {
	Hops []string
}

// FinalSigner is the key page at the end of the chain.
func (p Path) FinalSigner() string {
	if len(p.Hops) == 0 {
		return ""
	}
	return p.Hops[len(p.Hops)-1]
}

// Prior is the hop immediately before the final signer, empty for direct
// paths.
func (p Path) Prior() string {
	if len(p.Hops) < 2 {
		return ""
	}
	return p.Hops[len(p.Hops)-2]
}

// Render is the human form "hop0 -> hop1 -> ...".
func (p Path) Render() string {
	return strings.Join(p.Hops, " -> ")
}

// Direct reports whether the path is a single owned hop.
func (p Path) Direct() bool { return len(p.Hops) == 1 }

// Result is one identity's exploration output: the distinct signing paths
// plus the live key-book snapshots used to refresh the stored identity.
type Result struct {
	Paths []Path
	Books []inbox.KeyBook
}

const (
	defaultMaxDepth  = 10
	directoryPageLen = 100
)

// Explorer walks the delegation graph. One Explorer may be reused across
// identities; all per-walk state is local to Explore.
type Explorer struct {
	ledger   Ledger
	maxDepth int
	logger   *slog.Logger
}

func NewExplorer(l Ledger, maxDepth int, logger *slog.Logger) *Explorer {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Explorer{ledger: l, maxDepth: maxDepth, logger: logger}
}

// walk carries the per-identity exploration state. visited is shared across
// all DFS launches for one identity so cyclic delegation terminates.
type walk struct {
	visited map[string]bool
	seen    map[string]bool // rendered path -> recorded
	paths   []Path
}

func (w *walk) record(p Path) {
	key := p.Render()
	if w.seen[key] {
		return
	}
	w.seen[key] = true
	w.paths = append(w.paths, p)
}

// Explore enumerates the identity's signing paths: stored key pages first
// (registering direct hops and following their delegates), then the live
// ledger view of every seeded key book.
func (e *Explorer) Explore(ctx context.Context, ident inbox.Identity) Result {
	identityURL := accutil.NormalizeURL(ident.URL)
	w := &walk{visited: map[string]bool{}, seen: map[string]bool{}}

	// Seed key-book URLs from the stored books and the identity directory.
	bookURLs := map[string]bool{}
	var bookOrder []string
	addBook := func(raw string) {
		url := accutil.NormalizeURL(raw)
		if url == "" || bookURLs[url] {
			return
		}
		bookURLs[url] = true
		bookOrder = append(bookOrder, url)
	}
	for _, book := range ident.KeyBooks {
		addBook(book.URL)
	}
	// Every directory entry is a candidate book; the ledger's page count is
	// the authoritative filter (0 means not a key book).
	for _, entry := range e.ledger.QueryDirectory(ctx, identityURL, 0, directoryPageLen) {
		addBook(entry)
	}

	// Stored pages: direct paths plus DFS from their delegates.
	directPages := map[string]bool{}
	for _, book := range ident.KeyBooks {
		for i := range book.Pages {
			page := &book.Pages[i]
			url := accutil.NormalizeURL(page.URL)
			if url == "" {
				continue
			}
			if !directPages[url] {
				directPages[url] = true
				w.record(Path{Hops: []string{url}})
			}
			e.followDelegates(ctx, page, []string{url}, w)
		}
	}

	// Live view: enumerate each seeded book's pages on the ledger.
	var books []inbox.KeyBook
	for _, bookURL := range bookOrder {
		pageCount := e.ledger.QueryKeyBookPageCount(ctx, bookURL)
		if pageCount == 0 {
			continue
		}
		book := inbox.KeyBook{URL: bookURL}
		for i := 1; i <= pageCount; i++ {
			pageURL := accutil.NormalizeURL(joinPage(bookURL, i))
			page := e.ledger.QueryKeyPage(ctx, pageURL)
			if page == nil {
				continue
			}
			book.Pages = append(book.Pages, *page)
			if !directPages[pageURL] {
				directPages[pageURL] = true
				w.record(Path{Hops: []string{pageURL}})
			}
			e.followDelegates(ctx, page, []string{pageURL}, w)
		}
		books = append(books, book)
	}

	return Result{Paths: w.paths, Books: books}
}

// followDelegates launches one DFS per delegate entry of page.
func (e *Explorer) followDelegates(ctx context.Context, page *ledger.KeyPage, current []string, w *walk) {
	for _, delegate := range page.Delegates() {
		e.followDelegationChain(ctx, delegate, current, w, 1)
	}
}

// followDelegationChain extends current with target and recurses through the
// target page's own delegates. visited is the cycle guard; depth is capped
// strictly at maxDepth.
func (e *Explorer) followDelegationChain(ctx context.Context, target string, current []string, w *walk, depth int) {
	target = accutil.NormalizeURL(target)
	if target == "" || w.visited[target] || depth > e.maxDepth {
		return
	}
	// A back-edge to a page already on this chain would record a path with
	// a duplicate hop; paths are cycle-free.
	for _, hop := range current {
		if hop == target {
			return
		}
	}
	w.visited[target] = true

	if !e.ledger.AccountExists(ctx, target) {
		e.logger.Debug("delegate target does not exist, dropping", "target", target)
		return
	}

	next := make([]string, len(current), len(current)+1)
	copy(next, current)
	next = append(next, target)
	w.record(Path{Hops: next})

	page := e.ledger.QueryKeyPage(ctx, target)
	if page == nil {
		return
	}
	for _, delegate := range page.Delegates() {
		e.followDelegationChain(ctx, delegate, next, w, depth+1)
	}
}

func joinPage(bookURL string, n int) string {
	return strings.TrimRight(bookURL, "/") + "/" + strconv.Itoa(n)
}
