// Package discovery derives the set of pending transactions a user is
// eligible to sign. Three complementary phases feed one deduplicated map:
// delegated signing paths, the user's direct accounts, and a signature-chain
// scan that catches cross-identity requests the first two phases miss.
package discovery

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/accuwallet/inboxd/internal/accutil"
	"github.com/accuwallet/inboxd/internal/inbox"
	"github.com/accuwallet/inboxd/internal/ledger"
	"github.com/accuwallet/inboxd/internal/signing"
)

// Ledger is the full query surface the engine needs. *ledger.Client
// satisfies it.
type Ledger interface {
	signing.Ledger
	QueryPendingTxIDs(ctx context.Context, scope string, pageSize, maxPages int) []string
	QuerySignatureChain(ctx context.Context, url string, start, count int, expand bool) ([]any, int, error)
	QueryTransaction(ctx context.Context, txid string) *ledger.PendingTx
	QueryTransactionRaw(ctx context.Context, txid string) map[string]any
}

// Category classifies why a transaction is in the user's inbox. A
// transaction initiated by the user dominates one merely requiring their
// signature.
type Category string

const (
	CategoryInitiatedByUser    Category = "initiated_by_user"
	CategoryRequiringSignature Category = "requiring_signature"
)

// Eligible is one pending transaction the user can act on, with every
// signing-path rendering that authorizes them.
type Eligible struct {
	Tx       *ledger.PendingTx
	Paths    []string
	Category Category
}

// Result is one user's discovery output. Order preserves first-seen
// insertion order of the hash keys.
type Result struct {
	Eligible         map[string]*Eligible
	Order            []string
	SignaturesByHash map[string][]ledger.SignatureRecord
}

// Options tunes the engine. Zero values use the defaults below.
type Options struct {
	PageSize     int
	MaxPages     int
	SigScanLimit int
	Logger       *slog.Logger
}

const (
	defaultPageSize     = 100
	defaultMaxPages     = 10
	defaultSigScanLimit = 30
)

type Engine struct {
	ledger       Ledger
	pageSize     int
	maxPages     int
	sigScanLimit int
	logger       *slog.Logger
}

func NewEngine(l Ledger, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.SigScanLimit <= 0 {
		opts.SigScanLimit = defaultSigScanLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		ledger:       l,
		pageSize:     opts.PageSize,
		maxPages:     opts.MaxPages,
		sigScanLimit: opts.SigScanLimit,
		logger:       opts.Logger,
	}
}

// Discover runs the three phases for one user and returns the deduplicated
// eligible set. Per-path, per-account, and per-book failures are logged and
// swallowed; the user sees whatever the surviving queries produced.
func (e *Engine) Discover(ctx context.Context, user inbox.User, paths []signing.Path) *Result {
	res := &Result{
		Eligible:         map[string]*Eligible{},
		SignaturesByHash: map[string][]ledger.SignatureRecord{},
	}
	userKeys := userKeyHashes(user)

	e.phaseSigningPaths(ctx, paths, res)
	e.phaseDirectAccounts(ctx, user, userKeys, res)
	e.phaseSignatureChains(ctx, user, userKeys, res)

	return res
}

// userKeyHashes is the ground truth of "has the user already signed": every
// key hash across every stored key page of every identity.
func userKeyHashes(user inbox.User) map[string]bool {
	keys := map[string]bool{}
	for _, ident := range user.Identities {
		for _, book := range ident.KeyBooks {
			for _, page := range book.Pages {
				for _, entry := range page.Entries {
					if entry.PublicKeyHash != "" {
						keys[accutil.NormalizeHash(entry.PublicKeyHash)] = true
					}
				}
			}
		}
	}
	return keys
}

func userHasSigned(sigs []ledger.SignatureRecord, userKeys map[string]bool) bool {
	for _, sig := range sigs {
		hash := accutil.NormalizeHash(sig.PublicKeyHash)
		if hash != "" && userKeys[hash] {
			return true
		}
	}
	return false
}

// Phase 1: delegated transactions. For each multi-hop path, pending work on
// the final signer is eligible until the prior hop has signed — the user may
// not hold a key on the final signer at all, so the predicate tests the
// prior hop, not the user's keys.
func (e *Engine) phaseSigningPaths(ctx context.Context, paths []signing.Path, res *Result) {
	for _, path := range paths {
		if path.Direct() {
			continue
		}
		prior := accutil.NormalizeURL(path.Prior())
		for _, tx := range e.fetchPending(ctx, path.FinalSigner()) {
			res.SignaturesByHash[tx.Hash] = tx.Signatures
			priorSigned := false
			for _, sig := range tx.Signatures {
				if accutil.NormalizeURL(sig.Signer) == prior {
					priorSigned = true
					break
				}
			}
			if priorSigned {
				continue
			}
			res.add(tx, path.Render(), CategoryRequiringSignature)
		}
	}
}

// Phase 2: direct accounts. Everything pending on the identity's own
// account surface that the user has not yet signed.
func (e *Engine) phaseDirectAccounts(ctx context.Context, user inbox.User, userKeys map[string]bool, res *Result) {
	for _, ident := range user.Identities {
		identityURL := accutil.NormalizeURL(ident.URL)
		for _, account := range e.enumerateAccounts(ctx, ident) {
			for _, tx := range e.fetchPending(ctx, account) {
				res.SignaturesByHash[tx.Hash] = tx.Signatures
				if userHasSigned(tx.Signatures, userKeys) {
					continue
				}
				res.add(tx, account, determineCategory(tx, identityURL))
			}
		}
	}
}

// enumerateAccounts collects the identity URL, stored sub-accounts, stored
// key books with their ledger-enumerated pages, and the identity's
// directory entries, deduplicated canonically.
func (e *Engine) enumerateAccounts(ctx context.Context, ident inbox.Identity) []string {
	seen := map[string]bool{}
	var out []string
	add := func(raw string) {
		url := accutil.NormalizeURL(raw)
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, url)
	}
	identityURL := accutil.NormalizeURL(ident.URL)
	add(identityURL)
	for _, account := range ident.Accounts {
		add(account.URL)
	}
	for _, book := range ident.KeyBooks {
		add(book.URL)
		pageCount := e.ledger.QueryKeyBookPageCount(ctx, book.URL)
		for i := 1; i <= pageCount; i++ {
			add(accutil.NormalizeURL(book.URL) + "/" + strconv.Itoa(i))
		}
	}
	for _, entry := range e.ledger.QueryDirectory(ctx, identityURL, 0, e.pageSize) {
		add(entry)
	}
	return out
}

func determineCategory(tx *ledger.PendingTx, identityURL string) Category {
	if accutil.ExtractADI(tx.Principal) == identityURL {
		return CategoryInitiatedByUser
	}
	return CategoryRequiringSignature
}

// Phase 3: signature-chain scan. Reads the tail of each key book's
// signature chain for signatureRequest entries whose produced transactions
// are still pending and not yet signed by the user. Only the most recent
// sigScanLimit entries are examined; older misses recover on later cycles.
func (e *Engine) phaseSignatureChains(ctx context.Context, user inbox.User, userKeys map[string]bool, res *Result) {
	examined := map[string]bool{}
	for _, ident := range user.Identities {
		for _, bookURL := range e.bookURLs(ctx, ident) {
			if err := e.scanBookChain(ctx, bookURL, userKeys, examined, res); err != nil {
				e.logger.Warn("signature chain scan failed", "book", bookURL, "err", err)
			}
		}
	}
}

func (e *Engine) bookURLs(ctx context.Context, ident inbox.Identity) []string {
	seen := map[string]bool{}
	var out []string
	add := func(raw string) {
		url := accutil.NormalizeURL(raw)
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, url)
	}
	for _, book := range ident.KeyBooks {
		add(book.URL)
	}
	for _, entry := range e.ledger.QueryDirectory(ctx, accutil.NormalizeURL(ident.URL), 0, e.pageSize) {
		if accutil.IsKeyBookURL(entry) {
			add(entry)
		}
	}
	return out
}

func (e *Engine) scanBookChain(ctx context.Context, bookURL string, userKeys map[string]bool, examined map[string]bool, res *Result) error {
	_, total, err := e.ledger.QuerySignatureChain(ctx, bookURL, 0, 1, false)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	count := e.sigScanLimit
	if total < count {
		count = total
	}
	records, _, err := e.ledger.QuerySignatureChain(ctx, bookURL, total-count, count, true)
	if err != nil {
		return err
	}
	for _, rec := range records {
		value := mapAt(rec, "value")
		message := mapAt(value, "message")
		if strAt(message, "type") != "signatureRequest" {
			continue
		}
		for _, produced := range recordsAt(value, "produced") {
			txID := producedTxID(produced)
			if txID == "" {
				continue
			}
			hash := accutil.NormalizeHash(txID)
			if hash == "" || examined[hash] {
				continue
			}
			examined[hash] = true
			if _, already := res.Eligible[hash]; already {
				continue
			}
			raw := e.ledger.QueryTransactionRaw(ctx, txID)
			if ledger.ParseStatus(statusOf(raw)) != ledger.StatusPending {
				continue
			}
			tx := e.ledger.QueryTransaction(ctx, txID)
			if tx == nil {
				continue
			}
			res.SignaturesByHash[tx.Hash] = tx.Signatures
			if userHasSigned(tx.Signatures, userKeys) {
				continue
			}
			res.add(tx, bookURL, CategoryRequiringSignature)
		}
	}
	return nil
}

// fetchPending resolves a scope's pending tx ids into full transactions.
// Unretrievable transactions are skipped.
func (e *Engine) fetchPending(ctx context.Context, scope string) []*ledger.PendingTx {
	ids := e.ledger.QueryPendingTxIDs(ctx, scope, e.pageSize, e.maxPages)
	var out []*ledger.PendingTx
	for _, id := range ids {
		tx := e.ledger.QueryTransaction(ctx, id)
		if tx == nil || tx.Hash == "" {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// add merges a transaction into the eligible set keyed by canonical hash.
// Paths are unioned; category promotes to initiated_by_user if any
// contributor reports it.
func (r *Result) add(tx *ledger.PendingTx, path string, category Category) {
	hash := accutil.NormalizeHash(tx.Hash)
	if hash == "" {
		return
	}
	existing, ok := r.Eligible[hash]
	if !ok {
		r.Eligible[hash] = &Eligible{Tx: tx, Paths: []string{path}, Category: category}
		r.Order = append(r.Order, hash)
		return
	}
	if category == CategoryInitiatedByUser {
		existing.Category = CategoryInitiatedByUser
	}
	for _, p := range existing.Paths {
		if p == path {
			return
		}
	}
	existing.Paths = append(existing.Paths, path)
}

// Untyped probing for the raw signature-chain records.

func mapAt(v any, key string) map[string]any {
	m, _ := v.(map[string]any)
	if m == nil {
		return nil
	}
	inner, _ := m[key].(map[string]any)
	return inner
}

func strAt(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func recordsAt(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []any:
		return v
	case map[string]any:
		records, _ := v["records"].([]any)
		return records
	}
	return nil
}

func producedTxID(rec any) string {
	switch v := rec.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["value"].(string); ok {
			return s
		}
		if s, ok := v["id"].(string); ok {
			return s
		}
	}
	return ""
}

func statusOf(raw map[string]any) any {
	if raw == nil {
		return nil
	}
	return raw["status"]
}
