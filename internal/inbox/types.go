// Package inbox holds the per-user document model and the Firestore adapter
// that reads registered users and commits inbox updates atomically.
package inbox

import (
	"context"
	"time"

	"github.com/accuwallet/inboxd/internal/ledger"
)

// User is a registered client-app user. Only users that completed onboarding
// and key-vault setup are returned by the store.
type User struct {
	UID             string
	Email           string
	DisplayName     string
	DefaultIdentity string
	Identities      []Identity
}

// Identity is one user-controlled on-chain identity, as last persisted by a
// discovery cycle. The stored view may be stale; the explorer reconciles it
// against the ledger each cycle.
type Identity struct {
	DocID         string
	URL           string
	KeyBooks      []KeyBook
	Accounts      []AccountStub
	CreditBalance float64
	UpdatedAt     time.Time
}

// AccountStub is a sub-account reference: URL plus the ledger account type.
type AccountStub struct {
	URL  string
	Type string
}

// KeyBook is an authority book with its ordered pages.
type KeyBook struct {
	URL   string
	Pages []ledger.KeyPage
}

// Diff is one user's atomic inbox update: every field lands in a single
// store commit or none do.
type Diff struct {
	// Upserts maps document id (normalized tx hash) to the action document.
	Upserts map[string]map[string]any
	// Removes lists document ids to delete.
	Removes []string
	// Summary is the computed per-user aggregate, written at
	// computedState/pending.
	Summary map[string]any
	// Identities maps identity doc id to refreshed fields (merged).
	Identities map[string]map[string]any
}

// Store is the document-store boundary. The production implementation is
// Firestore; tests substitute an in-memory fake.
type Store interface {
	// ListUsersWithIdentities returns every user with both gating flags
	// true, each loaded with all their identities.
	ListUsersWithIdentities(ctx context.Context) ([]User, error)
	// GetInboxIDs returns the document ids currently in the user's
	// pending-actions collection.
	GetInboxIDs(ctx context.Context, uid string) ([]string, error)
	// GetSummary returns the user's current computed summary, or nil when
	// none has been written yet.
	GetSummary(ctx context.Context, uid string) (map[string]any, error)
	// ApplyInboxDiff commits the diff atomically.
	ApplyInboxDiff(ctx context.Context, uid string, diff Diff) error
}
