// Package reconcile turns one user's discovery result into an atomic inbox
// update: per-action documents, the computed summary, and the diff against
// the store's current view.
package reconcile

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/accuwallet/inboxd/internal/accutil"
	"github.com/accuwallet/inboxd/internal/discovery"
	"github.com/accuwallet/inboxd/internal/inbox"
	"github.com/accuwallet/inboxd/internal/ledger"
)

const (
	criticalWindow = 4 * time.Hour
	warningWindow  = 24 * time.Hour
)

// Outcome summarizes what one reconciliation did.
type Outcome struct {
	Added   int
	Removed int
	Total   int
	Wrote   bool
}

type Reconciler struct {
	store  inbox.Store
	dryRun bool
	logger *slog.Logger
	now    func() time.Time
}

func New(store inbox.Store, dryRun bool, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, dryRun: dryRun, logger: logger, now: time.Now}
}

// Reconcile diffs the discovery result against the user's current inbox and
// commits the changes in one batch. identityRefresh carries the explorer's
// live key-book snapshots, persisted in the same commit. Fully idempotent:
// re-running with the same inputs converges on the same store state.
func (r *Reconciler) Reconcile(ctx context.Context, user inbox.User, res *discovery.Result, identityRefresh map[string]map[string]any) (Outcome, error) {
	now := r.now().UTC()

	currentIDs, err := r.store.GetInboxIDs(ctx, user.UID)
	if err != nil {
		return Outcome{}, err
	}
	newIDs := make(map[string]bool, len(res.Order))
	for _, hash := range res.Order {
		newIDs[hash] = true
	}

	var toRemove []string
	for _, id := range currentIDs {
		if !newIDs[id] {
			toRemove = append(toRemove, id)
		}
	}

	upserts := make(map[string]map[string]any, len(res.Order))
	for _, hash := range res.Order {
		upserts[hash] = buildDoc(res.Eligible[hash], now)
	}

	summary := buildSummary(user.UID, res, now)
	outcome := Outcome{Added: len(upserts), Removed: len(toRemove), Total: len(res.Order)}

	if r.dryRun {
		r.logger.Info("dry run, skipping inbox write",
			"uid", user.UID, "add", outcome.Added, "remove", outcome.Removed)
		return outcome, nil
	}

	err = r.store.ApplyInboxDiff(ctx, user.UID, inbox.Diff{
		Upserts:    upserts,
		Removes:    toRemove,
		Summary:    summary,
		Identities: identityRefresh,
	})
	if err != nil {
		return Outcome{}, err
	}
	outcome.Wrote = true
	return outcome, nil
}

// buildDoc renders one eligible transaction into its inbox document.
func buildDoc(el *discovery.Eligible, now time.Time) map[string]any {
	tx := el.Tx
	status := "pending"
	if len(tx.Signatures) > 0 {
		status = "partially_signed"
	}

	doc := map[string]any{
		"txId":                 tx.TxID,
		"txHash":               accutil.NormalizeHash(tx.Hash),
		"principal":            tx.Principal,
		"type":                 tx.Type,
		"status":               status,
		"category":             string(el.Category),
		"eligibleSigningPaths": el.Paths,
		"userHasSigned":        false,
		"urgencyLevel":         "normal",
		"isExpiring":           false,
		"signatures":           renderSignatures(tx.Signatures, now),
		"discoveredAt":         now,
		"updatedAt":            now,
	}
	if tx.ExpiresAt != nil {
		remaining := tx.ExpiresAt.Sub(now)
		doc["expiresAt"] = tx.ExpiresAt.UTC()
		doc["timeRemaining"] = remaining.Milliseconds()
		doc["urgencyLevel"] = urgencyLevel(remaining)
		doc["isExpiring"] = remaining < warningWindow
	}
	return doc
}

func urgencyLevel(remaining time.Duration) string {
	switch {
	case remaining < criticalWindow:
		return "critical"
	case remaining < warningWindow:
		return "warning"
	default:
		return "normal"
	}
}

func renderSignatures(sigs []ledger.SignatureRecord, now time.Time) []any {
	out := make([]any, 0, len(sigs))
	for _, sig := range sigs {
		vote := sig.Vote
		if vote == "" {
			vote = "approve"
		}
		signedAt := sig.Timestamp
		if signedAt.IsZero() {
			signedAt = now
		}
		out = append(out, map[string]any{
			"signer":        sig.Signer,
			"publicKeyHash": sig.PublicKeyHash,
			"vote":          vote,
			"signedAt":      signedAt.UTC(),
		})
	}
	return out
}

func buildSummary(uid string, res *discovery.Result, now time.Time) map[string]any {
	urgent := 0
	byCategory := map[string]int{}
	hashes := make([]any, 0, len(res.Order))
	for _, hash := range res.Order {
		el := res.Eligible[hash]
		hashes = append(hashes, hash)
		byCategory[string(el.Category)]++
		if el.Tx.ExpiresAt != nil && el.Tx.ExpiresAt.Sub(now) < warningWindow {
			urgent++
		}
	}
	return map[string]any{
		"count":       len(res.Order),
		"urgentCount": urgent,
		"categories": map[string]any{
			string(discovery.CategoryInitiatedByUser):    byCategory[string(discovery.CategoryInitiatedByUser)],
			string(discovery.CategoryRequiringSignature): byCategory[string(discovery.CategoryRequiringSignature)],
		},
		"txHashes":   hashes,
		"cycleToken": CycleToken(uid, now),
		"computedAt": now,
	}
}

// CycleToken stamps a summary with an opaque id correlating it to the
// producing cycle: base36 millis, a random segment, and a uid digest prefix.
func CycleToken(uid string, now time.Time) string {
	millis := strconv.FormatInt(now.UnixMilli(), 36)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	digest := md5.Sum([]byte(uid))
	return millis + "_" + random + "_" + hex.EncodeToString(digest[:])[:8]
}
