package reconcile

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/accuwallet/inboxd/internal/discovery"
	"github.com/accuwallet/inboxd/internal/inbox"
	"github.com/accuwallet/inboxd/internal/ledger"
)

// fakeStore records applied diffs in memory.
type fakeStore struct {
	inboxIDs []string
	applied  []inbox.Diff
	err      error
}

func (f *fakeStore) ListUsersWithIdentities(ctx context.Context) ([]inbox.User, error) {
	return nil, nil
}

func (f *fakeStore) GetInboxIDs(ctx context.Context, uid string) ([]string, error) {
	return f.inboxIDs, f.err
}

func (f *fakeStore) GetSummary(ctx context.Context, uid string) (map[string]any, error) {
	return nil, nil
}

func (f *fakeStore) ApplyInboxDiff(ctx context.Context, uid string, diff inbox.Diff) error {
	f.applied = append(f.applied, diff)
	return nil
}

func resultWith(entries ...*discovery.Eligible) *discovery.Result {
	res := &discovery.Result{
		Eligible:         map[string]*discovery.Eligible{},
		SignaturesByHash: map[string][]ledger.SignatureRecord{},
	}
	for _, el := range entries {
		res.Eligible[el.Tx.Hash] = el
		res.Order = append(res.Order, el.Tx.Hash)
	}
	return res
}

func eligible(hash string, expires *time.Time, sigs ...ledger.SignatureRecord) *discovery.Eligible {
	return &discovery.Eligible{
		Tx: &ledger.PendingTx{
			TxID:       "acc://" + hash + "@x.acme",
			Hash:       hash,
			Principal:  "acc://x.acme/tokens",
			Type:       "sendTokens",
			Status:     ledger.StatusPending,
			Signatures: sigs,
			ExpiresAt:  expires,
		},
		Paths:    []string{"acc://x.acme/book/1"},
		Category: discovery.CategoryRequiringSignature,
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
}

func newTestReconciler(store inbox.Store, dryRun bool) *Reconciler {
	r := New(store, dryRun, nil)
	r.now = fixedNow
	return r
}

func TestReconcileRemovesStaleAndUpsertsCurrent(t *testing.T) {
	store := &fakeStore{inboxIDs: []string{"h1", "h2"}}
	r := newTestReconciler(store, false)

	res := resultWith(eligible("h1", nil))
	outcome, err := r.Reconcile(context.Background(), inbox.User{UID: "u1"}, res, nil)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if outcome.Added != 1 || outcome.Removed != 1 || outcome.Total != 1 || !outcome.Wrote {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(store.applied) != 1 {
		t.Fatalf("expected one commit, got %d", len(store.applied))
	}
	diff := store.applied[0]
	if len(diff.Removes) != 1 || diff.Removes[0] != "h2" {
		t.Errorf("removes = %v", diff.Removes)
	}
	if _, ok := diff.Upserts["h1"]; !ok {
		t.Errorf("upserts = %v", diff.Upserts)
	}
	if diff.Summary["count"] != 1 {
		t.Errorf("summary count = %v", diff.Summary["count"])
	}
	hashes := diff.Summary["txHashes"].([]any)
	if len(hashes) != 1 || hashes[0] != "h1" {
		t.Errorf("txHashes = %v", hashes)
	}
}

func TestReconcileDryRunWritesNothing(t *testing.T) {
	store := &fakeStore{inboxIDs: []string{"h1"}}
	r := newTestReconciler(store, true)

	outcome, err := r.Reconcile(context.Background(), inbox.User{UID: "u1"}, resultWith(), nil)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if outcome.Wrote {
		t.Error("dry run must not write")
	}
	if outcome.Removed != 1 {
		t.Errorf("dry run should still report the diff: %+v", outcome)
	}
	if len(store.applied) != 0 {
		t.Fatalf("store must not be touched in dry run")
	}
}

func TestBuildDocStatusAndSignatureRendering(t *testing.T) {
	now := fixedNow()
	signed := eligible("h3", nil, ledger.SignatureRecord{
		Signer:        "acc://y.acme/book/1",
		PublicKeyHash: "aa",
		Vote:          "",
	})
	doc := buildDoc(signed, now)
	if doc["status"] != "partially_signed" {
		t.Errorf("status = %v", doc["status"])
	}
	sigs := doc["signatures"].([]any)
	rendered := sigs[0].(map[string]any)
	if rendered["vote"] != "approve" {
		t.Errorf("vote default = %v", rendered["vote"])
	}
	if rendered["signedAt"] != now {
		t.Errorf("signedAt fallback = %v", rendered["signedAt"])
	}

	unsigned := eligible("h4", nil)
	doc = buildDoc(unsigned, now)
	if doc["status"] != "pending" {
		t.Errorf("status = %v", doc["status"])
	}
	if doc["userHasSigned"] != false {
		t.Errorf("userHasSigned = %v", doc["userHasSigned"])
	}
	if _, present := doc["expiresAt"]; present {
		t.Error("absent expiry must not serialize")
	}
	if _, present := doc["timeRemaining"]; present {
		t.Error("absent expiry must not produce timeRemaining")
	}
}

func TestUrgencyBoundaries(t *testing.T) {
	now := fixedNow()
	cases := []struct {
		remaining    time.Duration
		wantUrgency  string
		wantExpiring bool
	}{
		{2 * time.Hour, "critical", true},
		{4*time.Hour - time.Minute, "critical", true},
		{4 * time.Hour, "warning", true},
		{23 * time.Hour, "warning", true},
		{24 * time.Hour, "normal", false},
		{48 * time.Hour, "normal", false},
	}
	for _, tc := range cases {
		expires := now.Add(tc.remaining)
		doc := buildDoc(eligible("h5", &expires), now)
		if doc["urgencyLevel"] != tc.wantUrgency {
			t.Errorf("remaining %v: urgency = %v, want %v", tc.remaining, doc["urgencyLevel"], tc.wantUrgency)
		}
		if doc["isExpiring"] != tc.wantExpiring {
			t.Errorf("remaining %v: isExpiring = %v, want %v", tc.remaining, doc["isExpiring"], tc.wantExpiring)
		}
		if doc["timeRemaining"] != tc.remaining.Milliseconds() {
			t.Errorf("remaining %v: timeRemaining = %v", tc.remaining, doc["timeRemaining"])
		}
	}
}

func TestSummaryCountsAndUrgency(t *testing.T) {
	now := fixedNow()
	soon := now.Add(2 * time.Hour)
	later := now.Add(72 * time.Hour)
	initiated := eligible("h6", &soon)
	initiated.Category = discovery.CategoryInitiatedByUser
	res := resultWith(initiated, eligible("h7", &later), eligible("h8", nil))

	summary := buildSummary("u1", res, now)
	if summary["count"] != 3 {
		t.Errorf("count = %v", summary["count"])
	}
	if summary["urgentCount"] != 1 {
		t.Errorf("urgentCount = %v", summary["urgentCount"])
	}
	categories := summary["categories"].(map[string]any)
	if categories["initiated_by_user"] != 1 || categories["requiring_signature"] != 2 {
		t.Errorf("categories = %v", categories)
	}
	hashes := summary["txHashes"].([]any)
	if len(hashes) != 3 || hashes[0] != "h6" || hashes[2] != "h8" {
		t.Errorf("txHashes order = %v", hashes)
	}
}

func TestCycleTokenShape(t *testing.T) {
	token := CycleToken("user-1", fixedNow())
	if !regexp.MustCompile(`^[0-9a-z]+_[0-9a-f]{8}_[0-9a-f]{8}$`).MatchString(token) {
		t.Fatalf("token shape: %q", token)
	}
	other := CycleToken("user-1", fixedNow())
	if token == other {
		t.Fatal("tokens must differ across calls via the random segment")
	}
}
