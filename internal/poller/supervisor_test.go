package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/accuwallet/inboxd/internal/discovery"
	"github.com/accuwallet/inboxd/internal/inbox"
	"github.com/accuwallet/inboxd/internal/ledger"
	"github.com/accuwallet/inboxd/internal/reconcile"
)

// fakeStore backs the supervisor tests.
type fakeStore struct {
	mu       sync.Mutex
	users    []inbox.User
	listErr  error
	inboxErr map[string]error
	applied  map[string]int
}

func (f *fakeStore) ListUsersWithIdentities(ctx context.Context) ([]inbox.User, error) {
	return f.users, f.listErr
}

func (f *fakeStore) GetInboxIDs(ctx context.Context, uid string) ([]string, error) {
	if err := f.inboxErr[uid]; err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeStore) GetSummary(ctx context.Context, uid string) (map[string]any, error) {
	return nil, nil
}

func (f *fakeStore) ApplyInboxDiff(ctx context.Context, uid string, diff inbox.Diff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied == nil {
		f.applied = map[string]int{}
	}
	f.applied[uid]++
	return nil
}

// emptyLedger answers every query with nothing.
type emptyLedger struct{}

func (l *emptyLedger) QueryPendingTxIDs(ctx context.Context, scope string, pageSize, maxPages int) []string {
	return nil
}
func (l *emptyLedger) QueryTransaction(ctx context.Context, txid string) *ledger.PendingTx {
	return nil
}
func (l *emptyLedger) QueryTransactionRaw(ctx context.Context, txid string) map[string]any {
	return nil
}
func (l *emptyLedger) QuerySignatureChain(ctx context.Context, url string, start, count int, expand bool) ([]any, int, error) {
	return nil, 0, nil
}
func (l *emptyLedger) QueryKeyBookPageCount(ctx context.Context, url string) int  { return 0 }
func (l *emptyLedger) QueryKeyPage(ctx context.Context, url string) *ledger.KeyPage { return nil }
func (l *emptyLedger) QueryDirectory(ctx context.Context, url string, start, count int) []string {
	return nil
}
func (l *emptyLedger) AccountExists(ctx context.Context, url string) bool { return false }

func identityUser(uid string) inbox.User {
	return inbox.User{
		UID: uid,
		Identities: []inbox.Identity{{
			URL:      "acc://" + uid + ".acme",
			KeyBooks: []inbox.KeyBook{{URL: "acc://" + uid + ".acme/book"}},
		}},
	}
}

func newTestSupervisor(store *fakeStore, factory ClientFactory) *Supervisor {
	return New(Options{
		Store:           store,
		Clients:         factory,
		Reconciler:      reconcile.New(store, false, nil),
		PollInterval:    time.Hour,
		UserConcurrency: 2,
	})
}

func okFactory() (discovery.Ledger, *ledger.CallStats) {
	stats := &ledger.CallStats{}
	stats.Attempts.Add(1) // at least one call succeeded
	return &emptyLedger{}, stats
}

func allFailedFactory() (discovery.Ledger, *ledger.CallStats) {
	stats := &ledger.CallStats{}
	stats.Attempts.Add(3)
	stats.Failures.Add(3)
	return &emptyLedger{}, stats
}

func TestCycleProcessesAndSkipsUsers(t *testing.T) {
	store := &fakeStore{users: []inbox.User{
		identityUser("u1"),
		{UID: "u2"}, // no identities
		identityUser("u3"),
	}}
	s := newTestSupervisor(store, okFactory)
	stats := s.runCycle(context.Background())

	if stats.TotalUsers.Load() != 3 {
		t.Errorf("totalUsers = %d", stats.TotalUsers.Load())
	}
	if stats.ProcessedUsers.Load() != 2 {
		t.Errorf("processedUsers = %d", stats.ProcessedUsers.Load())
	}
	if stats.SkippedUsers.Load() != 1 {
		t.Errorf("skippedUsers = %d", stats.SkippedUsers.Load())
	}
	if stats.FirestoreWrites.Load() != 2 {
		t.Errorf("firestoreWrites = %d", stats.FirestoreWrites.Load())
	}
	if store.applied["u1"] != 1 || store.applied["u3"] != 1 {
		t.Errorf("applied = %v", store.applied)
	}
}

func TestPerUserFailureIsIsolated(t *testing.T) {
	store := &fakeStore{
		users:    []inbox.User{identityUser("bad"), identityUser("good")},
		inboxErr: map[string]error{"bad": errors.New("store down")},
	}
	s := newTestSupervisor(store, okFactory)
	stats := s.runCycle(context.Background())

	if stats.FailedUsers.Load() != 1 {
		t.Errorf("failedUsers = %d", stats.FailedUsers.Load())
	}
	if stats.ProcessedUsers.Load() != 1 {
		t.Errorf("processedUsers = %d", stats.ProcessedUsers.Load())
	}
	if store.applied["good"] != 1 {
		t.Errorf("healthy user must still commit: %v", store.applied)
	}
}

func TestLedgerUnavailabilitySkipsReconcile(t *testing.T) {
	store := &fakeStore{users: []inbox.User{identityUser("u1")}}
	s := newTestSupervisor(store, allFailedFactory)
	stats := s.runCycle(context.Background())

	if stats.FailedUsers.Load() != 1 {
		t.Errorf("failedUsers = %d", stats.FailedUsers.Load())
	}
	if len(store.applied) != 0 {
		t.Fatalf("must not reconcile against an unreachable ledger: %v", store.applied)
	}
}

func TestCycleAbortsWhenListingFails(t *testing.T) {
	store := &fakeStore{listErr: errors.New("firestore unavailable")}
	s := newTestSupervisor(store, okFactory)
	stats := s.runCycle(context.Background())
	if stats.TotalUsers.Load() != 0 || stats.ProcessedUsers.Load() != 0 {
		t.Errorf("aborted cycle must process nothing: %+v", stats.TotalUsers.Load())
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	store := &fakeStore{users: []inbox.User{identityUser("u1")}}
	s := newTestSupervisor(store, okFactory)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not drain after cancel")
	}
}
