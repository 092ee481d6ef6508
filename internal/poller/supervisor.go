// Package poller schedules discovery cycles: a ticker loop that fans each
// cycle out over the registered users with bounded concurrency, isolates
// per-user failures, and drains cleanly on shutdown.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/accuwallet/inboxd/internal/discovery"
	"github.com/accuwallet/inboxd/internal/inbox"
	"github.com/accuwallet/inboxd/internal/ledger"
	"github.com/accuwallet/inboxd/internal/reconcile"
	"github.com/accuwallet/inboxd/internal/retry"
	"github.com/accuwallet/inboxd/internal/signing"
)

// ClientFactory returns the ledger view for one user's work, wired to a
// stats counter so the pipeline can detect total ledger unavailability.
type ClientFactory func() (discovery.Ledger, *ledger.CallStats)

// Options wires a Supervisor.
type Options struct {
	Store           inbox.Store
	Clients         ClientFactory
	Reconciler      *reconcile.Reconciler
	PollInterval    time.Duration
	UserConcurrency int
	DelegationDepth int
	PageSize        int
	Logger          *slog.Logger
}

// Stats aggregates one cycle. Worker goroutines update the counters
// concurrently; DurationMs is set once at cycle end.
type Stats struct {
	TotalUsers      atomic.Int64
	ProcessedUsers  atomic.Int64
	SkippedUsers    atomic.Int64
	FailedUsers     atomic.Int64
	TotalPending    atomic.Int64
	FirestoreWrites atomic.Int64
	DurationMs      int64
}

type Supervisor struct {
	store           inbox.Store
	clients         ClientFactory
	reconciler      *reconcile.Reconciler
	pollInterval    time.Duration
	userConcurrency int
	delegationDepth int
	pageSize        int
	logger          *slog.Logger
	running         atomic.Bool
}

func New(opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Minute
	}
	if opts.UserConcurrency <= 0 {
		opts.UserConcurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		store:           opts.Store,
		clients:         opts.Clients,
		reconciler:      opts.Reconciler,
		pollInterval:    opts.PollInterval,
		userConcurrency: opts.UserConcurrency,
		delegationDepth: opts.DelegationDepth,
		pageSize:        opts.PageSize,
		logger:          opts.Logger,
	}
}

// Run performs an immediate cycle, then one per tick until ctx is canceled.
// Ticks arriving while a cycle is still in flight are dropped; cycles never
// overlap. In-flight work drains before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("poller starting",
		"pollInterval", s.pollInterval.String(),
		"userConcurrency", s.userConcurrency,
		"delegationDepth", s.delegationDepth)

	var cycles sync.WaitGroup
	launch := func() {
		if !s.running.CompareAndSwap(false, true) {
			s.logger.Debug("previous cycle still running, skipping tick")
			return
		}
		cycles.Add(1)
		go func() {
			defer cycles.Done()
			defer s.running.Store(false)
			s.runCycle(ctx)
		}()
	}

	launch()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("poller stopping, draining in-flight work")
			cycles.Wait()
			return nil
		case <-ticker.C:
			launch()
		}
	}
}

// runCycle lists users and fans the per-user pipeline out under the
// semaphore. A failure listing users aborts the cycle without crashing.
func (s *Supervisor) runCycle(ctx context.Context) *Stats {
	started := time.Now()
	stats := &Stats{}

	users, err := s.store.ListUsersWithIdentities(ctx)
	if err != nil {
		s.logger.Error("cycle aborted: listing users failed", "err", err)
		return stats
	}
	stats.TotalUsers.Store(int64(len(users)))

	sem := retry.NewSemaphore(s.userConcurrency)
	var wg sync.WaitGroup
	for _, user := range users {
		if err := sem.Acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(user inbox.User) {
			defer wg.Done()
			defer sem.Release()
			s.processUser(ctx, user, stats)
		}(user)
	}
	wg.Wait()

	stats.DurationMs = time.Since(started).Milliseconds()
	s.logger.Info("cycle complete",
		"totalUsers", stats.TotalUsers.Load(),
		"processedUsers", stats.ProcessedUsers.Load(),
		"skippedUsers", stats.SkippedUsers.Load(),
		"failedUsers", stats.FailedUsers.Load(),
		"totalPending", stats.TotalPending.Load(),
		"firestoreWrites", stats.FirestoreWrites.Load(),
		"durationMs", stats.DurationMs)
	return stats
}

// processUser runs explore -> discover -> reconcile for one user. Any
// failure is counted and logged; other users are unaffected.
func (s *Supervisor) processUser(ctx context.Context, user inbox.User, stats *Stats) {
	logger := s.logger.With("uid", user.UID)
	defer func() {
		if r := recover(); r != nil {
			stats.FailedUsers.Add(1)
			logger.Error("user cycle panicked", "panic", r)
		}
	}()

	if len(user.Identities) == 0 {
		stats.SkippedUsers.Add(1)
		return
	}

	client, callStats := s.clients()
	explorer := signing.NewExplorer(client, s.delegationDepth, logger)

	var paths []signing.Path
	identityRefresh := map[string]map[string]any{}
	now := time.Now().UTC()
	for _, ident := range user.Identities {
		result := explorer.Explore(ctx, ident)
		paths = append(paths, result.Paths...)
		if ident.DocID != "" && len(result.Books) > 0 {
			identityRefresh[ident.DocID] = inbox.IdentityRefreshFields(result.Books, now)
		}
	}

	engine := discovery.NewEngine(client, discovery.Options{
		PageSize: s.pageSize,
		Logger:   logger,
	})
	res := engine.Discover(ctx, user, paths)

	// With the ledger fully unreachable an empty result is
	// indistinguishable from an empty inbox; reconciling would flap every
	// entry out. Count the user failed and try again next cycle.
	if callStats.AllFailed() {
		stats.FailedUsers.Add(1)
		logger.Error("every ledger call failed, keeping previous inbox")
		return
	}

	outcome, err := s.reconciler.Reconcile(ctx, user, res, identityRefresh)
	if err != nil {
		stats.FailedUsers.Add(1)
		logger.Error("reconcile failed", "err", err)
		return
	}
	stats.ProcessedUsers.Add(1)
	stats.TotalPending.Add(int64(outcome.Total))
	if outcome.Wrote {
		stats.FirestoreWrites.Add(1)
	}
	logger.Debug("user cycle complete",
		"pending", outcome.Total, "added", outcome.Added, "removed", outcome.Removed)
}
