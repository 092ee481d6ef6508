package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"

	"github.com/accuwallet/inboxd/internal/config"
	"github.com/accuwallet/inboxd/internal/discovery"
	"github.com/accuwallet/inboxd/internal/inbox"
	"github.com/accuwallet/inboxd/internal/ledger"
	"github.com/accuwallet/inboxd/internal/poller"
	"github.com/accuwallet/inboxd/internal/reconcile"
	"github.com/accuwallet/inboxd/internal/retry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "inboxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	// FIRESTORE_EMULATOR_HOST is honored by the SDK itself.
	fsClient, err := firestore.NewClient(ctx, cfg.FirebaseProjectID, clientOpts...)
	if err != nil {
		return fmt.Errorf("firestore client: %w", err)
	}
	defer fsClient.Close()

	store := inbox.NewFirestoreStore(fsClient, cfg.UsersCollection, logger)
	ledgerClient := ledger.NewClient(ledger.ClientOptions{
		Endpoint: cfg.LedgerAPIURL,
		Logger:   logger,
		Retry:    retry.Config{MaxRetries: cfg.MaxRetries},
	})

	logger.Info("inboxd starting",
		"network", cfg.Network,
		"endpoint", cfg.LedgerAPIURL,
		"usersCollection", cfg.UsersCollection,
		"dryRun", cfg.DryRun)

	supervisor := poller.New(poller.Options{
		Store: store,
		Clients: func() (discovery.Ledger, *ledger.CallStats) {
			stats := &ledger.CallStats{}
			return ledgerClient.WithStats(stats), stats
		},
		Reconciler:      reconcile.New(store, cfg.DryRun, logger),
		PollInterval:    cfg.PollInterval,
		UserConcurrency: cfg.UserConcurrency,
		DelegationDepth: cfg.DelegationDepth,
		PageSize:        cfg.PendingPageSize,
		Logger:          logger,
	})
	return supervisor.Run(ctx)
}
