// Package config loads the daemon's environment configuration. Invalid
// values are startup-fatal: the daemon refuses to run half-configured.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	FirebaseProjectID string
	CredentialsFile   string
	EmulatorHost      string

	LedgerAPIURL string
	Network      string

	PollInterval    time.Duration
	UserConcurrency int
	MaxRetries      int
	DelegationDepth int
	PendingPageSize int

	UsersCollection string
	DryRun          bool
	LogLevel        slog.Level
}

var networks = map[string]bool{"mainnet": true, "testnet": true, "devnet": true}

func Load() (Config, error) {
	cfg := Config{
		FirebaseProjectID: os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile:   os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		EmulatorHost:      os.Getenv("FIRESTORE_EMULATOR_HOST"),
		LedgerAPIURL:      getenv("ACCUMULATE_API_URL", "https://mainnet.accumulatenetwork.io/v3"),
		Network:           getenv("ACCUMULATE_NETWORK", "mainnet"),
		UsersCollection:   getenv("USERS_COLLECTION", "users"),
	}
	if cfg.FirebaseProjectID == "" {
		return Config{}, fmt.Errorf("FIREBASE_PROJECT_ID is required")
	}
	if !networks[cfg.Network] {
		return Config{}, fmt.Errorf("invalid ACCUMULATE_NETWORK %q (mainnet, testnet, devnet)", cfg.Network)
	}

	pollSec, err := intEnv("POLL_INTERVAL_SEC", 600)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval = time.Duration(pollSec) * time.Second
	if cfg.UserConcurrency, err = intEnv("USER_CONCURRENCY", 8); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", 3); err != nil {
		return Config{}, err
	}
	if cfg.DelegationDepth, err = intEnv("DELEGATION_DEPTH", 10); err != nil {
		return Config{}, err
	}
	if cfg.PendingPageSize, err = intEnv("PENDING_PAGE_SIZE", 100); err != nil {
		return Config{}, err
	}
	if cfg.DryRun, err = boolEnv("DRY_RUN", false); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = levelEnv("LOG_LEVEL", slog.LevelInfo); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: expected integer", key, raw)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid %s=%q: must be positive", key, raw)
	}
	return value, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: expected boolean", key, raw)
	}
	return value, nil
}

func levelEnv(key string, fallback slog.Level) (slog.Level, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid %s=%q (debug, info, warn, error)", key, raw)
}
