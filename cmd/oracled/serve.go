package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/milepool/milepool/pkg/activity"
	"github.com/milepool/milepool/pkg/api"
	"github.com/milepool/milepool/pkg/attest"
	"github.com/milepool/milepool/pkg/config"
	"github.com/milepool/milepool/pkg/identity"
	"github.com/milepool/milepool/pkg/journal"
	"github.com/milepool/milepool/pkg/mirror"
	"github.com/milepool/milepool/pkg/observability"
	"github.com/milepool/milepool/pkg/stake"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "oracled.db", "SQLite file for mirror and credentials (ignored with DATABASE_URL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Attester key. Ephemeral keys are fine for development but every
	// restart invalidates previously issued attestations.
	var attesterKey *identity.Key
	var err error
	if cfg.AttesterKeyHex != "" {
		attesterKey, err = identity.KeyFromHex(cfg.AttesterKeyHex)
		if err != nil {
			fmt.Fprintf(stderr, "invalid ATTESTER_KEY: %v\n", err)
			return 1
		}
	} else {
		attesterKey, err = identity.GenerateKey()
		if err != nil {
			fmt.Fprintf(stderr, "keygen failed: %v\n", err)
			return 1
		}
		logger.Warn("no ATTESTER_KEY set, generated ephemeral key", "address", attesterKey.Address().Hex())
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "milepool-oracled",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// Storage: postgres mirror when DATABASE_URL is set, local SQLite
	// otherwise. Credentials always live in the local SQLite file.
	localDB, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "open sqlite: %v\n", err)
		return 1
	}
	defer localDB.Close()

	var store mirror.Store
	if strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		pgDB, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(stderr, "open postgres: %v\n", err)
			return 1
		}
		defer pgDB.Close()
		store, err = mirror.NewPostgresStore(pgDB)
		if err != nil {
			fmt.Fprintf(stderr, "init postgres mirror: %v\n", err)
			return 1
		}
	} else {
		store, err = mirror.NewSQLiteStore(localDB)
		if err != nil {
			fmt.Fprintf(stderr, "init sqlite mirror: %v\n", err)
			return 1
		}
	}

	source, err := buildMileageSource(cfg, localDB)
	if err != nil {
		fmt.Fprintf(stderr, "activity client: %v\n", err)
		return 1
	}

	bank := stake.NewMemBank()
	jrnl := journal.New()

	var sinks stake.MultiSink
	ledger, err := stake.NewLedger(bank, attesterKey.Address(),
		stake.WithEventSink(stake.SinkFunc(func(e stake.Event) { sinks.Record(e) })),
		stake.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(stderr, "ledger init: %v\n", err)
		return 1
	}

	oracle := attest.NewOracle(ledger, source, attesterKey, attest.WithLogger(logger))
	projector := mirror.NewProjector(ledger, store, logger)
	sinks = stake.MultiSink{jrnl, oracle, projector, obs}

	if err := seedProfiles(cfg.ProfilesDir, ledger, bank, logger); err != nil {
		fmt.Fprintf(stderr, "profile seeding: %v\n", err)
		return 1
	}

	sweepInterval := attest.DefaultSweepInterval
	if cfg.SweepInterval != "" {
		d, err := time.ParseDuration(cfg.SweepInterval)
		if err != nil {
			fmt.Fprintf(stderr, "invalid SWEEP_INTERVAL: %v\n", err)
			return 1
		}
		sweepInterval = d
	}
	sweeper := attest.NewSweeper(oracle, sweepInterval,
		attest.WithSweepObserver(func(took time.Duration, refreshed int) {
			obs.RecordSweep(context.Background(), took, refreshed)
		}),
	)
	go sweeper.Run(ctx)
	go runMirrorLoop(ctx, projector, oracle, logger)

	server := api.NewServer(oracle, ledger, store, projector, jrnl,
		api.NewJWTValidator(cfg.JWTSecret),
		api.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("oracled listening", "port", cfg.Port, "attester", attesterKey.Address().Hex())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server error: %v\n", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	fmt.Fprintln(stdout, "oracled stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// buildMileageSource wires the resilient activity client: encrypted
// OAuth credentials in SQLite, refresh-token source, and a shared
// quota in Redis when configured.
func buildMileageSource(cfg *config.Config, db *sql.DB) (attest.MileageSource, error) {
	credStore, err := activity.NewCredentialStore(db, cfg.MasterSecret)
	if err != nil {
		return nil, err
	}
	tokens := activity.NewTokenSource(credStore, activity.NewResilientClient(),
		cfg.ActivityAuthURL, cfg.ClientID, cfg.ClientSecret)

	var opts []activity.ClientOption
	if cfg.RedisAddr != "" {
		opts = append(opts, activity.WithQuota(activity.NewRedisQuota(cfg.RedisAddr, "", 0, 10, 600)))
	}
	return activity.NewClient(cfg.ActivityBaseURL, tokens, opts...), nil
}

// seedProfiles creates a challenge from every profile in the profiles
// directory and funds the eligible wallets with the stake amount.
func seedProfiles(dir string, ledger *stake.Ledger, bank *stake.MemBank, logger *slog.Logger) error {
	profiles, err := config.LoadAllProfiles(dir)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, p := range profiles {
		creator, err := identity.ParseAddress(p.Creator)
		if err != nil {
			return fmt.Errorf("profile %q: %w", p.Code, err)
		}
		eligible := make([]identity.Address, 0, len(p.Eligible))
		for _, raw := range p.Eligible {
			addr, err := identity.ParseAddress(raw)
			if err != nil {
				return fmt.Errorf("profile %q: %w", p.Code, err)
			}
			eligible = append(eligible, addr)
		}

		bank.Credit(creator, stake.Amount(p.StakeAmount))
		for _, addr := range eligible {
			bank.Credit(addr, stake.Amount(p.StakeAmount))
		}

		start := now.Add(p.LeadTime)
		id, err := ledger.CreateChallenge(creator, start, start.Add(p.Duration), stake.Amount(p.StakeAmount), eligible)
		if err != nil {
			return fmt.Errorf("profile %q: %w", p.Code, err)
		}
		logger.Info("challenge seeded from profile", "code", p.Code, "challenge_id", id, "start", start)
	}
	return nil
}

// runMirrorLoop keeps the read model fresh: dirty challenges are
// re-projected and open leaderboards republished every 30 seconds.
func runMirrorLoop(ctx context.Context, projector *mirror.Projector, oracle *attest.Oracle, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := projector.Sync(ctx); err != nil {
				logger.Warn("mirror sync failed", "error", err)
			}
			for _, id := range oracle.TrackedIDs() {
				status, err := oracle.Status(id)
				if err != nil {
					continue
				}
				if err := projector.PublishStandings(ctx, id, status.Standings); err != nil {
					logger.Warn("leaderboard publish failed", "challenge_id", id, "error", err)
				}
			}
		}
	}
}
