package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/anchorworks/escrowd/api/config"
	"github.com/anchorworks/escrowd/api/handlers"
	"github.com/anchorworks/escrowd/api/metrics"
	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/ledger"
	"github.com/anchorworks/escrowd/engine/pkg/marketcap"
	"github.com/anchorworks/escrowd/engine/pkg/payout"
	"github.com/anchorworks/escrowd/engine/pkg/pricefeed"
	"github.com/anchorworks/escrowd/engine/pkg/reward"
	"github.com/anchorworks/escrowd/engine/pkg/voting"
	"github.com/anchorworks/escrowd/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr   = "0.0.0.0:8080"
	defaultPricefeedURL = "https://api.dexscreener.com"
)

func main() {
	if err := run(); err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the HTTP API (or set LISTEN_ADDR env var)")
	storeFlag := flag.String("store", "postgres", "Commitment store backend: 'postgres' or 'memory' (dev only, state is lost on exit)")
	rpcEndpointFlag := flag.String("solana-rpc", "", "Solana JSON-RPC endpoint (or set SOLANA_RPC_ENDPOINT env var)")
	pricefeedURLFlag := flag.String("pricefeed-url", defaultPricefeedURL, "Price aggregator base URL (or set PRICEFEED_BASE_URL env var)")
	marketcapIntervalFlag := flag.Duration("marketcap-interval", 2*time.Minute, "How often the market-cap confirmation sweep runs")
	normalizeIntervalFlag := flag.Duration("normalize-interval", 5*time.Minute, "How often milestone normalization sweeps active commitments")
	claimSweepIntervalFlag := flag.Duration("claim-sweep-interval", time.Minute, "How often abandoned payout claims are reaped")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")

	flag.Parse()

	// A missing .env is fine; env vars may come from the environment proper.
	_ = godotenv.Load()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("SOLANA_RPC_ENDPOINT"); v != "" {
		*rpcEndpointFlag = v
	}
	if v := os.Getenv("PRICEFEED_BASE_URL"); v != "" {
		*pricefeedURLFlag = v
	}

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("main: sentry crash reporting enabled")
	}

	if *rpcEndpointFlag == "" {
		return fmt.Errorf("--solana-rpc or SOLANA_RPC_ENDPOINT is required")
	}
	treasuryPubkey := os.Getenv("TREASURY_PUBKEY")
	if treasuryPubkey == "" {
		return fmt.Errorf("TREASURY_PUBKEY is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var store commitment.Store
	switch *storeFlag {
	case "memory":
		log.Warn("main: using the in-memory store, all state is lost on exit")
		store = commitment.NewMemStore(nil)
	case "postgres":
		pgCfg, err := config.PgConfigFromEnv()
		if err != nil {
			return err
		}
		pool, err := config.LoadPostgres(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		pgStore, err := commitment.NewPGStore(commitment.PGStoreConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		store = pgStore
	default:
		return fmt.Errorf("unknown store backend %q", *storeFlag)
	}

	chain, err := ledger.NewRPCClient(ledger.RPCClientConfig{
		Logger:   log,
		Endpoint: *rpcEndpointFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}
	feed, err := pricefeed.NewHTTPClient(pricefeed.HTTPClientConfig{
		Logger:  log,
		BaseURL: *pricefeedURLFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pricefeed client: %w", err)
	}

	votingSvc, err := voting.NewService(voting.ServiceConfig{
		Logger:    log,
		Store:     store,
		Ledger:    chain,
		Pricefeed: feed,
	})
	if err != nil {
		return fmt.Errorf("failed to create voting service: %w", err)
	}
	executor, err := payout.NewExecutor(payout.ExecutorConfig{
		Logger: log,
		Store:  store,
		Ledger: chain,
	})
	if err != nil {
		return fmt.Errorf("failed to create payout executor: %w", err)
	}
	rewardSvc, err := reward.NewService(reward.ServiceConfig{
		Logger:         log,
		Store:          store,
		Ledger:         chain,
		TreasuryPubkey: treasuryPubkey,
		TreasurySecret: os.Getenv("TREASURY_SECRET"),
	})
	if err != nil {
		return fmt.Errorf("failed to create reward service: %w", err)
	}
	mcJob, err := marketcap.NewJob(marketcap.JobConfig{
		Logger:    log,
		Store:     store,
		Ledger:    chain,
		Pricefeed: feed,
	})
	if err != nil {
		return fmt.Errorf("failed to create market-cap job: %w", err)
	}

	srv, err := handlers.NewServer(handlers.ServerConfig{
		Logger:        log,
		Store:         store,
		Voting:        votingSvc,
		Payout:        executor,
		Reward:        rewardSvc,
		MarketCap:     mcJob,
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		CronSecret:    os.Getenv("CRON_SECRET"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(*marketcapIntervalFlag).SingletonMode().Do(func() {
		if err := mcJob.Run(ctx); err != nil {
			log.Error("main: market-cap sweep failed", "error", err)
			return
		}
		metrics.MarketCapSweepsTotal.Inc()
	}); err != nil {
		return fmt.Errorf("failed to schedule market-cap sweep: %w", err)
	}
	if _, err := scheduler.Every(*normalizeIntervalFlag).SingletonMode().Do(func() {
		if _, err := votingSvc.NormalizeAll(ctx); err != nil {
			log.Error("main: normalization sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule normalization sweep: %w", err)
	}
	if _, err := scheduler.Every(*claimSweepIntervalFlag).SingletonMode().Do(func() {
		cutoff := time.Now().Add(-executor.ClaimStaleAfter())
		deleted, err := store.SweepAbandonedPayoutClaims(ctx, cutoff)
		if err != nil {
			log.Error("main: abandoned claim sweep failed", "error", err)
			return
		}
		metrics.RecordAbandonedClaimsSwept(deleted)
		if deleted > 0 {
			log.Info("main: abandoned payout claims swept", "deleted", deleted)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule abandoned claim sweep: %w", err)
	}
	scheduler.StartAsync()
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("main: http server listening", "addr", *listenAddrFlag, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("main: http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("main: shutdown signal received, draining in-flight requests", "timeout", *shutdownTimeoutFlag)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("main: http server shutdown failed", "error", err)
	}
	return nil
}
