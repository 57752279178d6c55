package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-attested-wallet/api/wallethandler"
	"github.com/ruteri/tee-attested-wallet/cmd/flags"
	"github.com/ruteri/tee-attested-wallet/common"
	"github.com/ruteri/tee-attested-wallet/config"
	"github.com/ruteri/tee-attested-wallet/database"
	"github.com/ruteri/tee-attested-wallet/httpserver"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/metrics"
	"github.com/ruteri/tee-attested-wallet/storage"
	"github.com/ruteri/tee-attested-wallet/tee"
	"github.com/ruteri/tee-attested-wallet/verification"
	"github.com/ruteri/tee-attested-wallet/wallet"
	"github.com/urfave/cli/v2"
)

var serverFlags = []cli.Flag{
	flags.ConfigFileFlag,
	&cli.StringFlag{
		Name:  "listen-addr",
		Usage: "address to listen on for API (overrides listen_addr)",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address to listen on for Prometheus metrics (overrides metrics_addr)",
	},
	&cli.StringFlag{
		Name:    "environment",
		EnvVars: []string{"WALLET_ENVIRONMENT"},
		Usage:   "development or production (overrides environment)",
	},
	&cli.StringFlag{
		Name:  "tee-backend",
		Usage: "dstack or simulator (overrides tee.backend)",
	},
	&cli.StringFlag{
		Name:    "simulator-seed",
		EnvVars: []string{"WALLET_SIMULATOR_SEED"},
		Usage:   "hex encoded seed for the simulator backend (overrides tee.simulator_seed)",
	},
	&cli.StringFlag{
		Name:    "database-dsn",
		EnvVars: []string{"WALLET_DATABASE_DSN"},
		Usage:   "Postgres DSN (overrides database.dsn)",
	},
	&cli.StringFlag{
		Name:    "primary-api-key",
		EnvVars: []string{"WALLET_PRIMARY_API_KEY"},
		Usage:   "API key of the primary verification service",
	},
	&cli.StringFlag{
		Name:    "secondary-api-key",
		EnvVars: []string{"WALLET_SECONDARY_API_KEY"},
		Usage:   "API key of the secondary verification service",
	},
	flags.LogServiceFlagFn("wallet-server"),
}

func main() {
	app := &cli.App{
		Name:  "wallet-server",
		Usage: "Serve the TEE attested wallet API",
		Flags: append(serverFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := loadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			return run(cCtx, cfg, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cCtx.String(flags.ConfigFileFlag.Name))
	if err != nil {
		return nil, err
	}

	if cCtx.IsSet("listen-addr") {
		cfg.ListenAddr = cCtx.String("listen-addr")
	}
	if cCtx.IsSet("metrics-addr") {
		cfg.MetricsAddr = cCtx.String("metrics-addr")
	}
	if cCtx.IsSet("environment") {
		cfg.Environment = interfaces.Environment(cCtx.String("environment"))
	}
	if cCtx.IsSet("tee-backend") {
		cfg.TEE.Backend = cCtx.String("tee-backend")
	}
	if cCtx.IsSet("simulator-seed") {
		cfg.TEE.SimulatorSeedHex = cCtx.String("simulator-seed")
	}
	if cCtx.IsSet("database-dsn") {
		cfg.Database.DSN = cCtx.String("database-dsn")
	}
	if cCtx.IsSet("primary-api-key") {
		cfg.Verification.Primary.APIKey = cCtx.String("primary-api-key")
	}
	if cCtx.IsSet("secondary-api-key") {
		cfg.Verification.Secondary.APIKey = cCtx.String("secondary-api-key")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cCtx *cli.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
	defer cancel()

	logger.Info("Starting wallet server",
		"environment", cfg.Environment,
		"namespace", cfg.Namespace,
		"teeBackend", cfg.TEE.Backend)

	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics server", "err", err)
		return err
	}
	m := metricsSrv.Metrics()

	teeBackend, err := tee.New(cfg.TEEBackendConfig())
	if err != nil {
		logger.Error("Failed to create TEE backend", "err", err)
		return err
	}
	if cfg.TEE.Backend == tee.BackendSimulator {
		logger.Warn("Using the TEE simulator, keys are NOT protected by hardware")
	}
	if info, err := teeBackend.Info(ctx); err != nil {
		// Not fatal: the agent may come up after us. Key operations fail
		// closed until it does.
		logger.Warn("TEE is not reachable yet", "err", err)
	} else {
		logger.Info("TEE reachable", "appID", info.AppID, "instanceID", info.InstanceID)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	uploader, err := newUploader(cfg, logger, m)
	if err != nil {
		logger.Error("Failed to create verification uploader", "err", err)
		return err
	}

	archive, err := openArchive(cfg, logger)
	if err != nil {
		logger.Error("Failed to open artifact archive", "err", err)
		return err
	}

	w, err := wallet.New(wallet.Config{
		TEE:       teeBackend,
		Namespace: cfg.Namespace,
		Store:     store,
		Uploader:  uploader,
		Archive:   archive,
		Log:       logger,
		Metrics:   m,
	})
	if err != nil {
		logger.Error("Failed to create wallet", "err", err)
		return err
	}

	limiter := wallethandler.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)
	handler := wallethandler.NewHandler(w, limiter, logger, m)

	serverCfg := flags.ConfigureServer(cCtx, logger, cfg.ListenAddr, cfg.MetricsAddr)
	serverCfg.ReadinessCheck = func(ctx context.Context) error {
		_, err := teeBackend.Info(ctx)
		return err
	}

	server, err := httpserver.New(serverCfg, metricsSrv, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	// Wait for termination signal
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (interfaces.Store, func(), error) {
	if cfg.Database.DSN == "" {
		logger.Warn("No database configured, identities and audit records are kept in memory")
		return database.NewMemoryStore(), func() {}, nil
	}

	store, err := database.OpenPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("Failed to open database", "err", err)
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		logger.Error("Failed to migrate database", "err", err)
		return nil, nil, err
	}

	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close database", "err", err)
		}
	}
	return store, closeStore, nil
}

func newUploader(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*verification.Uploader, error) {
	client := &http.Client{Timeout: cfg.Verification.AttemptTimeout + 5*time.Second}

	primary, err := verification.NewHTTPService("primary", cfg.Verification.Primary.Endpoint, cfg.Verification.Primary.APIKey, client)
	if err != nil {
		return nil, fmt.Errorf("primary verification service: %w", err)
	}

	uploaderCfg := verification.Config{
		Primary:        primary,
		PrimaryURLBase: cfg.Verification.Primary.URLBase,
		Policy:         cfg.Verification.RetryPolicy(),
	}

	if cfg.Verification.Secondary.Enabled() {
		secondary, err := verification.NewHTTPService("secondary", cfg.Verification.Secondary.Endpoint, cfg.Verification.Secondary.APIKey, client)
		if err != nil {
			return nil, fmt.Errorf("secondary verification service: %w", err)
		}
		uploaderCfg.Secondary = secondary
		uploaderCfg.SecondaryURLBase = cfg.Verification.Secondary.URLBase
	}

	return verification.NewUploader(uploaderCfg, logger, m)
}

// openArchive returns nil when no storage locations are configured.
func openArchive(cfg *config.Config, logger *slog.Logger) (interfaces.StorageBackend, error) {
	if len(cfg.Storage.Locations) == 0 {
		logger.Info("No storage locations configured, attestation artifacts are not archived")
		return nil, nil
	}

	locations, err := storage.ParseLocations(cfg.Storage.Locations)
	if err != nil {
		return nil, err
	}

	factory := storage.NewStorageBackendFactory(logger)
	return factory.CreateMultiBackend(locations)
}
