package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/identity-recovery-backend/api/recoveryhandler"
	"github.com/ruteri/identity-recovery-backend/api/server"
	"github.com/ruteri/identity-recovery-backend/cmd/flags"
	"github.com/ruteri/identity-recovery-backend/common"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/email"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/jobs"
	"github.com/ruteri/identity-recovery-backend/peer"
	"github.com/ruteri/identity-recovery-backend/recovery"
	"github.com/ruteri/identity-recovery-backend/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "recovery-server",
		Usage:   "Serve threshold social recovery for one identity host",
		Version: common.Version,
		Flags: append([]cli.Flag{
			flags.ConfigFileFlag,
			flags.EnvPrefixFlag,
			flags.ListenAddrFlag,
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := common.LoadConfig(cCtx.String(flags.ConfigFileFlag.Name), cCtx.String(flags.EnvPrefixFlag.Name))
			if err != nil {
				logger.Error("Failed to load config", "err", err)
				return err
			}
			if err := cfg.Validate(); err != nil {
				logger.Error("Invalid config", "err", err)
				return err
			}
			self := interfaces.IdentityAddress(cfg.Identity)
			logger = logger.With("identity", cfg.Identity, "environment", cfg.Environment)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cCtx, cfg, self, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cCtx *cli.Context, cfg common.Config, self interfaces.IdentityAddress, logger *slog.Logger) error {
	keyPEM, err := os.ReadFile(cfg.Peer.KeyFile)
	if err != nil {
		return fmt.Errorf("read peer key: %w", err)
	}
	key, err := cryptoutils.ParsePrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("parse peer key: %w", err)
	}

	dir := peer.NewDirectory()
	if cfg.Peer.DirectoryFile != "" {
		dir, err = peer.LoadDirectoryFile(cfg.Peer.DirectoryFile)
		if err != nil {
			return fmt.Errorf("load peer directory: %w", err)
		}
	} else {
		logger.Warn("No peer directory configured, all peers will be rejected")
	}
	logger.Info("Peer directory loaded", "peers", len(dir.Identities()))

	resolver, err := peer.NewDNSResolver(cfg.Peer.ResolverAddr, cfg.Peer.ResolverCache, cfg.Peer.ResolverTTL, logger)
	if err != nil {
		return err
	}
	client := peer.NewHTTPClient(peer.NewSigner(self, key), resolver, cfg.Peer.Timeout, logger)

	store, err := storage.NewStorageBackendFactory(logger).StorageBackendForURI(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if !store.Available(ctx) {
		return fmt.Errorf("%w: %s", interfaces.ErrBackendUnavailable, store.LocationURI())
	}
	logger.Info("Record store ready", "store", store.Name())

	jobsCfg := jobs.DefaultConfig()
	jobsCfg.Workers = cfg.Jobs.Workers
	jobsCfg.DefaultMaxAttempts = cfg.Jobs.MaxAttempts
	jobsCfg.DefaultBackoff = cfg.Jobs.Backoff
	jobsCfg.Retention = cfg.Jobs.Retention
	scheduler := jobs.NewScheduler(jobsCfg, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var mailer interfaces.Mailer
	switch {
	case cfg.Email.Enabled:
		mailer, err = email.NewSESMailer(email.SESConfig{Region: cfg.Email.SESRegion, Sender: cfg.Email.Sender}, logger)
		if err != nil {
			return fmt.Errorf("create SES mailer: %w", err)
		}
	case !cfg.Production():
		logger.Warn("Email delivery disabled, verification links are logged")
		mailer = email.NewLogMailer(logger)
	}
	gateway := email.NewGateway(email.Config{
		Enabled:     cfg.Email.Enabled || !cfg.Production(),
		Production:  cfg.Production(),
		BaseURL:     cfg.BaseURL,
		OwnerEmail:  cfg.OwnerEmail,
		NonceTTL:    cfg.Email.NonceTTL,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Backoff:     cfg.Jobs.Backoff,
	}, mailer, scheduler, logger)

	outbox := peer.NewOutbox(dir, store, client, scheduler, peer.OutboxConfig{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Backoff:     cfg.Outbox.Backoff,
	}, logger)

	verifier := recovery.NewRemoteShardVerifier(store, client, recovery.VerifierConfig{
		Parallelism: cfg.Verifier.Parallelism,
		Timeout:     cfg.Verifier.Timeout,
	}, logger)

	handler := recoveryhandler.NewHandler(self, cfg.OwnerToken, recoveryhandler.Dependencies{
		Registry:      recovery.NewRegistry(store, outbox, logger),
		StateMachine:  recovery.NewStateMachine(store, gateway, logger).WithShardRequester(verifier),
		Verifier:      verifier,
		Keeper:        recovery.NewShardKeeper(self, key, store, client, logger),
		Outbox:        outbox,
		Authenticator: peer.NewAuthenticator(dir, logger),
	}, logger)

	srv, err := server.New(flags.ConfigureServer(cCtx, logger, cfg), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	for _, c := range server.OutboxCollectors(outbox.Stats) {
		if err := srv.RegisterCollector(c); err != nil {
			return err
		}
	}

	// Resume deliveries left pending by a previous run.
	if err := outbox.ProcessNow(ctx, self); err != nil {
		logger.Warn("Could not resume pending deliveries", "err", err)
	}

	srv.RunInBackground()
	logger.Info("Server is running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
