package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"potrails/internal/chain"
	"potrails/internal/chain/evm"
	"potrails/internal/config"
	"potrails/internal/custody"
	"potrails/internal/escrow"
	"potrails/internal/keyvault"
	"potrails/internal/logging"
	"potrails/internal/metrics"
	"potrails/internal/notify"
	"potrails/internal/price"
	"potrails/internal/queue"
	"potrails/internal/server"
	"potrails/internal/store"
	"potrails/internal/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "potrails: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logging.New(os.Stdout, logging.Options{Format: cfg.Log.Format, Level: cfg.Log.Level})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	assets, err := cfg.Chain.Registry()
	if err != nil {
		return fmt.Errorf("asset table: %w", err)
	}
	fees, err := cfg.Fees.Policy()
	if err != nil {
		return err
	}
	vault, err := keyvault.New(cfg.Secrets.VaultMasterKey)
	if err != nil {
		return fmt.Errorf("key vault: %w", err)
	}

	var st interface {
		store.Store
		Ping(context.Context) error
	}
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		defer pg.Close()
		st = pg
	} else {
		log.Warn("DATABASE_URL not set, using the in-memory store")
		st = store.NewMemoryStore()
	}

	var chainClient chain.Client
	if cfg.Chain.RPCURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		ec, err := evm.Dial(dialCtx, evm.Config{
			RPCURL:          cfg.Chain.RPCURL,
			BatchContract:   cfg.Chain.BatchContract,
			Assets:          assets,
			ApprovalTimeout: cfg.Chain.ConfirmTimeout,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("chain client: %w", err)
		}
		defer ec.Close()
		chainClient = ec
	} else {
		log.Warn("CHAIN_RPC_URL not set, using the in-memory ledger")
		chainClient = chain.NewFakeClient()
	}

	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.Notify.WebhookURL,
			Secret:  cfg.Secrets.WebhookSecret,
			RPS:     cfg.Notify.RPS,
			Burst:   cfg.Notify.Burst,
			Timeout: cfg.Notify.Timeout,
		}, nil)
	}

	var prices price.Oracle
	if cfg.Price.FeedURL != "" {
		prices = price.NewHTTPOracle(cfg.Price.FeedURL, cfg.Price.CacheTTL, cfg.Price.CacheSize, &http.Client{Timeout: cfg.Chain.RPCTimeout})
	}

	reg := metrics.New()
	cust := custody.New(st, vault, chainClient, notifier, log)
	exec := transfer.NewExecutor(chainClient, transfer.Config{
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		PollInterval:   cfg.Chain.PollInterval,
	}, log)

	pots := escrow.NewManager(escrow.Deps{
		Store:    st,
		Vault:    vault,
		Custody:  cust,
		Executor: exec,
		Balances: chainClient,
		Assets:   assets,
		Notifier: notifier,
		Metrics:  reg,
		Log:      log.With("component", "escrow"),
	}, escrow.Config{
		Fees:              fees,
		ShortPotThreshold: cfg.Pots.ShortPotThreshold,
		MinDuration:       cfg.Pots.MinDuration,
		MaxDuration:       cfg.Pots.MaxDuration,
		MaxParticipants:   cfg.Pots.MaxParticipants,
		SweepBatch:        cfg.Pots.SweepBatch,
	})

	transfers := queue.New(queue.Deps{
		Store:    st,
		Custody:  cust,
		Executor: exec,
		Chain:    chainClient,
		Assets:   assets,
		Prices:   prices,
		Notifier: notifier,
		Metrics:  reg,
		Log:      log.With("component", "queue"),
	}, queue.Config{
		Fees: fees,
		Retry: queue.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			ConfirmAttempts:   cfg.Retry.ConfirmAttempts,
		},
		WorkerID:     cfg.Service.WorkerID,
		PollInterval: cfg.Service.PollInterval,
		Lease:        cfg.Service.JobLease,
	})

	apiServer := server.NewServer(cfg, server.Deps{
		Pots:      pots,
		Transfers: transfers,
		Assets:    assets,
		Store:     st,
		Chain:     chainClient,
		Metrics:   reg,
		Log:       log.With("component", "api"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(func() error { return transfers.Run(gctx) })
	g.Go(func() error { return pots.RunSweeper(gctx, cfg.Service.SweepInterval) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		err := apiServer.Shutdown(shutdownCtx)
		pots.Close()
		return err
	})

	log.Info("potrails started", "port", cfg.Service.HTTPPort, "store", storeKind(cfg), "assets", len(assets.Tokens())+1)
	if err := g.Wait(); err != nil {
		log.Error("potrails stopped with error", "error", err)
		return err
	}
	log.Info("potrails stopped")
	return nil
}

func storeKind(cfg *config.AppConfig) string {
	if cfg.Database.DSN != "" {
		return "postgres"
	}
	return "memory"
}
