package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coopmarket/banking"
	"coopmarket/banking/inmem"
	"coopmarket/banking/remote"
	"coopmarket/config"
	"coopmarket/core/events"
	"coopmarket/escrow"
	gatewayauth "coopmarket/gateway/auth"
	"coopmarket/gateway/middleware"
	"coopmarket/notify"
	"coopmarket/observability/logging"
	"coopmarket/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("load configuration", "err", err)
		os.Exit(1)
	}

	logger := logging.Setup("market-gateway", cfg.Environment)

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	provider, mock, err := buildProvider(cfg)
	if err != nil {
		logger.Error("configure banking provider", "err", err)
		os.Exit(1)
	}

	signer := escrow.NewSigner([]byte(cfg.QRSecret))
	engine := escrow.NewEngine(store, provider, signer, cfg.HoldingWallet)
	engine.SetEmitter(logEmitter{logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SMS.Enabled {
		queue := notify.NewQueue(notify.LogSender{Logger: logger},
			notify.WithCapacity(cfg.SMS.QueueCapacity),
			notify.WithMaxAttempts(cfg.SMS.MaxAttempts),
			notify.WithBackoff(cfg.SMS.Backoff.Duration),
		)
		engine.SetNotifier(queue)
		go queue.Run(ctx, cfg.SMS.DrainInterval.Duration)
	}

	if strings.EqualFold(cfg.Environment, "dev") && mock != nil {
		if err := seedDev(ctx, store, mock); err != nil {
			logger.Error("seed development fixtures", "err", err)
			os.Exit(1)
		}
	}

	var authenticator *gatewayauth.Authenticator
	if len(cfg.APIKeys) > 0 {
		secrets := make(map[string]string, len(cfg.APIKeys))
		for _, key := range cfg.APIKeys {
			secrets[key.Key] = key.Secret
		}
		authenticator = gatewayauth.NewAuthenticator(secrets, 0, 0, nil)
	} else {
		logger.Warn("request signing disabled: no API keys configured")
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, logger)

	server := NewServer(engine, store, authenticator, limiter, logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("market gateway listening", "addr", cfg.Listen, "banking_mode", cfg.Banking.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", "err", err)
	}
}

// buildProvider selects the banking backend. The in-memory bank is returned
// separately so dev seeding can provision wallets on it.
func buildProvider(cfg config.Config) (banking.Provider, *inmem.Bank, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Banking.Mode)) {
	case config.BankingModeMock:
		bank := inmem.NewBank(cfg.HoldingWallet)
		return bank, bank, nil
	case config.BankingModeRemote:
		return remote.NewClient(cfg.Banking.URL, cfg.Banking.Token), nil, nil
	default:
		return nil, nil, errors.New("unsupported banking mode " + cfg.Banking.Mode)
	}
}

// logEmitter forwards lifecycle events to the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	attrs := make([]any, 0, 8)
	for k, v := range evt.Attributes() {
		attrs = append(attrs, slog.String(k, v))
	}
	l.logger.Info(evt.EventType(), attrs...)
}

// seedDev provisions a small buyer/cooperative/product fixture set plus the
// matching funded wallets so the mock lifecycle can be exercised end to end.
func seedDev(ctx context.Context, store *storage.Store, bank *inmem.Bank) error {
	buyer := &escrow.Party{
		ID:              "buyer-amina",
		Name:            "Amina El Fassi",
		Phone:           "+212600000001",
		WalletID:        "WALLET-BUYER-001",
		WalletActivated: true,
	}
	coop := &escrow.Cooperative{
		ID:       "coop-argan-souss",
		Name:     "Cooperative Argane du Souss",
		Region:   "Souss-Massa",
		Phone:    "+212600000002",
		WalletID: "WALLET-COOP-001",
	}
	product := &escrow.Product{
		ID:            "prod-argan-1l",
		CooperativeID: coop.ID,
		Name:          "Huile d'argan 1L",
		Price:         380,
		StockQuantity: 25,
	}
	if err := store.PutParty(ctx, buyer); err != nil {
		return err
	}
	if err := store.PutCooperative(ctx, coop); err != nil {
		return err
	}
	if err := store.PutProduct(ctx, product); err != nil {
		return err
	}
	bank.CreateWallet(buyer.WalletID, 5000)
	bank.CreateWallet(coop.WalletID, 0)
	return nil
}
