// Command ledgerd is the financial transaction engine service: it wires
// the MoneyStateMachine, the double-entry ledger, the PSP bridge, the
// reconciler, the reaper/sweepers, and the outbox worker into one process
// behind a minimal inbound HTTP surface.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sebdysart/hustlexp-ledger/config"
	"github.com/Sebdysart/hustlexp-ledger/internal/adminauth"
	"github.com/Sebdysart/hustlexp-ledger/internal/dispute"
	"github.com/Sebdysart/hustlexp-ledger/internal/feeschedule"
	"github.com/Sebdysart/hustlexp-ledger/internal/httpapi"
	"github.com/Sebdysart/hustlexp-ledger/internal/killswitch"
	"github.com/Sebdysart/hustlexp-ledger/internal/ledger"
	"github.com/Sebdysart/hustlexp-ledger/internal/money"
	"github.com/Sebdysart/hustlexp-ledger/internal/notify"
	"github.com/Sebdysart/hustlexp-ledger/internal/outbox"
	"github.com/Sebdysart/hustlexp-ledger/internal/psp"
	"github.com/Sebdysart/hustlexp-ledger/internal/reaper"
	"github.com/Sebdysart/hustlexp-ledger/internal/reconciler"
	"github.com/Sebdysart/hustlexp-ledger/internal/replay"
	"github.com/Sebdysart/hustlexp-ledger/internal/store"
	"github.com/Sebdysart/hustlexp-ledger/internal/task"
	"github.com/Sebdysart/hustlexp-ledger/observability/logging"
	telemetry "github.com/Sebdysart/hustlexp-ledger/observability/otel"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	slogger := logging.Setup("ledgerd", string(cfg.ServiceEnv))
	logger := log.New(os.Stdout, "ledgerd ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "ledgerd",
		Environment: string(cfg.ServiceEnv),
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Headers:     cfg.OTelHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}

	ks, err := killswitch.New(ctx, db)
	if err != nil {
		logger.Fatalf("init kill switch: %v", err)
	}
	if cfg.KillSwitchOverride {
		if err := ks.Activate(ctx, "startup override via KILL_SWITCH_OVERRIDE"); err != nil {
			logger.Fatalf("activate kill switch override: %v", err)
		}
	}
	go ks.RunRefreshLoop(ctx, 10*time.Second)

	pspClient, err := psp.NewHTTPClient(psp.HTTPClientConfig{
		BaseURL:   cfg.PSPBaseURL,
		SecretKey: cfg.PSPSecretKey,
	})
	if err != nil {
		logger.Fatalf("init psp client: %v", err)
	}
	bridge := psp.New(db, pspClient, psp.WithRateLimit(10, 20))

	feeFunc, err := feeschedule.Load(cfg.FeeSchedulePath, cfg.PlatformFeeBPS)
	if err != nil {
		logger.Fatalf("load fee schedule: %v", err)
	}

	ledgerEngine := ledger.New(db)
	taskMachine := task.New()
	outboxQueue := outbox.New(db)

	moneyEngine := money.New(db, ledgerEngine, bridge, ks, taskMachine, feeFunc, outboxQueue)
	disputeService := dispute.New(db, moneyEngine)
	replayCache := replay.New(db)
	adminVerifier := adminauth.New(cfg.AdminJWTSecret)

	recon, err := reconciler.New(reconciler.Config{
		DB:         db,
		PSPClient:  pspClient,
		KillSwitch: ks,
		OutputDir:  cfg.ReconcilerOutputDir,
	})
	if err != nil {
		logger.Fatalf("init reconciler: %v", err)
	}
	go recon.RunLoop(ctx, cfg.ReconcilerInterval)

	sweepers := reaper.New(db, ledgerEngine, moneyEngine, taskMachine)
	go sweepers.RunLoop(ctx, cfg.ReaperInterval)

	outboxWorker := outbox.NewWorker(outboxQueue, cfg.OutboxBatchSize)
	outboxWorker.Register(money.NotifyMoneyStateChanged, notify.HandleMoneyStateChanged)
	go outboxWorker.Run(ctx, cfg.OutboxPollInterval)
	go outboxQueue.RunCleanupLoop(ctx, cfg.OutboxCleanupInterval)

	handler := httpapi.New(httpapi.Config{
		Money:    moneyEngine,
		Dispute:  disputeService,
		Replay:   replayCache,
		AdminJWT: adminVerifier,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		logger.Printf("listening on http://%s", listener.Addr())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
