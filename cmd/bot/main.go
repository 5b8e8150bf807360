package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/transdsign-boop/byliquidation/config"
	"github.com/transdsign-boop/byliquidation/internal/domain"
	"github.com/transdsign-boop/byliquidation/internal/infrastructure/exchange"
	"github.com/transdsign-boop/byliquidation/internal/infrastructure/logger"
	"github.com/transdsign-boop/byliquidation/internal/infrastructure/storage"
	"github.com/transdsign-boop/byliquidation/internal/usecase"
	"github.com/transdsign-boop/byliquidation/internal/web"
	"go.uber.org/zap"
)

const ledgerSnapshotName = "ledger.json"

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tradeLog := log
	if cfg.Logging.TradeLog != "" {
		tradeLog, err = logger.NewFileLogger(cfg.Logging.TradeLog, cfg.Logging.Level)
		if err != nil {
			log.Fatal("Failed to init trade log", zap.Error(err))
		}
		defer tradeLog.Sync()
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	snapshots, err := storage.NewFileSnapshotStore(cfg.Storage.SnapshotDir)
	if err != nil {
		log.Fatal("Failed to init snapshot store", zap.Error(err))
	}

	bybit := exchange.NewBybitAdapter(cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.RESTEndpoint, log)

	ledger := usecase.NewLedger()
	if data, err := snapshots.Load(ledgerSnapshotName); err != nil {
		log.Error("Failed to read ledger snapshot", zap.Error(err))
	} else if data != nil {
		if err := ledger.Restore(data); err != nil {
			log.Error("Failed to restore ledger snapshot", zap.Error(err))
		} else {
			log.Info("Restored ledger from snapshot", zap.Int("positions", ledger.Len()))
		}
	}

	instruments := usecase.NewInstrumentService(bybit)
	indicators := usecase.NewIndicatorService(bybit)

	// Late-bound so protection shares the execution service's balance cache.
	var execSvc *usecase.ExecutionService
	balance := func(ctx context.Context) (float64, error) {
		return execSvc.Balance(ctx)
	}

	protection := usecase.NewProtectionManager(bybit, indicators, instruments, ledger, balance, usecase.ProtectionConfig{
		RiskPctOfBalance: cfg.Trading.RiskPctOfBalance,
		ATRStopMult:      cfg.Trading.ATRStopMult,
		ATRTrailingMult:  cfg.Trading.ATRTrailingMult,
		FallbackTPPct:    cfg.Trading.FallbackTPPct,
		MinProfitPct:     cfg.Trading.MinProfitPct,
		FeeBufferPct:     cfg.Trading.FeeBufferPct,
	}, log)

	execSvc = usecase.NewExecutionService(bybit, ledger, protection, indicators, instruments, usecase.ExecutionConfig{
		MaxPositions:      cfg.Trading.MaxPositions,
		OrderUSD:          cfg.Trading.OrderUSD,
		Leverage:          cfg.Trading.Leverage,
		MinPctOfBalance:   cfg.Trading.MinPctOfBalance,
		Splits:            cfg.Trading.Splits,
		PassiveEntry:      cfg.Trading.PassiveEntry,
		SettleWindow:      cfg.SettleWindowDuration(),
		DCABandStdDevs:    cfg.Trading.DCABandStdDevs,
		MinImprovementPct: cfg.Trading.MinImprovementPct,
	}, tradeLog)

	reconciler := usecase.NewReconciler(bybit, ledger, store, protection, usecase.ReconcileConfig{
		Interval:         time.Duration(cfg.Reconcile.IntervalSec) * time.Second,
		Grace:            time.Duration(cfg.Reconcile.GraceSec) * time.Second,
		DedupWindow:      time.Duration(cfg.Reconcile.DedupSec) * time.Second,
		BackfillInterval: time.Duration(cfg.Reconcile.BackfillIntervalSec) * time.Second,
		MatchAttempts:    cfg.Reconcile.MatchAttempts,
		MatchDelay:       time.Duration(cfg.Reconcile.MatchDelaySec) * time.Second,
		ProtectionGrace:  time.Duration(cfg.Reconcile.ProtectionGraceSec) * time.Second,
	}, tradeLog)

	stats := usecase.NewStatsService(store, ledger, execSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := exchange.NewLiquidationWS(cfg.Bybit.WSEndpoint, cfg.Trading.MinLiquidationUSD, log)
	stream.OnLiquidation(func(ev domain.LiquidationEvent) {
		outcome := execSvc.OnLiquidation(ctx, ev)
		switch outcome.Status {
		case usecase.OutcomeSkipped:
			log.Debug("liquidation skipped",
				zap.String("symbol", ev.Symbol),
				zap.String("reason", outcome.Reason))
		case usecase.OutcomeFailed, usecase.OutcomeError:
			log.Error("liquidation handling failed",
				zap.String("symbol", ev.Symbol),
				zap.String("status", string(outcome.Status)),
				zap.String("reason", outcome.Reason))
		}
	})
	if err := stream.Subscribe(cfg.Trading.Symbols); err != nil {
		log.Fatal("Failed to subscribe to liquidation stream", zap.Error(err))
	}
	defer stream.Close()

	go reconciler.Run(ctx)
	go reconciler.RunBackfill(ctx)

	// Periodic crash-recovery snapshots of the ledger.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				saveSnapshot(ledger, snapshots, log)
			}
		}
	}()

	server := web.NewServer(cfg.Server.Port, store, ledger, stats, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("Web server stopped", zap.Error(err))
		}
	}()

	log.Info("Liquidation bot started",
		zap.Strings("symbols", cfg.Trading.Symbols),
		zap.Float64("min_liquidation_usd", cfg.Trading.MinLiquidationUSD),
		zap.Int("max_positions", cfg.Trading.MaxPositions))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown failed", zap.Error(err))
	}

	// Let in-flight close matchers finish, then persist the final state.
	reconciler.Wait()
	saveSnapshot(ledger, snapshots, log)
}

func saveSnapshot(ledger *usecase.Ledger, snapshots *storage.FileSnapshotStore, log *zap.Logger) {
	data, err := ledger.Snapshot()
	if err != nil {
		log.Error("Failed to serialize ledger", zap.Error(err))
		return
	}
	if err := snapshots.Save(ledgerSnapshotName, data); err != nil {
		log.Error("Failed to save ledger snapshot", zap.Error(err))
	}
}
