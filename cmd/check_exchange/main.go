package main

import (
	"context"
	"fmt"
	"os"

	"github.com/transdsign-boop/byliquidation/config"
	"github.com/transdsign-boop/byliquidation/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

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

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Bybit.RESTEndpoint)

	adapter := exchange.NewBybitAdapter(cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.RESTEndpoint, zap.NewNop())
	ctx := context.Background()

	// Public endpoint
	instruments, err := adapter.GetInstruments(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get instruments: %v\n", err)
	} else {
		fmt.Printf("✅ Instruments: %d linear contracts\n", len(instruments))
	}

	candles, err := adapter.GetCandles(ctx, "BTCUSDT", "1", 5)
	if err != nil {
		fmt.Printf("❌ Failed to get candles: %v\n", err)
	} else if len(candles) > 0 {
		fmt.Printf("✅ Last Close (BTCUSDT): %f\n", candles[len(candles)-1].Close)
	}

	// Private endpoints
	balance, err := adapter.GetWalletBalance(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get wallet balance: %v\n", err)
	} else {
		fmt.Printf("✅ Wallet Balance: %f USDT\n", balance)
	}

	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get positions: %v\n", err)
	} else {
		fmt.Printf("✅ Open Positions: %d\n", len(positions))
		for _, p := range positions {
			fmt.Printf("   %s %s Size=%f Entry=%f PnL=%f\n",
				p.Symbol, p.Side, p.Qty, p.EntryPrice, p.UnrealizedPnL)
		}
	}
}
