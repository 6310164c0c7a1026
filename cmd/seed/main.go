package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkarlsen/exchange-core/internal/auth"
	"github.com/mkarlsen/exchange-core/internal/config"
	"github.com/mkarlsen/exchange-core/internal/db"
	"github.com/mkarlsen/exchange-core/internal/exchange"
	"github.com/mkarlsen/exchange-core/internal/notify"
)

// Seeds the database with demo traders: trader1 funded with cash, trader2
// holding assets. Idempotent: does nothing if the users already exist.
func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if _, err := database.GetUserByUsername(ctx, "trader1"); err == nil {
		fmt.Println("demo users already exist, nothing to seed")
		os.Exit(0)
	}

	engine := exchange.NewEngine(database, notify.Nop{}, logger, cfg.FeeRate, cfg.Symbols)
	authService := auth.NewAuthService(database, cfg.JWTSecret)

	cash := decimal.NewFromInt(1_000_000)
	assets := decimal.NewFromInt(10)

	trader1, err := authService.Register(ctx, "trader1", "password1")
	if err != nil {
		logger.Fatal("failed to create trader1", zap.Error(err))
	}
	if err := engine.Deposit(ctx, trader1.ID, cash); err != nil {
		logger.Fatal("failed to fund trader1", zap.Error(err))
	}

	trader2, err := authService.Register(ctx, "trader2", "password2")
	if err != nil {
		logger.Fatal("failed to create trader2", zap.Error(err))
	}
	for _, symbol := range cfg.Symbols {
		if err := engine.DepositAsset(ctx, trader2.ID, symbol, assets); err != nil {
			logger.Fatal("failed to fund trader2", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	fmt.Printf("seeded trader1 (cash %s) and trader2 (%s of each symbol)\n", cash, assets)
}
