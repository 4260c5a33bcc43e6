// Command verify checks connectivity and credentials without trading:
// it derives API credentials, resolves the configured market, and prints
// open orders and redeemable positions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"pm-spread-bot/internal/config"
	"pm-spread-bot/internal/logging"
	"pm-spread-bot/internal/pm/clob"
	"pm-spread-bot/internal/pm/gamma"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	log := logging.New(cfg.Log)

	privateKey := strings.TrimSpace(os.Getenv("PM_PRIVATE_KEY"))
	if privateKey == "" {
		fatal("PM_PRIVATE_KEY is required")
	}
	signer, err := clob.NewSigner(privateKey, cfg.CLOB.ChainID)
	if err != nil {
		fatal("init signer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := clob.NewClient(cfg.CLOB, signer, log)
	if err := client.DeriveCredentials(ctx); err != nil {
		fatal("derive credentials: %v", err)
	}
	fmt.Printf("credentials ok for %s\n", signer.Address().Hex())

	market, err := gamma.NewClient(cfg.Gamma).Market(ctx, cfg.Market.ID)
	if err != nil {
		fatal("resolve market: %v", err)
	}
	printJSON("market", market)

	orders, err := client.OpenOrders(ctx)
	if err != nil {
		log.Warn("open orders query failed", zap.Error(err))
	} else {
		printJSON("open_orders", orders)
	}

	positions, err := client.RedeemablePositions(ctx)
	if err != nil {
		log.Warn("redeemable positions query failed", zap.Error(err))
	} else {
		printJSON("redeemable_positions", positions)
	}
}

func printJSON(label string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode %s: %v", label, err)
	}
	fmt.Printf("%s:\n%s\n", label, data)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
