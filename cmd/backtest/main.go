// Command backtest replays historical candles for one pair through the
// strategy, regime detector, spread filter and SMART_GUARD, then prints the
// resulting trades and performance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"krakenbot/config"
	"krakenbot/internal/backtest"
	"krakenbot/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "config file; defaults to $KRAKENBOT_CONFIG or config.yaml")
	candlesPath := flag.String("candles", "", "candle file (.csv, .xlsx or .json) with time,open,high,low,close,volume")
	pair := flag.String("pair", "", "pair to replay; defaults to the first configured pair")
	strategyName := flag.String("strategy", "", "override engine.strategy")
	balance := flag.Float64("balance", 0, "starting USD balance; defaults to engine.paper_balance")
	spreadPct := flag.Float64("spread", 0.05, "simulated bid/ask spread, percent")
	window := flag.Int("window", 0, "candles visible to the strategy per step")
	showTrades := flag.Bool("trades", false, "print every trade")
	xlsxOut := flag.String("xlsx", "", "write trades and summary to this .xlsx workbook")
	jsonOut := flag.Bool("json", false, "print the full result as JSON instead of tables")
	flag.Parse()

	if *candlesPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *strategyName != "" {
		cfg.Engine.Strategy = *strategyName
	}
	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	logging.SetDefault(logging.New(&logCfg))

	candles, err := loadCandles(*candlesPath)
	if err != nil {
		log.Fatalf("Failed to load candles: %v", err)
	}

	runner, err := backtest.NewRunner(cfg, backtest.Options{
		Pair:           *pair,
		InitialBalance: *balance,
		SpreadPct:      *spreadPct,
		Window:         *window,
	})
	if err != nil {
		log.Fatalf("Invalid backtest options: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, candles)
	if err != nil {
		log.Fatalf("Backtest failed: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			log.Fatalf("Failed to encode result: %v", err)
		}
	} else {
		renderSummary(os.Stdout, res)
		if *showTrades {
			renderTrades(os.Stdout, res.Trades)
		}
	}

	if *xlsxOut != "" {
		if err := exportXLSX(*xlsxOut, res); err != nil {
			log.Fatalf("Failed to write workbook: %v", err)
		}
		log.Printf("Trades written to %s", *xlsxOut)
	}
}
