// Command ledger-report prints realized P&L per exchange and pair from the
// trade ledger, matching buys to sells FIFO.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"krakenbot/config"
	"krakenbot/internal/database"
	"krakenbot/internal/ledger"
	"krakenbot/internal/logging"
)

// reportStore is the read side the report needs; Recalculate also writes
// the matched P&L back onto the sells.
type reportStore interface {
	ledger.TradeStore
	ListTradedPairs(ctx context.Context) ([][2]string, error)
}

type options struct {
	Exchange    string
	Pair        string
	Recalculate bool
}

func main() {
	configPath := flag.String("config", "", "config file; defaults to $KRAKENBOT_CONFIG or config.yaml")
	exchangeName := flag.String("exchange", "", "only this exchange")
	pair := flag.String("pair", "", "only this pair, e.g. BTC/USD")
	recalc := flag.Bool("recalculate", false, "write the FIFO result back onto the stored sells")
	flag.Parse()

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
	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	logging.SetDefault(logging.New(&logCfg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	opts := options{Exchange: *exchangeName, Pair: *pair, Recalculate: *recalc}
	sums, err := buildReport(ctx, database.NewRepository(db), opts)
	if err != nil {
		log.Fatalf("Failed to build report: %v", err)
	}
	render(os.Stdout, sums)
}

func buildReport(ctx context.Context, store reportStore, opts options) ([]ledger.Summary, error) {
	pairs, err := store.ListTradedPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list traded pairs: %w", err)
	}

	l := ledger.New(store)
	var out []ledger.Summary
	for _, ep := range pairs {
		ex, pair := ep[0], ep[1]
		if opts.Exchange != "" && !strings.EqualFold(opts.Exchange, ex) {
			continue
		}
		if opts.Pair != "" && !strings.EqualFold(opts.Pair, pair) {
			continue
		}

		trades, err := store.ListTrades(ctx, ex, pair)
		if err != nil {
			return nil, fmt.Errorf("list trades %s %s: %w", ex, pair, err)
		}
		var res ledger.FIFOResult
		if opts.Recalculate {
			res, err = l.RecalculatePnL(ctx, ex, pair)
			if err != nil {
				return nil, err
			}
		} else {
			res = ledger.MatchFIFO(trades)
		}
		res.Exchange, res.Pair = ex, pair
		out = append(out, ledger.Summarize(trades, res))
	}
	return out, nil
}

func render(w io.Writer, sums []ledger.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("REALIZED P&L (FIFO)")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Exchange", "Pair", "Buys", "Sells", "Win %", "Realized USD", "Fees USD", "Open Qty", "Open Cost USD", "Discards"})

	var total, fees, openCost float64
	for _, s := range sums {
		t.AppendRow(table.Row{
			s.Exchange,
			s.Pair,
			s.Buys,
			s.Sells,
			fmt.Sprintf("%.1f", s.WinRate()),
			fmt.Sprintf("%.2f", s.RealizedPnlUsd),
			fmt.Sprintf("%.2f", s.FeesUsd),
			fmt.Sprintf("%.8f", s.OpenQty),
			fmt.Sprintf("%.2f", s.OpenCostUsd),
			s.Discards,
		})
		total += s.RealizedPnlUsd
		fees += s.FeesUsd
		openCost += s.OpenCostUsd
	}
	t.AppendFooter(table.Row{"Total", "", "", "", "", fmt.Sprintf("%.2f", total), fmt.Sprintf("%.2f", fees), "", fmt.Sprintf("%.2f", openCost), ""})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	t.Render()
}
