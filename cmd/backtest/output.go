package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/xuri/excelize/v2"

	"krakenbot/internal/backtest"
)

const (
	tradesSheet  = "Trades"
	summarySheet = "Summary"
)

func renderSummary(w io.Writer, res *backtest.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("BACKTEST %s (%s)", res.Pair, res.Strategy))
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Metric", "Value"})
	for _, kv := range summaryRows(res) {
		t.AppendRow(table.Row{kv[0], kv[1]})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
	})
	t.Render()

	if len(res.ExitReasons) > 0 || len(res.Blocked) > 0 {
		c := table.NewWriter()
		c.SetOutputMirror(w)
		c.SetStyle(table.StyleRounded)
		c.AppendHeader(table.Row{"Kind", "Code", "Count"})
		for _, code := range sortedKeys(res.ExitReasons) {
			c.AppendRow(table.Row{"exit", code, res.ExitReasons[code]})
		}
		for _, code := range sortedKeys(res.Blocked) {
			c.AppendRow(table.Row{"blocked", code, res.Blocked[code]})
		}
		c.Render()
	}
}

func summaryRows(res *backtest.Result) [][2]string {
	return [][2]string{
		{"Candles", fmt.Sprintf("%d", res.Candles)},
		{"Initial balance", fmt.Sprintf("$%.2f", res.InitialBalance)},
		{"Final equity", fmt.Sprintf("$%.2f", res.FinalEquity)},
		{"Net profit", fmt.Sprintf("$%.2f", res.NetProfit)},
		{"ROI", fmt.Sprintf("%.2f%%", res.ROI)},
		{"Entries", fmt.Sprintf("%d", res.Entries)},
		{"Exits", fmt.Sprintf("%d", len(res.Trades))},
		{"Win rate", fmt.Sprintf("%.1f%%", res.WinRate)},
		{"Profit factor", fmt.Sprintf("%.2f", res.ProfitFactor)},
		{"Fees", fmt.Sprintf("$%.2f", res.FeesUsd)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", res.MaxDrawdownPct)},
		{"Sharpe (per trade)", fmt.Sprintf("%.2f", res.SharpeRatio)},
	}
}

func renderTrades(w io.Writer, trades []backtest.Trade) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("TRADES")
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Entry", "Exit", "Entry Px", "Exit Px", "Qty", "P&L USD", "P&L %", "Reason", "Regime"})
	for i, tr := range trades {
		t.AppendRow(table.Row{
			i + 1,
			tr.EntryTime.Format("2006-01-02 15:04"),
			tr.ExitTime.Format("2006-01-02 15:04"),
			fmt.Sprintf("%.4f", tr.EntryPrice),
			fmt.Sprintf("%.4f", tr.ExitPrice),
			fmt.Sprintf("%.8f", tr.Qty),
			fmt.Sprintf("%.2f", tr.PnlUsd),
			fmt.Sprintf("%.2f", tr.PnlPct),
			tr.Reason,
			string(tr.Regime),
		})
	}
	t.Render()
}

// exportXLSX writes a Trades sheet and a Summary sheet.
func exportXLSX(path string, res *backtest.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", tradesSheet); err != nil {
		return err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return err
	}

	cols := []string{"Lot", "Entry Time", "Exit Time", "Entry Price", "Exit Price", "Qty", "PnL USD", "PnL %", "Fees USD", "Reason", "Regime"}
	for i, h := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(tradesSheet, cell, h); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(cols), 1)
	if err := f.SetCellStyle(tradesSheet, "A1", last, header); err != nil {
		return err
	}

	for r, tr := range res.Trades {
		row := []any{
			tr.LotID,
			tr.EntryTime.Format("2006-01-02 15:04:05"),
			tr.ExitTime.Format("2006-01-02 15:04:05"),
			tr.EntryPrice,
			tr.ExitPrice,
			tr.Qty,
			tr.PnlUsd,
			tr.PnlPct,
			tr.FeesUsd,
			tr.Reason,
			string(tr.Regime),
		}
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(tradesSheet, cell, v); err != nil {
				return err
			}
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	for i, kv := range summaryRows(res) {
		if err := f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), kv[0]); err != nil {
			return err
		}
		if err := f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), kv[1]); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
