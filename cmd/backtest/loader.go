package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"krakenbot/internal/models"
)

var errNoCandles = errors.New("no valid candles")

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// loadCandles reads time,open,high,low,close,volume rows from a .csv, .xlsx
// or .json file. Rows that do not parse are skipped; the result is sorted by
// time.
func loadCandles(path string) ([]models.Candle, error) {
	var (
		candles []models.Candle
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		candles, err = loadCSV(path)
	case ".xlsx":
		candles, err = loadXLSX(path)
	case ".json":
		candles, err = loadJSON(path)
	default:
		return nil, fmt.Errorf("unsupported candle file %q (want .csv, .xlsx or .json)", path)
	}
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%s: %w", path, errNoCandles)
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

func loadCSV(path string) ([]models.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var out []models.Candle
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if c, ok := parseRow(row, parsePlainTime); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func loadXLSX(path string) ([]models.Candle, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	var out []models.Candle
	for _, row := range rows {
		if c, ok := parseRow(row, parseExcelTime); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func loadJSON(path string) ([]models.Candle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []models.Candle
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	out := raw[:0]
	for _, c := range raw {
		if validCandle(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func parseRow(row []string, parseTime func(string) (time.Time, bool)) (models.Candle, bool) {
	if len(row) < 6 {
		return models.Candle{}, false
	}
	ts, ok := parseTime(strings.TrimSpace(row[0]))
	if !ok {
		return models.Candle{}, false
	}
	var v [5]float64
	for i := range v {
		f, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
		if err != nil {
			return models.Candle{}, false
		}
		v[i] = f
	}
	c := models.Candle{Time: ts, Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: v[4]}
	return c, validCandle(c)
}

func validCandle(c models.Candle) bool {
	return !c.Time.IsZero() && c.Open > 0 && c.High > 0 && c.Low > 0 && c.Close > 0 && c.High >= c.Low && c.Volume >= 0
}

// parsePlainTime accepts the layouts above or unix seconds/milliseconds.
func parsePlainTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}

// parseExcelTime also accepts Excel serial dates.
func parseExcelTime(s string) (time.Time, bool) {
	if t, ok := parsePlainTime(s); ok {
		return t, true
	}
	serial, err := strconv.ParseFloat(s, 64)
	if err != nil || serial <= 0 {
		return time.Time{}, false
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
