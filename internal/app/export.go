package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	chart "github.com/wcharczuk/go-chart/v2"

	"dexarb/internal/storage"
)

const (
	defaultExportSpan = 24 * time.Hour
	exportFetchLimit  = 100000
)

// Export renders a pool's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Pool == (common.Address{}) {
		return errors.New("--pool is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := exportWindow(opts, time.Now().UTC())
	if err != nil {
		return err
	}

	events, err := store.ListPoolEventsBetween(ctx, opts.Pool, from, to, exportFetchLimit)
	if err != nil {
		return err
	}
	priced := withPrice(events)
	if len(priced) == 0 {
		a.Logger.Info().Str("pool", opts.Pool.Hex()).Msg("no priced events found for export window")
		return nil
	}

	downsampled := downsampleEvents(priced, opts.MaxPoints)
	a.Logger.Info().
		Str("pool", opts.Pool.Hex()).
		Int("total", len(priced)).
		Int("exported", len(downsampled)).
		Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeEventsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeEventsPNG(opts.PNGPath, opts.Pool, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func exportWindow(opts ExportOptions, now time.Time) (time.Time, time.Time, error) {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportSpan)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func withPrice(events []storage.EventRecord) []storage.EventRecord {
	out := make([]storage.EventRecord, 0, len(events))
	for _, ev := range events {
		if ev.Price != nil {
			out = append(out, ev)
		}
	}
	return out
}

func downsampleEvents(events []storage.EventRecord, max int) []storage.EventRecord {
	if max <= 0 || len(events) <= max {
		return events
	}
	if max == 1 {
		return events[len(events)-1:]
	}

	result := make([]storage.EventRecord, 0, max)
	step := float64(len(events)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(events) {
			idx = len(events) - 1
		}
		result = append(result, events[idx])
	}
	return result
}

func writeEventsCSV(path string, events []storage.EventRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"event_ts", "block_number", "tx_hash", "event_type", "priority", "price", "price_delta_pct", "reserve0", "reserve1"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ev := range events {
		record := []string{
			ev.EventTime.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(ev.BlockNumber, 10),
			ev.TxHash.Hex(),
			ev.EventType,
			ev.Priority,
			ev.Price.String(),
			formatPercent(ev.PriceDelta),
			bigOrDash(ev.Reserve0),
			bigOrDash(ev.Reserve1),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeEventsPNG(path string, pool common.Address, events []storage.EventRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(events))
	price := make([]float64, len(events))
	delta := make([]float64, len(events))

	for i, ev := range events {
		x[i] = ev.EventTime
		price[i] = ev.Price.InexactFloat64()
		if ev.PriceDelta != nil {
			delta[i] = ev.PriceDelta.Shift(2).InexactFloat64()
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6g")
	}
	graph := chart.Chart{
		Title:  "Pool " + pool.Hex(),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (token1/token0)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Delta (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.3f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Delta %",
				XValues: x,
				YValues: delta,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
