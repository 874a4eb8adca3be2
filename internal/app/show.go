package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"dexarb/internal/storage"
)

type metricsLister func(ctx context.Context, limit int) ([]storage.MetricsRecord, error)

// Show prints recent pool events and, optionally, metrics snapshots.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show events")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Metrics {
		return a.showMetrics(ctx, w, store.ListRecentMetrics, opts.Limit)
	}

	events, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPool\tEvent\tBlock\tPriority\tPrice\tDelta%\tLiquidity Change")

	for _, ev := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			ev.EventTime.UTC().Format(time.RFC3339),
			ev.Pool.Hex(),
			sanitizeInline(ev.EventType),
			ev.BlockNumber,
			ev.Priority,
			formatDecimalPtr(ev.Price, 6),
			formatPercent(ev.PriceDelta),
			bigOrDash(ev.LiquidityChange),
		)
	}

	return writer.Flush()
}

func (a *App) showMetrics(ctx context.Context, w io.Writer, list metricsLister, limit int) error {
	records, err := list(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no metrics snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tReceived\tFiltered\tRetained\tEmitted\tDropped\tDebounced\tAvg Latency\tEvents/s\tQueue")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%d\n",
			rec.At.UTC().Format(time.RFC3339),
			rec.EventsReceived,
			rec.EventsFiltered,
			rec.EventsRetained,
			rec.EventsEmitted,
			rec.EventsDropped,
			rec.EventsDebounced,
			rec.AverageLatency,
			rec.Throughput.StringFixed(1),
			rec.QueueSize,
		)
	}
	return writer.Flush()
}

func formatDecimalPtr(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}

func bigOrDash(v *big.Int) string {
	if v == nil {
		return "-"
	}
	return v.String()
}

func formatPercent(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.Shift(2).StringFixed(3)
}
