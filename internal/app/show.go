package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"elspot-advisor/internal/storage"
)

// Show prints recently archived cycles.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show cycles")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cycles, err := store.ListRecentCycles(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeCycles(out, cycles)
}

func writeCycles(out io.Writer, cycles []storage.CycleRecord) error {
	if len(cycles) == 0 {
		_, err := fmt.Fprintln(out, "no cycles found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tData\tPrice\tPrice status\tCO2\tGreen\tAdvice\tTariff\tSavings/day\tSavings/year")

	for _, c := range cycles {
		price := "-"
		if c.CurrentPriceMilli != nil {
			price = strconv.FormatFloat(float64(*c.CurrentPriceMilli)/1000, 'f', 3, 64)
		}
		co2 := "-"
		if c.CurrentCO2 != nil {
			co2 = strconv.FormatFloat(*c.CurrentCO2, 'f', 0, 64)
		}
		advice := sanitizeInline(c.RecommendationKey)
		if c.ShouldStartNow {
			advice += " (start)"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.CycleTS.UTC().Format(time.RFC3339),
			c.SourceOutcome,
			price,
			c.PriceStatus,
			co2,
			c.GreenStatus,
			advice,
			c.Tariff,
			formatDecimal(c.DailySavings, 2),
			formatDecimal(c.RealisticAnnual, 2),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
