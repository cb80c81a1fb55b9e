package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"elspot-advisor/internal/broadcast"
	"elspot-advisor/internal/classify"
	"elspot-advisor/internal/series"
)

// Export fetches the current series and renders them as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	setup := serviceSetup{seed: a.Config.Synthetic.Seed, planner: a.idlePlanner()}
	if !opts.Synthetic {
		sources, err := a.newSources()
		if err != nil {
			return err
		}
		setup.sources = sources
	}

	snap, err := a.cycle(ctx, setup)
	if err != nil {
		return err
	}
	if snap.Degraded() {
		a.Logger.Warn().Msg("exporting synthetic data")
	}

	rows := exportRows(snap)
	a.Logger.Info().Int("rows", len(rows)).Str("outcome", string(snap.SourceOutcome)).Msg("exporting series")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(a.resolvePath(opts.CSVPath), rows); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRowsPNG(a.resolvePath(opts.PNGPath), rows, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight); err != nil {
			return err
		}
	}

	return nil
}

// resolvePath places relative paths under export.dir.
func (a *App) resolvePath(path string) string {
	if filepath.IsAbs(path) || a.Config.Export.Dir == "" {
		return path
	}
	return filepath.Join(a.Config.Export.Dir, path)
}

// exportRow is one hourly price joined with the mean CO2 intensity of that hour.
type exportRow struct {
	Local  time.Time
	UTC    time.Time
	Area   string
	Price  int64
	Status classify.PriceStatus
	CO2    *float64
}

func exportRows(snap broadcast.Snapshot) []exportRow {
	type acc struct {
		sum float64
		n   int
	}
	co2 := make(map[time.Time]*acc)
	for _, e := range snap.Emissions {
		hour := e.TimestampUTC.Truncate(time.Hour)
		a, ok := co2[hour]
		if !ok {
			a = &acc{}
			co2[hour] = a
		}
		a.sum += e.CO2GramsPerKWh
		a.n++
	}

	days := make(map[string]classify.Band)
	rows := make([]exportRow, 0, len(snap.Prices))
	for _, p := range snap.Prices {
		day := p.TimestampLocal.Format("2006-01-02")
		band, ok := days[day]
		if !ok {
			band = classify.NewBand(sameDay(snap.Prices, p.TimestampLocal))
			days[day] = band
		}

		row := exportRow{
			Local:  p.TimestampLocal,
			UTC:    p.TimestampUTC,
			Area:   p.Area,
			Price:  p.SpotPriceMilli,
			Status: band.Status(p.SpotPriceMilli),
		}
		if a, ok := co2[p.TimestampUTC.Truncate(time.Hour)]; ok && a.n > 0 {
			mean := a.sum / float64(a.n)
			row.CO2 = &mean
		}
		rows = append(rows, row)
	}
	return rows
}

func sameDay(samples []series.PriceSample, ref time.Time) []series.PriceSample {
	out := make([]series.PriceSample, 0, 24)
	for _, s := range samples {
		if series.SameLocalDay(s.TimestampLocal, ref) {
			out = append(out, s)
		}
	}
	return out
}

func writeRowsCSV(path string, rows []exportRow) error {
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

	header := []string{"hour_local", "hour_utc", "area", "spot_price_milli", "price_per_kwh", "price_status", "co2_g_per_kwh"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		co2 := ""
		if row.CO2 != nil {
			co2 = strconv.FormatFloat(*row.CO2, 'f', 1, 64)
		}
		record := []string{
			row.Local.Format(time.RFC3339),
			row.UTC.Format(time.RFC3339),
			row.Area,
			strconv.FormatInt(row.Price, 10),
			formatDecimal(decimal.New(row.Price, -3), 3),
			string(row.Status),
			co2,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRowsPNG(path string, rows []exportRow, width, height int) error {
	if len(rows) == 0 {
		return errors.New("no rows to chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	price := make([]float64, len(rows))
	var co2X []time.Time
	var co2Y []float64

	for i, row := range rows {
		x[i] = row.Local
		price[i] = float64(row.Price) / 1000
		if row.CO2 != nil {
			co2X = append(co2X, row.Local)
			co2Y = append(co2Y, *row.CO2)
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeHourValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (per kWh)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Spot price",
				XValues: x,
				YValues: price,
			},
		},
	}
	if len(co2X) > 1 {
		graph.YAxisSecondary = chart.YAxis{
			Name: "CO2 (g/kWh)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "CO2",
			XValues: co2X,
			YValues: co2Y,
			YAxis:   chart.YAxisSecondary,
		})
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

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
