package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"tradeguard/internal/storage"
)

// Export renders the account's realized daily PnL as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.AccountID == "" {
		return errors.New("--account is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
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

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, -3, 0)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	series, err := store.DailyPnLSeries(ctx, opts.AccountID, from, to)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		a.Logger.Info().Msg("no closed trades in export window")
		return nil
	}

	downsampled := downsampleSeries(series, opts.MaxPoints)
	a.Logger.Info().Int("total", len(series)).Int("exported", len(downsampled)).Msg("exporting daily pnl")

	if opts.CSVPath != "" {
		if err := writePnLCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePnLPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSeries(series []storage.DailyPnL, max int) []storage.DailyPnL {
	if max <= 0 || len(series) <= max {
		return series
	}

	result := make([]storage.DailyPnL, 0, max)
	step := float64(len(series)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(series) {
			idx = len(series) - 1
		}
		result = append(result, series[idx])
	}
	return result
}

func writePnLCSV(path string, series []storage.DailyPnL) error {
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

	header := []string{"day", "pnl_usdt", "cumulative_usdt"}
	if err := writer.Write(header); err != nil {
		return err
	}

	cumulative := decimal.Zero
	for _, point := range series {
		cumulative = cumulative.Add(point.PnLUSDT)
		record := []string{
			point.Day.Format("2006-01-02"),
			point.PnLUSDT.StringFixed(2),
			cumulative.StringFixed(2),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePnLPNG(path string, series []storage.DailyPnL) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(series))
	daily := make([]float64, len(series))
	cumulative := make([]float64, len(series))

	running := decimal.Zero
	for i, point := range series {
		running = running.Add(point.PnLUSDT)
		x[i] = point.Day
		daily[i] = point.PnLUSDT.InexactFloat64()
		cumulative[i] = running.InexactFloat64()
	}

	pnlFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Daily PnL (USDT)",
			ValueFormatter: pnlFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative (USDT)",
			ValueFormatter: pnlFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Daily PnL",
				XValues: x,
				YValues: daily,
			},
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
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
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
