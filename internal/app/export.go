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

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
)

// Export renders resolution history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
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

	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	resolutions, err := store.ListResolutionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(resolutions) == 0 {
		a.Logger.Info().Msg("no resolutions found for export window")
		return nil
	}

	downsampled := downsampleResolutions(resolutions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(resolutions)).Int("exported", len(downsampled)).Msg("exporting resolutions")

	if opts.CSVPath != "" {
		if err := writeResolutionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeResolutionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleResolutions(resolutions []model.Resolution, max int) []model.Resolution {
	if max <= 0 || len(resolutions) <= max {
		return resolutions
	}

	result := make([]model.Resolution, 0, max)
	step := float64(len(resolutions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(resolutions) {
			idx = len(resolutions) - 1
		}
		result = append(result, resolutions[idx])
	}
	return result
}

func writeResolutionsCSV(path string, resolutions []model.Resolution) error {
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

	header := []string{"resolved_at", "market_id", "outcome", "trigger", "price", "signer_slot", "confirmation_ref"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, res := range resolutions {
		price := ""
		if res.Price != nil {
			price = res.Price.String()
		}
		ref := ""
		if res.ConfirmationRef != nil {
			ref = *res.ConfirmationRef
		}
		record := []string{
			res.ResolvedAt.UTC().Format(time.RFC3339),
			res.MarketID,
			string(res.Outcome),
			res.Trigger,
			price,
			strconv.Itoa(res.SignerSlot),
			ref,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeResolutionsPNG(path string, resolutions []model.Resolution) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	cumX := make([]time.Time, len(resolutions))
	cumY := make([]float64, len(resolutions))
	for i, res := range resolutions {
		cumX[i] = res.ResolvedAt
		cumY[i] = float64(i + 1)
	}

	var priceX []time.Time
	var priceY []float64
	for _, res := range resolutions {
		if res.Price == nil {
			continue
		}
		priceX = append(priceX, res.ResolvedAt)
		priceY = append(priceY, res.Price.InexactFloat64())
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Cumulative resolutions",
			XValues: cumX,
			YValues: cumY,
		},
	}
	if len(priceX) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Resolution price",
			XValues: priceX,
			YValues: priceY,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Resolutions",
		},
		YAxisSecondary: chart.YAxis{
			Name: "Price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		Series: series,
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

