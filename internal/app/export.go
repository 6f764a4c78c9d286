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

	"flare-signals/internal/signal"
)

// Export renders the notification log as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListNotificationsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.log.Info().Msg("no notifications found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.log.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting notifications")

	if opts.CSVPath != "" {
		if err := writeNotificationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeNotificationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []signal.NotificationRecord, max int) []signal.NotificationRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[:1]
	}

	result := make([]signal.NotificationRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeNotificationsCSV(path string, records []signal.NotificationRecord) error {
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

	header := []string{"id", "signal_id", "triggered_at", "webhook_status", "duration_ms", "success", "error", "payload"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		status := ""
		if rec.WebhookStatus != nil {
			status = strconv.Itoa(*rec.WebhookStatus)
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		record := []string{
			rec.ID,
			rec.SignalID,
			rec.TriggeredAt.UTC().Format(time.RFC3339Nano),
			status,
			strconv.FormatInt(rec.DurationMs, 10),
			strconv.FormatBool(rec.Succeeded()),
			errMsg,
			string(rec.Payload),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeNotificationsPNG(path string, records []signal.NotificationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	duration := make([]float64, len(records))
	failures := make([]float64, len(records))

	var failed float64
	for i, rec := range records {
		x[i] = rec.TriggeredAt
		duration[i] = float64(rec.DurationMs)
		if !rec.Succeeded() {
			failed++
		}
		failures[i] = failed
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Webhook latency (ms)",
			ValueFormatter: countFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Failed deliveries",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Latency",
				XValues: x,
				YValues: duration,
			},
			chart.TimeSeries{
				Name:    "Failures (cumulative)",
				XValues: x,
				YValues: failures,
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
