package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"flare-signals/internal/signal"
)

// Show prints recent notifications and, optionally, the configured signals.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Signals {
		signals, err := store.ListSignals(ctx)
		if err != nil {
			return err
		}
		writeSignals(os.Stdout, signals)
		fmt.Fprintln(os.Stdout)
	}

	records, err := store.ListRecentNotifications(ctx, opts.Limit)
	if err != nil {
		return err
	}
	writeNotifications(os.Stdout, records)
	return nil
}

func writeSignals(out io.Writer, signals []signal.Signal) {
	if len(signals) == 0 {
		fmt.Fprintln(out, "no signals found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tActive\tChains\tWindow\tCooldown\tLast Triggered (UTC)\tLast Evaluated (UTC)")
	for _, sig := range signals {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%t\t%s\t%s\t%dm\t%s\t%s\n",
			sig.ID,
			sanitizeInline(sig.Name),
			sig.IsActive,
			formatChains(sig.Chains),
			sig.Window.Duration,
			sig.CooldownMinutes,
			formatTime(sig.LastTriggeredAt),
			formatTime(sig.LastEvaluatedAt),
		)
	}
	writer.Flush()
}

func writeNotifications(out io.Writer, records []signal.NotificationRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no notifications found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Triggered (UTC)\tSignal\tStatus\tDuration\tError")
	for _, rec := range records {
		status := "-"
		if rec.WebhookStatus != nil {
			status = strconv.Itoa(*rec.WebhookStatus)
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%dms\t%s\n",
			rec.TriggeredAt.UTC().Format(time.RFC3339),
			rec.SignalID,
			status,
			rec.DurationMs,
			errMsg,
		)
	}
	writer.Flush()
}

func formatChains(chains []int64) string {
	if len(chains) == 0 {
		return "-"
	}
	parts := make([]string, len(chains))
	for i, id := range chains {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
