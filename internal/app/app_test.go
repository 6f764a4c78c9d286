package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flare-signals/internal/chain"
	"flare-signals/internal/config"
	"flare-signals/internal/logging"
	"flare-signals/internal/signal"
	"flare-signals/internal/storage"
	"flare-signals/internal/version"
)

const constantDefinition = `{
  "chains": [8453],
  "window": {"duration": "1h"},
  "condition": {
    "type": "condition",
    "operator": "gt",
    "left": {"type": "constant", "value": 2},
    "right": {"type": "constant", "value": 1}
  }
}`

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Datasource: config.DatasourceConfig{Endpoint: "http://127.0.0.1:1/v1/graphql"},
		Scheduler:  config.SchedulerConfig{Interval: time.Minute},
		Webhook:    config.WebhookConfig{Timeout: 2 * time.Second},
		Export:     config.ExportConfig{MaxDataPoints: 100},
	}
	return NewApp(cfg, zerolog.Nop())
}

func writeDefinition(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tvl.json")
	if err := os.WriteFile(path, []byte(constantDefinition), 0o600); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	return path
}

func TestComponentLoggersTagOnce(t *testing.T) {
	var buf bytes.Buffer
	a := NewApp(&config.Config{Worker: config.WorkerConfig{Queue: "memory"}}, zerolog.New(&buf))

	if _, err := a.newQueue(nil); err != nil {
		t.Fatalf("new queue: %v", err)
	}
	scheduled := logging.Component(a.Logger, "scheduler")
	scheduled.Info().Msg("tick")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two log lines, got %q", buf.String())
	}
	for i, want := range []string{"app", "scheduler"} {
		if n := strings.Count(lines[i], `"component"`); n != 1 {
			t.Fatalf("line %d carries %d component fields: %s", i, n, lines[i])
		}
		if !strings.Contains(lines[i], `"component":"`+want+`"`) {
			t.Fatalf("line %d should be tagged %s: %s", i, want, lines[i])
		}
	}
}

func TestLoadSignalFromDefinition(t *testing.T) {
	a := testApp(t)
	sig, err := a.loadSignal(context.Background(), "", writeDefinition(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sig.ID != "tvl.json" || !sig.IsActive {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if sig.CooldownMinutes != signal.DefaultCooldownMinutes {
		t.Fatalf("expected default cooldown, got %d", sig.CooldownMinutes)
	}
	if sig.AnchorChain() != 8453 {
		t.Fatalf("unexpected anchor chain %d", sig.AnchorChain())
	}
}

func TestLoadSignalRequiresSource(t *testing.T) {
	a := testApp(t)
	if _, err := a.loadSignal(context.Background(), "", ""); err == nil {
		t.Fatal("expected error without signal or definition")
	}
	_, err := a.loadSignal(context.Background(), "sig-1", "")
	if !errors.Is(err, storage.ErrDSNRequired) {
		t.Fatalf("expected ErrDSNRequired, got %v", err)
	}
}

func TestEvaluateDefinitionFile(t *testing.T) {
	a := testApp(t)
	at := time.Date(2025, 12, 3, 12, 0, 0, 0, time.UTC)
	if err := a.Evaluate(context.Background(), EvaluateOptions{DefinitionPath: writeDefinition(t), At: &at}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
}

func TestEvaluateRequiresEndpoint(t *testing.T) {
	a := testApp(t)
	a.Config.Datasource.Endpoint = ""
	if err := a.Evaluate(context.Background(), EvaluateOptions{DefinitionPath: writeDefinition(t)}); err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestBacktestDefinitionFile(t *testing.T) {
	a := testApp(t)
	from := time.Date(2025, 12, 3, 12, 0, 0, 0, time.UTC)
	err := a.Backtest(context.Background(), BacktestOptions{
		DefinitionPath: writeDefinition(t),
		From:           from,
		To:             from.Add(10 * time.Minute),
		Step:           time.Minute,
		Workers:        2,
	})
	if err != nil {
		t.Fatalf("backtest: %v", err)
	}

	err = a.Backtest(context.Background(), BacktestOptions{
		DefinitionPath: writeDefinition(t),
		From:           from,
		To:             from,
	})
	if err == nil {
		t.Fatal("expected error for empty range")
	}
}

const currentStateDefinition = `{
  "chains": [8453],
  "window": {"duration": "1h"},
  "condition": {
    "type": "condition",
    "operator": "gt",
    "left": {"type": "state", "entity_type": "Market", "filters": [], "field": "total", "snapshot": "current"},
    "right": {"type": "constant", "value": 0}
  }
}`

func TestBacktestPinsCurrentStateToTickBlock(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		queries = append(queries, body.Query)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"Market":[{"total":"5"}]}}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "current.json")
	if err := os.WriteFile(path, []byte(currentStateDefinition), 0o600); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	a := testApp(t)
	a.Config.Datasource.Endpoint = srv.URL
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := a.Backtest(context.Background(), BacktestOptions{
		DefinitionPath: path,
		From:           from,
		To:             from.Add(2 * time.Minute),
		Step:           time.Minute,
		Workers:        1,
	})
	if err != nil {
		t.Fatalf("backtest: %v", err)
	}

	base, _ := chain.DefaultRegistry().Lookup(8453)
	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 2 {
		t.Fatalf("expected one state query per tick, got %d", len(queries))
	}
	for _, tick := range []time.Time{from, from.Add(time.Minute)} {
		want := fmt.Sprintf("block: { number: %d }", base.Estimate(tick.UnixMilli()))
		found := false
		for _, q := range queries {
			if strings.Contains(q, want) {
				found = true
			}
		}
		if !found {
			t.Fatalf("no query pinned to %q for tick %s:\n%s", want, tick, strings.Join(queries, "\n"))
		}
	}
}

func TestBacktestTicks(t *testing.T) {
	from := time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC)
	ticks := backtestTicks(from, from.Add(3*time.Minute), time.Minute)
	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}
	if !ticks[2].Equal(from.Add(2 * time.Minute)) {
		t.Fatalf("unexpected last tick %s", ticks[2])
	}
}

func TestApplyCooldown(t *testing.T) {
	from := time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC)
	points := make([]BacktestPoint, 11)
	for i := range points {
		points[i] = BacktestPoint{At: from.Add(time.Duration(i) * time.Minute), Triggered: true}
	}
	points[3].Err = errors.New("indexer down")

	applyCooldown(signal.Signal{CooldownMinutes: 5}, points)

	var notified []int
	for i, p := range points {
		if p.Notify {
			notified = append(notified, i)
		}
	}
	if len(notified) != 2 || notified[0] != 0 || notified[1] != 6 {
		t.Fatalf("expected notifications at minutes 0 and 6, got %v", notified)
	}
}

func TestApplyCooldownIgnoresStoredState(t *testing.T) {
	at := time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC)
	last := at.Add(-time.Minute)
	points := []BacktestPoint{{At: at, Triggered: true}}

	applyCooldown(signal.Signal{CooldownMinutes: 5, LastTriggeredAt: &last}, points)
	if !points[0].Notify {
		t.Fatal("replay should start from a clean cooldown")
	}
}

func TestWriteBacktestSummary(t *testing.T) {
	at := time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeBacktest(&buf, []BacktestPoint{
		{At: at, Triggered: true, Notify: true},
		{At: at.Add(time.Minute), Triggered: true},
		{At: at.Add(2 * time.Minute), Err: errors.New("boom\nline")},
	})
	out := buf.String()
	if !strings.Contains(out, "3 points, 2 triggered, 1 notifications, 1 errors") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	if strings.Contains(out, "boom\nline") {
		t.Fatal("errors should be rendered inline")
	}
}

func sampleRecords(n int) []signal.NotificationRecord {
	base := time.Date(2025, 12, 3, 12, 0, 0, 0, time.UTC)
	out := make([]signal.NotificationRecord, n)
	for i := range out {
		status := 200
		rec := signal.NotificationRecord{
			ID:            string(rune('a' + i)),
			SignalID:      "sig-1",
			TriggeredAt:   base.Add(time.Duration(i) * time.Minute),
			Payload:       []byte(`{"signal_id":"sig-1"}`),
			WebhookStatus: &status,
			DurationMs:    int64(100 + i),
		}
		if i%2 == 1 {
			failed := 502
			msg := "HTTP 502"
			rec.WebhookStatus = &failed
			rec.Error = &msg
		}
		out[i] = rec
	}
	return out
}

func TestDownsampleRecords(t *testing.T) {
	records := sampleRecords(10)
	out := downsampleRecords(records, 4)
	if len(out) != 4 {
		t.Fatalf("expected 4 records, got %d", len(out))
	}
	if out[0].ID != records[0].ID || out[3].ID != records[9].ID {
		t.Fatal("downsampling should keep the first and last records")
	}
	if got := downsampleRecords(records, 20); len(got) != 10 {
		t.Fatalf("expected all records when under the limit, got %d", len(got))
	}
}

func TestWriteNotificationsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "log.csv")
	if err := writeNotificationsCSV(path, sampleRecords(2)); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "id" || rows[1][5] != "true" || rows[2][5] != "false" {
		t.Fatalf("unexpected rows %v", rows)
	}
	if rows[2][3] != "502" || rows[2][6] != "HTTP 502" {
		t.Fatalf("unexpected failure row %v", rows[2])
	}
}

func TestWriteNotificationsPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.png")
	if err := writeNotificationsPNG(path, sampleRecords(6)); err != nil {
		t.Fatalf("write png: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("png is empty")
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a := testApp(t)
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("expected error without output paths")
	}
}

func TestWriteNotifications(t *testing.T) {
	var buf bytes.Buffer
	writeNotifications(&buf, nil)
	if !strings.Contains(buf.String(), "no notifications found") {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	writeNotifications(&buf, sampleRecords(2))
	out := buf.String()
	if !strings.Contains(out, "502") || !strings.Contains(out, "sig-1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestWriteSignals(t *testing.T) {
	var buf bytes.Buffer
	writeSignals(&buf, []signal.Signal{{
		ID:              "sig-1",
		Name:            "Whale\nsupply",
		Chains:          []int64{8453, 1},
		Window:          signal.Window{Duration: "1h"},
		CooldownMinutes: 5,
		IsActive:        true,
	}})
	out := buf.String()
	if !strings.Contains(out, "Whale supply") || !strings.Contains(out, "8453,1") || !strings.Contains(out, "never") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestWriteChains(t *testing.T) {
	var buf bytes.Buffer
	registry := chain.DefaultRegistry()
	writeChains(&buf, registry.List(), time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC))
	out := buf.String()
	if !strings.Contains(out, "Base") || !strings.Contains(out, "Ethereum") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestNewRegistryAppliesOverrides(t *testing.T) {
	a := testApp(t)
	a.Config.Chains.Registry = []config.ChainConfig{{ID: 59144, Name: "Linea", AvgBlockTime: 2 * time.Second, GenesisTimestamp: 1689593539}}
	c, ok := a.newRegistry().Lookup(59144)
	if !ok || c.Name != "Linea" {
		t.Fatalf("expected Linea override, got %+v ok=%t", c, ok)
	}
}

func TestSimulateWebhook(t *testing.T) {
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a := testApp(t)
	if err := a.SimulateWebhook(context.Background(), SimulateOptions{URL: srv.URL}); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if err := a.SimulateWebhook(context.Background(), SimulateOptions{URL: failing.URL}); err == nil {
		t.Fatal("expected failed delivery to return an error")
	}

	if err := a.SimulateWebhook(context.Background(), SimulateOptions{}); err == nil {
		t.Fatal("expected error without target")
	}
}

func TestImportSignalUpsertsDefinition(t *testing.T) {
	a := testApp(t)
	store := storage.NewMemoryStore()
	last := time.Date(2025, 12, 3, 11, 0, 0, 0, time.UTC)
	store.PutSignal(signal.Signal{ID: "whale", Name: "old", LastTriggeredAt: &last, IsActive: true})

	sig, err := a.importSignal(context.Background(), store, ImportOptions{
		SignalID:        "whale",
		Name:            "Whale supply",
		DefinitionPath:  writeDefinition(t),
		WebhookURL:      "https://hooks.example.com/flare",
		CooldownMinutes: 0,
		Inactive:        true,
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sig.ID != "whale" || sig.Name != "Whale supply" || sig.IsActive || sig.CooldownMinutes != 0 {
		t.Fatalf("unexpected signal %+v", sig)
	}

	stored, err := store.GetSignal(context.Background(), "whale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.WebhookURL != "https://hooks.example.com/flare" || stored.AnchorChain() != 8453 {
		t.Fatalf("definition not stored: %+v", stored)
	}
	if stored.LastTriggeredAt == nil || !stored.LastTriggeredAt.Equal(last) {
		t.Fatal("import must keep the existing cooldown state")
	}
}

func TestImportSignalValidatesInput(t *testing.T) {
	a := testApp(t)
	store := storage.NewMemoryStore()
	def := writeDefinition(t)
	cases := map[string]ImportOptions{
		"missing id":         {DefinitionPath: def, WebhookURL: "https://hook"},
		"missing definition": {SignalID: "s", WebhookURL: "https://hook"},
		"negative cooldown":  {SignalID: "s", DefinitionPath: def, WebhookURL: "https://hook", CooldownMinutes: -1},
		"bad url":            {SignalID: "s", DefinitionPath: def, WebhookURL: "ftp://hook"},
		"empty url":          {SignalID: "s", DefinitionPath: def},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := a.importSignal(context.Background(), store, opts); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if ids, _ := store.ListActiveSignalIDs(context.Background()); len(ids) != 0 {
		t.Fatalf("rejected imports must not be stored: %v", ids)
	}
}

func TestEvaluateSendsVersionUserAgent(t *testing.T) {
	agents := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"Market":[{"total":"5"}]}}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "current.json")
	if err := os.WriteFile(path, []byte(currentStateDefinition), 0o600); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	a := testApp(t)
	a.Config.Datasource.Endpoint = srv.URL
	if err := a.Evaluate(context.Background(), EvaluateOptions{DefinitionPath: path}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	select {
	case ua := <-agents:
		if ua != version.UserAgent() {
			t.Fatalf("user agent %q, want %q", ua, version.UserAgent())
		}
	default:
		t.Fatal("indexer was not queried")
	}
}
