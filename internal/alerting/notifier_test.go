package alerting

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flare-signals/internal/signal"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func samplePayload() signal.WebhookPayload {
	return signal.WebhookPayload{
		SignalID:      "sig-1",
		SignalName:    "Whale supply",
		TriggeredAt:   "2025-12-03T00:00:00.000Z",
		Scope:         []int64{1},
		ConditionsMet: []any{},
		Context:       map[string]any{},
	}
}

func TestWebhookNotifierSignsBody(t *testing.T) {
	type captured struct {
		body        []byte
		sig, ct, ua string
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{
			body: body,
			sig:  r.Header.Get(SignatureHeader),
			ct:   r.Header.Get("Content-Type"),
			ua:   r.Header.Get("User-Agent"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("s3cr3t", time.Second, testLogger())
	d := n.Send(context.Background(), srv.URL, samplePayload())
	if !d.Success || d.Status == nil || *d.Status != http.StatusOK {
		t.Fatalf("delivery should succeed: %#v", d)
	}
	c := <-got
	gotBody, gotSig, gotCT, gotUA := c.body, c.sig, c.ct, c.ua

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSig, want)
	}
	if gotCT != "application/json" {
		t.Fatalf("content type %q", gotCT)
	}
	if !strings.HasPrefix(gotUA, "flare-signals/") {
		t.Fatalf("user agent %q", gotUA)
	}

	var decoded map[string]any
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	for _, key := range []string{"signal_id", "signal_name", "triggered_at", "scope", "conditions_met", "context"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("payload missing %s: %s", key, gotBody)
		}
	}
}

func TestWebhookNotifierOmitsSignatureWithoutSecret(t *testing.T) {
	seen := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header[SignatureHeader]
		seen <- ok
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("", time.Second, testLogger())
	if d := n.Send(context.Background(), srv.URL, samplePayload()); !d.Success {
		t.Fatalf("delivery should succeed: %#v", d)
	}
	if <-seen {
		t.Fatal("signature header must be absent when no secret is configured")
	}
}

func TestWebhookNotifierReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("", time.Second, testLogger())
	d := n.Send(context.Background(), srv.URL, samplePayload())
	if d.Success {
		t.Fatal("non-2xx must fail")
	}
	if d.Status == nil || *d.Status != http.StatusBadGateway {
		t.Fatalf("status should be captured: %#v", d)
	}
	if d.Err == "" {
		t.Fatal("error message should be captured")
	}

	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()
	d = n.Send(context.Background(), url, samplePayload())
	if d.Success || d.Status != nil || d.Err == "" {
		t.Fatalf("transport failure should have no status: %#v", d)
	}
}

type fakeNotifier struct {
	mu       sync.Mutex
	delivery Delivery
	sent     []signal.WebhookPayload
}

func (f *fakeNotifier) Send(ctx context.Context, url string, payload signal.WebhookPayload) Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return f.delivery
}

type fakeRecorder struct {
	mu        sync.Mutex
	triggered []time.Time
	records   []signal.NotificationRecord
	markErr   error
	insertErr error
}

func (f *fakeRecorder) MarkTriggered(ctx context.Context, signalID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.triggered = append(f.triggered, at)
	return nil
}

func (f *fakeRecorder) InsertNotification(ctx context.Context, rec signal.NotificationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.records = append(f.records, rec)
	return nil
}

func okDelivery() Delivery {
	status := 200
	return Delivery{Success: true, Status: &status, Duration: 15 * time.Millisecond}
}

func triggered(now time.Time) signal.EvaluationResult {
	return signal.EvaluationResult{SignalID: "sig-1", Triggered: true, Timestamp: now}
}

func TestDispatcherCooldownWindow(t *testing.T) {
	now := time.Date(2025, 12, 3, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		ago  time.Duration
		want Outcome
	}{
		{"four minutes ago", 4 * time.Minute, OutcomeCooldown},
		{"exactly at cooldown", 5 * time.Minute, OutcomeCooldown},
		{"six minutes ago", 6 * time.Minute, OutcomeDelivered},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			notifier := &fakeNotifier{delivery: okDelivery()}
			rec := &fakeRecorder{}
			d := NewDispatcher(notifier, rec, testLogger(), WithClock(func() time.Time { return now }))

			last := now.Add(-tc.ago)
			sig := signal.Signal{ID: "sig-1", CooldownMinutes: 5, LastTriggeredAt: &last, WebhookURL: "http://hook"}
			got, err := d.Handle(context.Background(), sig, triggered(now))
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if got != tc.want {
				t.Fatalf("outcome %s, want %s", got, tc.want)
			}
			wantSends := 0
			if tc.want == OutcomeDelivered {
				wantSends = 1
			}
			if len(notifier.sent) != wantSends || len(rec.records) != wantSends || len(rec.triggered) != wantSends {
				t.Fatalf("sends=%d records=%d marks=%d, want %d each", len(notifier.sent), len(rec.records), len(rec.triggered), wantSends)
			}
		})
	}
}

func TestDispatcherFailedDeliveryStillAdvancesCooldown(t *testing.T) {
	now := time.Date(2025, 12, 3, 12, 0, 0, 0, time.UTC)
	status := 500
	notifier := &fakeNotifier{delivery: Delivery{Status: &status, Err: "webhook responded with status 500", Duration: time.Second}}
	rec := &fakeRecorder{}
	d := NewDispatcher(notifier, rec, testLogger(), WithClock(func() time.Time { return now }))

	sig := signal.Signal{ID: "sig-1", Name: "n", Chains: []int64{8453}, CooldownMinutes: 5}
	got, err := d.Handle(context.Background(), sig, triggered(now))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got != OutcomeFailed {
		t.Fatalf("outcome %s, want failed", got)
	}
	if len(rec.triggered) != 1 || !rec.triggered[0].Equal(now) {
		t.Fatalf("last_triggered_at must advance to now: %v", rec.triggered)
	}
	if len(rec.records) != 1 {
		t.Fatalf("expected exactly one notification record, got %d", len(rec.records))
	}
	r := rec.records[0]
	if r.Error == nil || r.WebhookStatus == nil || *r.WebhookStatus != 500 || r.DurationMs != 1000 {
		t.Fatalf("record should capture the failure: %#v", r)
	}
	if r.Succeeded() {
		t.Fatal("failed record must not report success")
	}

	var payload signal.WebhookPayload
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.TriggeredAt != "2025-12-03T12:00:00.000Z" || len(payload.Scope) != 1 || payload.Scope[0] != 8453 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestDispatcherZeroCooldownAlwaysDispatches(t *testing.T) {
	now := time.Date(2025, 12, 3, 12, 0, 0, 0, time.UTC)
	notifier := &fakeNotifier{delivery: okDelivery()}
	rec := &fakeRecorder{}
	d := NewDispatcher(notifier, rec, testLogger(), WithClock(func() time.Time { return now }))

	sig := signal.Signal{ID: "sig-1", CooldownMinutes: 0}
	for i := 0; i < 3; i++ {
		last := now.Add(-time.Millisecond)
		sig.LastTriggeredAt = &last
		got, err := d.Handle(context.Background(), sig, triggered(now))
		if err != nil || got != OutcomeDelivered {
			t.Fatalf("cycle %d: outcome %s err %v", i, got, err)
		}
	}
	if len(notifier.sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(notifier.sent))
	}
}

func TestDispatcherIdleAndPersistenceErrors(t *testing.T) {
	notifier := &fakeNotifier{delivery: okDelivery()}
	rec := &fakeRecorder{markErr: errors.New("db down")}
	d := NewDispatcher(notifier, rec, testLogger())

	got, err := d.Handle(context.Background(), signal.Signal{ID: "sig-1"}, signal.EvaluationResult{SignalID: "sig-1"})
	if err != nil || got != OutcomeIdle {
		t.Fatalf("untriggered result should be idle: %s %v", got, err)
	}
	if len(notifier.sent) != 0 {
		t.Fatal("idle must not send")
	}

	if _, err := d.Handle(context.Background(), signal.Signal{ID: "sig-1"}, triggered(time.Now())); err == nil {
		t.Fatal("persistence failure should propagate")
	}
}

func TestDispatcherRecordsNotificationWhenMarkFails(t *testing.T) {
	now := time.Date(2025, 12, 3, 12, 0, 0, 0, time.UTC)
	markErr := errors.New("db down")
	notifier := &fakeNotifier{delivery: okDelivery()}
	rec := &fakeRecorder{markErr: markErr}
	d := NewDispatcher(notifier, rec, testLogger(), WithClock(func() time.Time { return now }))

	_, err := d.Handle(context.Background(), signal.Signal{ID: "sig-1"}, triggered(now))
	if !errors.Is(err, markErr) {
		t.Fatalf("expected mark error, got %v", err)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(notifier.sent))
	}
	if len(rec.records) != 1 || !rec.records[0].TriggeredAt.Equal(now) {
		t.Fatalf("sent webhook must still be recorded: %#v", rec.records)
	}
}

func TestDispatcherJoinsPersistenceErrors(t *testing.T) {
	markErr := errors.New("mark failed")
	insertErr := errors.New("insert failed")
	rec := &fakeRecorder{markErr: markErr, insertErr: insertErr}
	d := NewDispatcher(&fakeNotifier{delivery: okDelivery()}, rec, testLogger())

	_, err := d.Handle(context.Background(), signal.Signal{ID: "sig-1"}, triggered(time.Now()))
	if !errors.Is(err, markErr) || !errors.Is(err, insertErr) {
		t.Fatalf("expected both errors, got %v", err)
	}
}

func TestDispatcherTestSkipsCooldown(t *testing.T) {
	notifier := &fakeNotifier{delivery: okDelivery()}
	rec := &fakeRecorder{}
	d := NewDispatcher(notifier, rec, testLogger())

	last := time.Now()
	sig := signal.Signal{ID: "sig-1", CooldownMinutes: 60, LastTriggeredAt: &last}
	if del := d.Test(context.Background(), sig); !del.Success {
		t.Fatalf("test delivery failed: %#v", del)
	}
	if len(rec.records) != 0 || len(rec.triggered) != 0 {
		t.Fatal("test delivery must not touch persistence")
	}
	if notifier.sent[0].Context["test"] != true {
		t.Fatal("test payload should be marked")
	}
}
