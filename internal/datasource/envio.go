package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"flare-signals/internal/logging"
	"flare-signals/internal/metrics"
	"flare-signals/internal/signal"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var filterOps = map[signal.FilterOp]string{
	signal.FilterEq:       "_eq",
	signal.FilterNeq:      "_neq",
	signal.FilterGt:       "_gt",
	signal.FilterGte:      "_gte",
	signal.FilterLt:       "_lt",
	signal.FilterLte:      "_lte",
	signal.FilterIn:       "_in",
	signal.FilterContains: "_ilike",
}

// EnvioOptions parameterise the GraphQL indexer client.
type EnvioOptions struct {
	Endpoint string
	// EventPrefix is prepended to event types that do not already carry it.
	EventPrefix       string
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
	Metrics           *metrics.Metrics
}

// Envio queries a Hasura-style GraphQL indexer.
type Envio struct {
	opts     EnvioOptions
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewEnvio constructs the indexer client.
func NewEnvio(opts EnvioOptions, logger zerolog.Logger) (*Envio, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, ErrEndpointNotConfigured
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Envio{
		opts:     opts,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		metrics:  opts.Metrics,
		logger:   logging.Component(logger, "envio"),
	}, nil
}

// FetchState implements Source.
func (e *Envio) FetchState(ctx context.Context, ref signal.StateRef, asOf *uint64) float64 {
	value, err := e.fetchState(ctx, ref, asOf)
	if err != nil {
		e.metrics.FetchFailed("state")
		ev := e.logger.Warn().Err(err).
			Str("entity_type", ref.EntityType).
			Str("field", ref.Field)
		if asOf != nil {
			ev = ev.Uint64("block", *asOf)
		}
		ev.Msg("state fetch failed; using 0")
		return 0
	}
	return value
}

// FetchEvents implements Source.
func (e *Envio) FetchEvents(ctx context.Context, ref signal.EventRef, startMs, endMs int64) float64 {
	value, err := e.fetchEvents(ctx, ref, startMs, endMs)
	if err != nil {
		e.metrics.FetchFailed("events")
		e.logger.Warn().Err(err).
			Str("event_type", ref.EventType).
			Str("field", ref.Field).
			Str("aggregation", string(ref.Aggregation)).
			Msg("event fetch failed; using 0")
		return 0
	}
	return value
}

func (e *Envio) fetchState(ctx context.Context, ref signal.StateRef, asOf *uint64) (float64, error) {
	if err := checkIdentifiers(ref.EntityType, ref.Field); err != nil {
		return 0, err
	}

	blockArg := ""
	if asOf != nil && *asOf > 0 {
		blockArg = fmt.Sprintf("(block: { number: %d })", *asOf)
	}
	query := fmt.Sprintf(`query GetState($where: %[1]s_bool_exp!) {
  %[1]s%[2]s(where: $where, limit: 1) {
    %[3]s
  }
}`, ref.EntityType, blockArg, ref.Field)

	var data map[string][]map[string]json.RawMessage
	if err := e.request(ctx, query, map[string]any{"where": translateFilters(ref.Filters)}, &data); err != nil {
		return 0, err
	}

	rows := data[ref.EntityType]
	if len(rows) == 0 {
		return 0, nil
	}
	return parseNumeric(rows[0][ref.Field])
}

func (e *Envio) fetchEvents(ctx context.Context, ref signal.EventRef, startMs, endMs int64) (float64, error) {
	entity := ref.EventType
	if e.opts.EventPrefix != "" && !strings.HasPrefix(entity, e.opts.EventPrefix) {
		entity = e.opts.EventPrefix + entity
	}
	if err := checkIdentifiers(entity, string(ref.Aggregation)); err != nil {
		return 0, err
	}

	selection := "count"
	if ref.Aggregation != signal.AggCount {
		if err := checkIdentifiers(ref.Field); err != nil {
			return 0, err
		}
		selection = fmt.Sprintf("%s {\n        %s\n      }", ref.Aggregation, ref.Field)
	}

	where := translateFilters(ref.Filters)
	where["timestamp"] = map[string]any{
		"_gte": startMs / 1000,
		"_lte": endMs / 1000,
	}

	query := fmt.Sprintf(`query GetEvents($where: %[1]s_bool_exp!) {
  %[1]s_aggregate(where: $where) {
    aggregate {
      %[2]s
    }
  }
}`, entity, selection)

	var data map[string]struct {
		Aggregate map[string]json.RawMessage `json:"aggregate"`
	}
	if err := e.request(ctx, query, map[string]any{"where": where}, &data); err != nil {
		return 0, err
	}

	agg, ok := data[entity+"_aggregate"]
	if !ok || agg.Aggregate == nil {
		return 0, nil
	}
	raw := agg.Aggregate[string(ref.Aggregation)]
	if ref.Aggregation == signal.AggCount {
		return parseNumeric(raw)
	}

	var fields map[string]json.RawMessage
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, fmt.Errorf("decode %s aggregate: %w", ref.Aggregation, err)
	}
	return parseNumeric(fields[ref.Field])
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (e *Envio) request(ctx context.Context, query string, variables map[string]any, out any) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send graphql request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read graphql response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("indexer error (%d): %s", resp.StatusCode, truncate(payload, 200))
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, gqlErr := range envelope.Errors {
			msgs = append(msgs, gqlErr.Message)
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return errors.New("graphql response without data")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}

// translateFilters converts filters into a Hasura bool_exp. Several filters on one field merge.
func translateFilters(filters []signal.Filter) map[string]any {
	where := make(map[string]any, len(filters))
	for _, f := range filters {
		op, ok := filterOps[f.Op]
		if !ok {
			op = "_eq"
		}
		value := f.Value
		if f.Op == signal.FilterContains {
			if s, isString := value.(string); isString && !strings.Contains(s, "%") {
				value = "%" + s + "%"
			}
		}

		clause, _ := where[f.Field].(map[string]any)
		if clause == nil {
			clause = make(map[string]any, 1)
		}
		clause[op] = value
		where[f.Field] = clause
	}
	return where
}

// parseNumeric accepts JSON numbers and numeric strings (bigint/numeric columns).
func parseNumeric(raw json.RawMessage) (float64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("decode numeric string: %w", err)
		}
		text = s
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", text, err)
	}
	return d.InexactFloat64(), nil
}

func checkIdentifiers(names ...string) error {
	for _, name := range names {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("invalid graphql identifier %q", name)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Source = (*Envio)(nil)
