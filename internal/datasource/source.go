// Package datasource reads indexed on-chain state and event aggregates.
package datasource

import (
	"context"
	"errors"

	"flare-signals/internal/signal"
)

// ErrEndpointNotConfigured is a startup configuration error: no indexer endpoint was given.
var ErrEndpointNotConfigured = errors.New("datasource: indexer endpoint not configured")

// Source is the boundary between the evaluator and the indexer. Implementations never fail:
// transport or protocol problems are logged and reported as 0.
type Source interface {
	// FetchState reads ref at block asOf, or at the latest indexed block when asOf is nil.
	FetchState(ctx context.Context, ref signal.StateRef, asOf *uint64) float64
	// FetchEvents aggregates ref over events with timestamps in [startMs, endMs].
	FetchEvents(ctx context.Context, ref signal.EventRef, startMs, endMs int64) float64
}
