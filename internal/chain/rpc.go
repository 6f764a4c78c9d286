package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"flare-signals/internal/logging"
)

// HeaderReader is the subset of ethclient used for block lookups.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// RPCLocator binary-searches block headers for the last block produced at or before a timestamp.
type RPCLocator struct {
	timeout time.Duration
	logger  zerolog.Logger

	dial      func(ctx context.Context, url string) (HeaderReader, error)
	clients   map[string]HeaderReader
	clientMux sync.Mutex
}

// NewRPCLocator builds a locator dialling endpoints lazily with go-ethereum's ethclient.
func NewRPCLocator(timeout time.Duration, logger zerolog.Logger) *RPCLocator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCLocator{
		timeout: timeout,
		logger:  logging.Component(logger, "rpc_locator"),
		dial: func(ctx context.Context, url string) (HeaderReader, error) {
			return ethclient.DialContext(ctx, url)
		},
		clients: make(map[string]HeaderReader),
	}
}

// Locate tries each endpoint of c in order and returns the first successful answer.
func (l *RPCLocator) Locate(ctx context.Context, c Chain, timestampMs int64, estimate uint64) (uint64, error) {
	if len(c.RPCEndpoints) == 0 {
		return 0, errors.New("chain has no rpc endpoints")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var errs []error
	for _, endpoint := range c.RPCEndpoints {
		client, err := l.getClient(ctx, endpoint)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", endpoint, err))
			continue
		}
		block, err := searchBlock(ctx, client, uint64(timestampMs/1000), estimate)
		if err != nil {
			errs = append(errs, fmt.Errorf("search %s: %w", endpoint, err))
			continue
		}
		l.logger.Debug().Int64("chain_id", c.ID).
			Uint64("estimate", estimate).
			Uint64("block", block).
			Msg("block located over rpc")
		return block, nil
	}
	return 0, errors.Join(errs...)
}

func (l *RPCLocator) getClient(ctx context.Context, url string) (HeaderReader, error) {
	l.clientMux.Lock()
	defer l.clientMux.Unlock()

	if client, ok := l.clients[url]; ok {
		return client, nil
	}
	client, err := l.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	l.clients[url] = client
	return client, nil
}

// Close drops every dialled client.
func (l *RPCLocator) Close() {
	l.clientMux.Lock()
	defer l.clientMux.Unlock()
	for url, client := range l.clients {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(l.clients, url)
	}
}

// searchBlock finds the highest block whose header time is <= target, probing the estimate first.
func searchBlock(ctx context.Context, client HeaderReader, target uint64, estimate uint64) (uint64, error) {
	latest, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}
	hi := latest.Number.Uint64()
	if latest.Time <= target {
		return hi, nil
	}

	lo := uint64(0)
	mid := estimate
	for lo < hi {
		if mid <= lo || mid > hi {
			mid = lo + (hi-lo+1)/2
		}
		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, fmt.Errorf("header %d: %w", mid, err)
		}
		if header.Time <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
		mid = lo + (hi-lo+1)/2
	}
	return lo, nil
}
