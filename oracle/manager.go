package oracle

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"
)

// Publisher pushes resolved prices onto the ledger.
type Publisher interface {
	PublishPrices(ctx context.Context, tokenUsd8d, nativeUsd8d *big.Int) error
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, tokenUsd8d, nativeUsd8d *big.Int) error

// PublishPrices implements Publisher.
func (f PublisherFunc) PublishPrices(ctx context.Context, tokenUsd8d, nativeUsd8d *big.Int) error {
	if f == nil {
		return nil
	}
	return f(ctx, tokenUsd8d, nativeUsd8d)
}

// Manager periodically resolves the desk's token and native-asset USD prices
// through the adapter and publishes them to the ledger so offer creation can
// snapshot fresh values.
type Manager struct {
	logger       *log.Logger
	adapter      *Adapter
	publisher    Publisher
	tokenSymbol  string
	nativeSymbol string
	interval     time.Duration
	once         sync.Once
}

// NewManager constructs a price push loop over the adapter.
func NewManager(adapter *Adapter, publisher Publisher, tokenSymbol, nativeSymbol string, interval time.Duration, logger *log.Logger) (*Manager, error) {
	if adapter == nil {
		return nil, fmt.Errorf("oracle: adapter required")
	}
	if publisher == nil {
		publisher = PublisherFunc(func(context.Context, *big.Int, *big.Int) error { return nil })
	}
	if tokenSymbol == "" {
		return nil, fmt.Errorf("oracle: token symbol required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("oracle: interval must be positive")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		logger:       logger,
		adapter:      adapter,
		publisher:    publisher,
		tokenSymbol:  normaliseSymbol(tokenSymbol),
		nativeSymbol: normaliseSymbol(nativeSymbol),
		interval:     interval,
	}, nil
}

// Run blocks, periodically publishing prices until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("oracle: manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Printf("oracle: price manager started for %s (native %s)", m.tokenSymbol, m.nativeSymbol)
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Printf("oracle: tick error: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single resolve-and-publish cycle.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("oracle: manager not configured")
	}
	token, err := m.adapter.Resolve(ctx, m.tokenSymbol)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", m.tokenSymbol, err)
	}
	native := PriceReading{}
	if m.nativeSymbol != "" {
		native, err = m.adapter.Resolve(ctx, m.nativeSymbol)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", m.nativeSymbol, err)
		}
	}
	if err := m.publisher.PublishPrices(ctx, token.Usd8d(), native.Usd8d()); err != nil {
		return fmt.Errorf("publish prices: %w", err)
	}
	return nil
}
