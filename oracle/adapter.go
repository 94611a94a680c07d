package oracle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrNoPrice indicates that no usable price could be resolved at all.
	ErrNoPrice = errors.New("oracle: no price available")
	// ErrStalePrice indicates the primary feed returned a reading older than
	// the configured staleness window.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrManualPriceOld indicates the manual override itself has gone stale.
	ErrManualPriceOld = errors.New("oracle: manual price too old")
)

// Outcome is the explicit result of a single feed read. Exactly one of
// Reading or Err is meaningful; fallback selection is a pure function over
// outcomes so the decision is testable without live feeds.
type Outcome struct {
	Reading PriceReading
	Err     error
}

// OK reports whether the outcome carries a usable reading.
func (o Outcome) OK() bool { return o.Err == nil }

// readFeed fetches from the feed and classifies the result, rejecting
// readings older than maxAge relative to now.
func readFeed(ctx context.Context, feed Feed, symbol string, maxAge time.Duration, now time.Time) Outcome {
	if feed == nil {
		return Outcome{Err: ErrNoPrice}
	}
	reading, err := feed.Fetch(ctx, symbol)
	if err != nil {
		return Outcome{Err: fmt.Errorf("oracle: feed %s: %w", feed.Name(), err)}
	}
	if reading.Rate == nil || reading.Rate.Sign() <= 0 {
		return Outcome{Err: fmt.Errorf("oracle: feed %s returned invalid rate: %w", feed.Name(), ErrNoPrice)}
	}
	if maxAge > 0 && reading.Timestamp.Before(now.Add(-maxAge)) {
		return Outcome{Err: ErrStalePrice}
	}
	return Outcome{Reading: reading.Clone()}
}

// selectReading picks the reading to use from the primary and manual
// outcomes. The primary wins when usable. When it is not, the manual outcome
// is consulted only if the fallback is enabled; a stale manual reading is
// surfaced as ErrManualPriceOld rather than silently substituting anything.
func selectReading(primary, manual Outcome, useManual bool) (PriceReading, error) {
	if primary.OK() {
		return primary.Reading, nil
	}
	if !useManual {
		return PriceReading{}, primary.Err
	}
	if manual.OK() {
		return manual.Reading, nil
	}
	if errors.Is(manual.Err, ErrStalePrice) {
		return PriceReading{}, ErrManualPriceOld
	}
	return PriceReading{}, manual.Err
}

// AdapterConfig wires an Adapter.
type AdapterConfig struct {
	Primary Feed
	Manual  *ManualFeed
	// MaxAge bounds the primary reading's age. Zero disables the check.
	MaxAge time.Duration
	// ManualMaxAge bounds the manual override's age. Defaults to MaxAge.
	ManualMaxAge time.Duration
	UseManual    bool
	Logger       *log.Logger
	// NowFn overrides the time source for staleness checks.
	NowFn func() time.Time
}

// Adapter resolves USD prices from a primary feed with an owner-controlled
// manual fallback.
type Adapter struct {
	primary      Feed
	manual       *ManualFeed
	maxAge       time.Duration
	manualMaxAge time.Duration
	logger       *log.Logger
	nowFn        func() time.Time

	mu        sync.RWMutex
	useManual bool
}

// NewAdapter constructs an adapter from the supplied configuration.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Primary == nil && cfg.Manual == nil {
		return nil, fmt.Errorf("oracle: at least one feed required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	manualMaxAge := cfg.ManualMaxAge
	if manualMaxAge == 0 {
		manualMaxAge = cfg.MaxAge
	}
	return &Adapter{
		primary:      cfg.Primary,
		manual:       cfg.Manual,
		maxAge:       cfg.MaxAge,
		manualMaxAge: manualMaxAge,
		logger:       logger,
		nowFn:        nowFn,
		useManual:    cfg.UseManual,
	}, nil
}

// SetUseManual toggles the manual fallback at runtime.
func (a *Adapter) SetUseManual(enabled bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.useManual = enabled
	a.mu.Unlock()
}

// UseManual reports whether the manual fallback is currently enabled.
func (a *Adapter) UseManual() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.useManual
}

// Resolve returns the current USD price for the symbol, consulting the
// primary feed first and the manual override only when enabled.
func (a *Adapter) Resolve(ctx context.Context, symbol string) (PriceReading, error) {
	if a == nil {
		return PriceReading{}, ErrNoPrice
	}
	now := a.nowFn()
	primary := readFeed(ctx, a.primary, symbol, a.maxAge, now)
	useManual := a.UseManual()
	var manual Outcome
	if useManual {
		manual = readFeed(ctx, a.manual, symbol, a.manualMaxAge, now)
	}
	reading, err := selectReading(primary, manual, useManual)
	if err != nil {
		return PriceReading{}, err
	}
	if !primary.OK() {
		a.logger.Printf("oracle: primary feed unusable for %s, using manual override: %v", symbol, primary.Err)
	}
	return reading, nil
}
