package oracle

import (
	"context"
	"math/big"
	"time"
)

// PriceReading captures a USD price for an asset along with the timestamp
// reported by the upstream feed and the feed identifier.
type PriceReading struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the reading to prevent accidental mutations.
func (r PriceReading) Clone() PriceReading {
	clone := PriceReading{Timestamp: r.Timestamp, Source: r.Source}
	if r.Rate != nil {
		clone.Rate = new(big.Rat).Set(r.Rate)
	}
	return clone
}

// Usd8d renders the reading in 8-decimal USD fixed point, truncating any
// precision beyond that. Returns zero for a nil rate.
func (r PriceReading) Usd8d() *big.Int {
	if r.Rate == nil {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(r.Rate, big.NewRat(100_000_000, 1))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// Feed resolves a USD price for an asset symbol.
type Feed interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (PriceReading, error)
}
