package oracle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"
)

// ErrDivergent indicates the observed price and the independent aggregator
// price disagree beyond the configured tolerance.
var ErrDivergent = errors.New("oracle: price divergence exceeds tolerance")

// Policy controls how the divergence checker behaves when it cannot verify
// its precondition.
type Policy uint8

const (
	// PolicyFailClosed blocks the operation whenever the aggregator is
	// unreachable, the asset is unlisted, or the divergence check fails.
	PolicyFailClosed Policy = iota
	// PolicyFailOpen allows the operation with a logged warning under the
	// same conditions. Intended for development environments only.
	PolicyFailOpen
)

// String renders the policy for logs and configuration echoing.
func (p Policy) String() string {
	if p == PolicyFailOpen {
		return "fail-open"
	}
	return "fail-closed"
}

// ParsePolicy maps a configuration string onto a Policy.
func ParsePolicy(raw string) (Policy, error) {
	switch raw {
	case "", "fail-closed", "production":
		return PolicyFailClosed, nil
	case "fail-open", "development":
		return PolicyFailOpen, nil
	default:
		return PolicyFailClosed, fmt.Errorf("oracle: unknown divergence policy %q", raw)
	}
}

const defaultMaxDivergenceBps = 1000

// Checker validates an observed price against an independent aggregator
// before a transaction is submitted. The production/development asymmetry is
// an anti-manipulation control: production must never trade on a price the
// aggregator cannot corroborate.
type Checker struct {
	aggregator Feed
	maxBps     uint64
	maxAge     time.Duration
	policy     Policy
	logger     *log.Logger
}

// NewChecker builds a Checker. A zero maxBps defaults to 10%.
func NewChecker(aggregator Feed, maxBps uint64, maxAge time.Duration, policy Policy, logger *log.Logger) (*Checker, error) {
	if aggregator == nil {
		return nil, fmt.Errorf("oracle: aggregator feed required")
	}
	if maxBps == 0 {
		maxBps = defaultMaxDivergenceBps
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Checker{aggregator: aggregator, maxBps: maxBps, maxAge: maxAge, policy: policy, logger: logger}, nil
}

// Policy returns the configured failure policy.
func (c *Checker) Policy() Policy { return c.policy }

// Check validates the observed price for the symbol against the aggregator.
// It returns nil when the prices agree within tolerance, or when the policy
// is fail-open and the check could not be completed.
func (c *Checker) Check(ctx context.Context, symbol string, observed *big.Rat) error {
	if c == nil {
		return fmt.Errorf("oracle: checker not configured")
	}
	if observed == nil || observed.Sign() <= 0 {
		return fmt.Errorf("oracle: observed price must be positive")
	}
	outcome := readFeed(ctx, c.aggregator, symbol, c.maxAge, time.Now())
	if !outcome.OK() {
		if c.policy == PolicyFailOpen {
			c.logger.Printf("oracle: divergence check skipped for %s (%s): %v", symbol, c.policy, outcome.Err)
			return nil
		}
		return fmt.Errorf("oracle: aggregator unavailable for %s: %w", symbol, outcome.Err)
	}
	bps := DeviationBps(observed, outcome.Reading.Rate)
	if bps <= c.maxBps {
		return nil
	}
	if c.policy == PolicyFailOpen {
		c.logger.Printf("oracle: WARNING %s diverges %d bps from %s (limit %d), allowing under %s",
			symbol, bps, c.aggregator.Name(), c.maxBps, c.policy)
		return nil
	}
	return fmt.Errorf("%w: %s is %d bps from %s (limit %d)", ErrDivergent, symbol, bps, c.aggregator.Name(), c.maxBps)
}

// DeviationBps computes |observed-reference|/reference in basis points,
// rounded up so a borderline divergence never slips under the limit.
func DeviationBps(observed, reference *big.Rat) uint64 {
	if observed == nil || reference == nil || reference.Sign() <= 0 {
		return 0
	}
	diff := new(big.Rat).Sub(observed, reference)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	ratio := diff.Quo(diff, reference)
	ratio.Mul(ratio, big.NewRat(10_000, 1))
	q, r := new(big.Int).QuoRem(ratio.Num(), ratio.Denom(), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsUint64() {
		return ^uint64(0)
	}
	return q.Uint64()
}
