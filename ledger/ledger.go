// Package ledger defines the chain-agnostic escrow desk interface. The offer
// state machine is specified once and each chain adapter exposes it through
// this interface, so conformance tests run unmodified against every backend.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"otcdesk/native/otc"
)

// ErrUnsupported is returned by adapters for operations the underlying chain
// client cannot perform (for example acting as an arbitrary caller when the
// adapter holds a single signing key).
var ErrUnsupported = errors.New("ledger: operation not supported by adapter")

// CreateParams carries the arguments for offer creation.
type CreateParams struct {
	Beneficiary   string
	ConsignmentID uint64
	TokenAmount   *big.Int
	DiscountBps   uint16
	Currency      otc.Currency
	LockupSecs    int64
}

// Ledger is the shared desk interface implemented per chain family.
type Ledger interface {
	// Chain identifies the backend ("memory", "evm", "solana").
	Chain() string

	SubmitCreate(ctx context.Context, params CreateParams) (uint64, error)
	SubmitApprove(ctx context.Context, offerID uint64, approver string) error
	SubmitFulfill(ctx context.Context, offerID uint64, payer string, nativeValue *big.Int) error
	SubmitClaim(ctx context.Context, offerID uint64, caller string) error
	SubmitCancel(ctx context.Context, offerID uint64, caller string) error

	Offer(ctx context.Context, offerID uint64) (*otc.Offer, error)
	Desk(ctx context.Context) (*otc.Desk, error)
	OpenOfferIDs(ctx context.Context) ([]uint64, error)

	// Health verifies the backend is reachable and the desk is deployed.
	Health(ctx context.Context) error
}
