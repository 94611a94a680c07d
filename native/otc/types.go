package otc

import (
	"fmt"
	"math/big"
	"strings"
)

// Currency identifies the settlement asset for an offer.
type Currency uint8

const (
	// CurrencyNative settles in the chain's native asset (wei or lamports).
	CurrencyNative Currency = iota
	// CurrencyStable settles in the desk's configured stablecoin.
	CurrencyStable
)

// Valid reports whether the currency value is within the supported range.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyNative, CurrencyStable:
		return true
	default:
		return false
	}
}

func (c Currency) String() string {
	switch c {
	case CurrencyNative:
		return "native"
	case CurrencyStable:
		return "stable"
	default:
		return fmt.Sprintf("currency(%d)", uint8(c))
	}
}

// ParseCurrency resolves a currency from its canonical string form.
func ParseCurrency(raw string) (Currency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "native", "sol", "eth":
		return CurrencyNative, nil
	case "stable", "usdc":
		return CurrencyStable, nil
	default:
		return 0, fmt.Errorf("otc: unsupported currency %q", raw)
	}
}

// Offer tracks a single proposed trade between desk inventory and a
// beneficiary. Terms are immutable after creation; the lifecycle flags are
// monotonic and set exactly once.
type Offer struct {
	ID            uint64
	ConsignmentID uint64
	Beneficiary   string
	TokenAmount   *big.Int
	DiscountBps   uint16
	Currency      Currency
	CreatedAt     int64
	UnlockTime    int64

	// USD prices snapshotted at creation in 8-decimal fixed point. They are
	// never re-read at settlement so price movement after approval cannot
	// change what the payer owes.
	TokenUsd8d  *big.Int
	NativeUsd8d *big.Int

	Approved  bool
	Paid      bool
	Fulfilled bool
	Cancelled bool

	// Approvals records the distinct approvers that have endorsed the offer
	// while the desk threshold has not yet been met.
	Approvals []string

	Payer      string
	AmountPaid *big.Int
}

// Clone returns a deep copy so callers can mutate the copy freely.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.TokenAmount = cloneBigInt(o.TokenAmount)
	clone.TokenUsd8d = cloneBigInt(o.TokenUsd8d)
	clone.NativeUsd8d = cloneBigInt(o.NativeUsd8d)
	clone.AmountPaid = cloneBigInt(o.AmountPaid)
	clone.Approvals = append([]string(nil), o.Approvals...)
	return &clone
}

// Terminal reports whether the offer can no longer transition.
func (o *Offer) Terminal() bool {
	if o == nil {
		return false
	}
	return o.Fulfilled || o.Cancelled
}

// HasApproval reports whether the given approver already endorsed the offer.
func (o *Offer) HasApproval(approver string) bool {
	for _, a := range o.Approvals {
		if SameAddress(a, approver) {
			return true
		}
	}
	return false
}

// Desk is the per-chain treasury and configuration singleton. A single desk
// owns inventory, escrow rules and the oracle price snapshot used when offers
// are created.
type Desk struct {
	Address string
	Owner   string
	Agent   string

	Approvers         []string
	RequiredApprovals uint32

	MinUsd8d         *big.Int
	MaxTokenPerOrder *big.Int
	MaxLockupSecs    int64
	QuoteExpirySecs  int64

	TokenDecimals  uint8
	StableDecimals uint8

	Deposited *big.Int
	Reserved  *big.Int

	TokenUsd8d      *big.Int
	NativeUsd8d     *big.Int
	PricesUpdatedAt int64
	MaxPriceAgeSecs int64

	ManualTokenUsd8d      *big.Int
	ManualNativeUsd8d     *big.Int
	ManualPricesUpdatedAt int64
	UseManualPrices       bool

	Paused bool

	EmergencyRefundEnabled      bool
	EmergencyRefundDeadlineSecs int64

	NextOfferID       uint64
	NextConsignmentID uint64
}

// Clone returns a deep copy of the desk.
func (d *Desk) Clone() *Desk {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Approvers = append([]string(nil), d.Approvers...)
	clone.MinUsd8d = cloneBigInt(d.MinUsd8d)
	clone.MaxTokenPerOrder = cloneBigInt(d.MaxTokenPerOrder)
	clone.Deposited = cloneBigInt(d.Deposited)
	clone.Reserved = cloneBigInt(d.Reserved)
	clone.TokenUsd8d = cloneBigInt(d.TokenUsd8d)
	clone.NativeUsd8d = cloneBigInt(d.NativeUsd8d)
	clone.ManualTokenUsd8d = cloneBigInt(d.ManualTokenUsd8d)
	clone.ManualNativeUsd8d = cloneBigInt(d.ManualNativeUsd8d)
	return &clone
}

// IsApprover reports whether the address belongs to the desk approver set. The
// agent is always an approver.
func (d *Desk) IsApprover(addr string) bool {
	if d == nil {
		return false
	}
	if SameAddress(addr, d.Agent) {
		return true
	}
	for _, a := range d.Approvers {
		if SameAddress(a, addr) {
			return true
		}
	}
	return false
}

// Available returns the inventory not yet reserved for open offers.
func (d *Desk) Available() *big.Int {
	if d == nil {
		return big.NewInt(0)
	}
	deposited := cloneBigInt(d.Deposited)
	reserved := cloneBigInt(d.Reserved)
	if deposited.Cmp(reserved) < 0 {
		return big.NewInt(0)
	}
	return deposited.Sub(deposited, reserved)
}

// Consignment is an inventory lot a consigner left with the desk. Offers are
// carved from its remaining amount; when negotiable the discount and lockup
// must stay inside the configured ranges.
type Consignment struct {
	ID              uint64
	Consigner       string
	TotalAmount     *big.Int
	RemainingAmount *big.Int

	Negotiable       bool
	FixedDiscountBps uint16
	FixedLockupDays  uint32
	MinDiscountBps   uint16
	MaxDiscountBps   uint16
	MinLockupDays    uint32
	MaxLockupDays    uint32
	MinDealAmount    *big.Int
	MaxDealAmount    *big.Int

	Active    bool
	CreatedAt int64
}

// Clone returns a deep copy of the consignment.
func (c *Consignment) Clone() *Consignment {
	if c == nil {
		return nil
	}
	clone := *c
	clone.TotalAmount = cloneBigInt(c.TotalAmount)
	clone.RemainingAmount = cloneBigInt(c.RemainingAmount)
	clone.MinDealAmount = cloneBigInt(c.MinDealAmount)
	clone.MaxDealAmount = cloneBigInt(c.MaxDealAmount)
	return &clone
}

// Account tracks the balances the engine moves between parties. Native is the
// chain asset (wei or lamports), Stable the settlement stablecoin and Token
// the consigned inventory asset.
type Account struct {
	BalanceNative *big.Int
	BalanceStable *big.Int
	BalanceToken  *big.Int
}

// NormalizeAddress canonicalises an address for storage and comparison.
// Account-model chains use hex addresses compared case-insensitively; base58
// addresses pass through untouched apart from whitespace.
func NormalizeAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return strings.ToLower(trimmed)
	}
	return trimmed
}

// SameAddress compares two addresses under NormalizeAddress semantics.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// SanitizeOffer validates and normalises an offer definition, returning a
// cloned instance with non-nil amounts. The original value is not mutated.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("otc: nil offer")
	}
	clone := o.Clone()
	if !clone.Currency.Valid() {
		return nil, fmt.Errorf("otc: invalid offer currency %d", clone.Currency)
	}
	if clone.TokenAmount.Sign() <= 0 {
		return nil, fmt.Errorf("otc: offer token amount must be positive")
	}
	if clone.DiscountBps > 10_000 {
		return nil, fmt.Errorf("otc: offer discount bps out of range: %d", clone.DiscountBps)
	}
	if clone.Fulfilled && clone.Cancelled {
		return nil, fmt.Errorf("otc: offer cannot be both fulfilled and cancelled")
	}
	if clone.Paid && !clone.Approved {
		return nil, fmt.Errorf("otc: paid offer must be approved")
	}
	if clone.Fulfilled && !clone.Paid {
		return nil, fmt.Errorf("otc: fulfilled offer must be paid")
	}
	clone.Beneficiary = NormalizeAddress(clone.Beneficiary)
	clone.Payer = NormalizeAddress(clone.Payer)
	return clone, nil
}
