package otc

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	errNilState     = errors.New("otc engine: state not configured")
	errDeskNotFound = errors.New("otc engine: desk not initialised")
	// ErrOfferNotFound is returned when an offer id does not resolve.
	ErrOfferNotFound = errors.New("otc engine: offer not found")
	// ErrConsignmentNotFound is returned when a consignment id does not resolve.
	ErrConsignmentNotFound = errors.New("otc engine: consignment not found")
)

const (
	maxApprovers = 32
	// Paid offers stuck past unlock for this long become refundable when the
	// emergency escape hatch is enabled.
	refundGraceSecs int64 = 30 * 86400

	// Price sanity bounds in 8-decimal USD fixed point.
	maxTokenUsd8d  = 1_000_000_000_000      // $10,000 per token
	minNativeUsd8d = 1_000_000              // $0.01
	maxNativeUsd8d = 10_000_000_000_000     // $100,000
)

type engineState interface {
	DeskGet() (*Desk, bool)
	DeskPut(*Desk) error
	OfferGet(id uint64) (*Offer, bool)
	OfferPut(*Offer) error
	OfferIDs() ([]uint64, error)
	ConsignmentGet(id uint64) (*Consignment, bool)
	ConsignmentPut(*Consignment) error
	GetAccount(addr string) (*Account, error)
	PutAccount(addr string, acc *Account) error
}

// Engine implements the desk/offer state machine against an injected state
// backend. The same transition logic backs the in-memory ledger used by tests
// and mirrors what the deployed programs enforce on both chains.
type Engine struct {
	state   engineState
	emitter Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter and wall-clock time source.
func NewEngine() *Engine {
	return &Engine{
		emitter: NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) desk() (*Desk, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	d, ok := e.state.DeskGet()
	if !ok {
		return nil, errDeskNotFound
	}
	return d, nil
}

func (e *Engine) offer(id uint64) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	o, ok := e.state.OfferGet(id)
	if !ok {
		return nil, ErrOfferNotFound
	}
	return o, nil
}

// InitDesk validates and stores the desk singleton.
func (e *Engine) InitDesk(d *Desk) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if d == nil {
		return fmt.Errorf("otc engine: nil desk")
	}
	clone := d.Clone()
	clone.Address = NormalizeAddress(clone.Address)
	clone.Owner = NormalizeAddress(clone.Owner)
	clone.Agent = NormalizeAddress(clone.Agent)
	if clone.Address == "" || clone.Owner == "" {
		return fmt.Errorf("otc engine: desk address and owner required")
	}
	if clone.RequiredApprovals == 0 {
		clone.RequiredApprovals = 1
	}
	if clone.NextOfferID == 0 {
		clone.NextOfferID = 1
	}
	if clone.NextConsignmentID == 0 {
		clone.NextConsignmentID = 1
	}
	if clone.MaxLockupSecs == 0 {
		clone.MaxLockupSecs = 365 * 86400
	}
	if clone.MaxPriceAgeSecs == 0 {
		clone.MaxPriceAgeSecs = 3600
	}
	return e.state.DeskPut(clone)
}

// Desk returns a copy of the desk singleton.
func (e *Engine) Desk() (*Desk, error) {
	return e.desk()
}

// Offer returns a copy of the identified offer.
func (e *Engine) Offer(id uint64) (*Offer, error) {
	return e.offer(id)
}

// OpenOfferIDs lists offers that have not reached a terminal state.
func (e *Engine) OpenOfferIDs() ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.OfferIDs()
	if err != nil {
		return nil, err
	}
	open := make([]uint64, 0, len(ids))
	for _, id := range ids {
		o, ok := e.state.OfferGet(id)
		if !ok || o.Terminal() {
			continue
		}
		open = append(open, id)
	}
	return open, nil
}

// ensureAccount returns the account with non-nil balances.
func ensureAccount(acc *Account) *Account {
	if acc == nil {
		acc = &Account{}
	}
	if acc.BalanceNative == nil {
		acc.BalanceNative = big.NewInt(0)
	}
	if acc.BalanceStable == nil {
		acc.BalanceStable = big.NewInt(0)
	}
	if acc.BalanceToken == nil {
		acc.BalanceToken = big.NewInt(0)
	}
	return acc
}

type balanceKind uint8

const (
	balanceNative balanceKind = iota
	balanceStable
	balanceToken
)

func balanceOf(acc *Account, kind balanceKind) *big.Int {
	switch kind {
	case balanceStable:
		return acc.BalanceStable
	case balanceToken:
		return acc.BalanceToken
	default:
		return acc.BalanceNative
	}
}

func setBalance(acc *Account, kind balanceKind, v *big.Int) {
	switch kind {
	case balanceStable:
		acc.BalanceStable = v
	case balanceToken:
		acc.BalanceToken = v
	default:
		acc.BalanceNative = v
	}
}

func (e *Engine) transfer(from, to string, kind balanceKind, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("otc engine: negative transfer amount")
	}
	from = NormalizeAddress(from)
	to = NormalizeAddress(to)
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	src := balanceOf(fromAcc, kind)
	if src.Cmp(amt) < 0 {
		return fmt.Errorf("otc engine: insufficient balance")
	}
	setBalance(fromAcc, kind, new(big.Int).Sub(src, amt))
	setBalance(toAcc, kind, new(big.Int).Add(balanceOf(toAcc, kind), amt))
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

func mulDiv(a, b, d *big.Int) *big.Int {
	prod := new(big.Int).Mul(a, b)
	return prod.Div(prod, d)
}

func mulDivCeil(a, b, d *big.Int) *big.Int {
	prod := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(prod, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// effectivePrices resolves the prices active for offer creation, preferring
// the manual override when the desk is switched onto it. A stale reading is
// an error in either mode; nothing silently substitutes a default.
func effectivePrices(d *Desk, now int64) (tokenUsd8d, nativeUsd8d *big.Int, err error) {
	if d.UseManualPrices {
		if d.ManualTokenUsd8d == nil || d.ManualTokenUsd8d.Sign() <= 0 {
			return nil, nil, ErrNoPrice
		}
		if d.MaxPriceAgeSecs > 0 && now-d.ManualPricesUpdatedAt > d.MaxPriceAgeSecs {
			return nil, nil, ErrManualPriceOld
		}
		return cloneBigInt(d.ManualTokenUsd8d), cloneBigInt(d.ManualNativeUsd8d), nil
	}
	if d.TokenUsd8d == nil || d.TokenUsd8d.Sign() <= 0 {
		return nil, nil, ErrNoPrice
	}
	if d.MaxPriceAgeSecs > 0 && d.PricesUpdatedAt > 0 && now-d.PricesUpdatedAt > d.MaxPriceAgeSecs {
		return nil, nil, ErrStalePrice
	}
	return cloneBigInt(d.TokenUsd8d), cloneBigInt(d.NativeUsd8d), nil
}

// usdOwed8d computes the discounted USD owed for an offer from its snapshotted
// terms, in 8-decimal fixed point.
func usdOwed8d(o *Offer, tokenDecimals uint8) *big.Int {
	gross := mulDiv(o.TokenAmount, o.TokenUsd8d, pow10(tokenDecimals))
	gross.Mul(gross, big.NewInt(10_000-int64(o.DiscountBps)))
	return gross.Div(gross, big.NewInt(10_000))
}

// CreateOffer reserves inventory and records a new offer with prices
// snapshotted at creation time.
func (e *Engine) CreateOffer(beneficiary string, consignmentID uint64, tokenAmount *big.Int, discountBps uint16, currency Currency, lockupSecs int64) (*Offer, error) {
	d, err := e.desk()
	if err != nil {
		return nil, err
	}
	if d.Paused {
		return nil, ErrPaused
	}
	if !currency.Valid() {
		return nil, ErrUnsupportedCurrency
	}
	beneficiary = NormalizeAddress(beneficiary)
	if beneficiary == "" {
		return nil, fmt.Errorf("otc engine: beneficiary required")
	}
	amount := cloneBigInt(tokenAmount)
	if amount.Sign() <= 0 {
		return nil, ErrAmountRange
	}
	if d.MaxTokenPerOrder != nil && d.MaxTokenPerOrder.Sign() > 0 && amount.Cmp(d.MaxTokenPerOrder) > 0 {
		return nil, ErrAmountRange
	}
	if discountBps > 10_000 {
		return nil, ErrDiscountRange
	}
	if lockupSecs < 0 || (d.MaxLockupSecs > 0 && lockupSecs > d.MaxLockupSecs) {
		return nil, ErrLockupTooLong
	}

	var consignment *Consignment
	if consignmentID != 0 {
		c, ok := e.state.ConsignmentGet(consignmentID)
		if !ok {
			return nil, ErrConsignmentNotFound
		}
		if !c.Active {
			return nil, ErrBadState
		}
		if amount.Cmp(c.MinDealAmount) < 0 || amount.Cmp(c.MaxDealAmount) > 0 {
			return nil, ErrAmountRange
		}
		if amount.Cmp(c.RemainingAmount) > 0 {
			return nil, ErrInsufficientInventory
		}
		lockupDays := lockupSecs / 86400
		if c.Negotiable {
			if discountBps < c.MinDiscountBps || discountBps > c.MaxDiscountBps {
				return nil, ErrDiscountRange
			}
			if lockupDays < int64(c.MinLockupDays) || lockupDays > int64(c.MaxLockupDays) {
				return nil, ErrLockupTooLong
			}
		} else {
			if discountBps != c.FixedDiscountBps {
				return nil, ErrDiscountRange
			}
			if lockupDays != int64(c.FixedLockupDays) {
				return nil, ErrLockupTooLong
			}
		}
		consignment = c
	}

	now := e.now()
	tokenUsd, nativeUsd, err := effectivePrices(d, now)
	if err != nil {
		return nil, err
	}
	if currency == CurrencyNative && nativeUsd.Sign() <= 0 {
		return nil, ErrNoPrice
	}

	if amount.Cmp(d.Available()) > 0 {
		return nil, ErrInsufficientInventory
	}

	offer := &Offer{
		ID:            d.NextOfferID,
		ConsignmentID: consignmentID,
		Beneficiary:   beneficiary,
		TokenAmount:   amount,
		DiscountBps:   discountBps,
		Currency:      currency,
		CreatedAt:     now,
		UnlockTime:    now + lockupSecs,
		TokenUsd8d:    tokenUsd,
		NativeUsd8d:   nativeUsd,
		AmountPaid:    big.NewInt(0),
	}
	if usdOwed8d(offer, d.TokenDecimals).Cmp(cloneBigInt(d.MinUsd8d)) < 0 {
		return nil, ErrBelowMinimum
	}

	if consignment != nil {
		consignment.RemainingAmount = new(big.Int).Sub(consignment.RemainingAmount, amount)
		if consignment.RemainingAmount.Sign() == 0 {
			consignment.Active = false
		}
		if err := e.state.ConsignmentPut(consignment); err != nil {
			return nil, err
		}
	}

	d.NextOfferID++
	d.Reserved = new(big.Int).Add(cloneBigInt(d.Reserved), amount)
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	if err := e.state.DeskPut(d); err != nil {
		return nil, err
	}
	e.emit(NewOfferCreatedEvent(offer))
	return offer.Clone(), nil
}

// ApproveOffer records an approval. Under a multi-approver threshold the
// approved flag only flips once the required number of distinct approvers
// have endorsed the offer; a repeated approval from the same approver is
// rejected without advancing the counter.
func (e *Engine) ApproveOffer(offerID uint64, approver string) (*Offer, error) {
	d, err := e.desk()
	if err != nil {
		return nil, err
	}
	if d.Paused {
		return nil, ErrPaused
	}
	approver = NormalizeAddress(approver)
	if !d.IsApprover(approver) {
		return nil, ErrNotApprover
	}
	o, err := e.offer(offerID)
	if err != nil {
		return nil, err
	}
	if o.Cancelled || o.Paid {
		return nil, ErrBadState
	}
	if o.Approved {
		return nil, ErrAlreadyApproved
	}
	if o.HasApproval(approver) {
		return nil, ErrApprovedByYou
	}
	o.Approvals = append(o.Approvals, approver)
	required := d.RequiredApprovals
	if required == 0 {
		required = 1
	}
	if uint32(len(o.Approvals)) >= required {
		o.Approved = true
	}
	if err := e.state.OfferPut(o); err != nil {
		return nil, err
	}
	if o.Approved {
		e.emit(NewOfferApprovedEvent(o, approver))
	}
	return o.Clone(), nil
}

// RequiredPayment computes the settlement amount owed for the offer from its
// snapshotted prices: wei for native settlement, stable base units otherwise.
func (e *Engine) RequiredPayment(offerID uint64) (*big.Int, error) {
	d, err := e.desk()
	if err != nil {
		return nil, err
	}
	o, err := e.offer(offerID)
	if err != nil {
		return nil, err
	}
	return requiredPayment(o, d)
}

func requiredPayment(o *Offer, d *Desk) (*big.Int, error) {
	usd := usdOwed8d(o, d.TokenDecimals)
	switch o.Currency {
	case CurrencyNative:
		if o.NativeUsd8d == nil || o.NativeUsd8d.Sign() <= 0 {
			return nil, ErrNoPrice
		}
		wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
		return mulDivCeil(usd, wei, o.NativeUsd8d), nil
	case CurrencyStable:
		return mulDivCeil(usd, pow10(d.StableDecimals), big.NewInt(100_000_000)), nil
	default:
		return nil, ErrUnsupportedCurrency
	}
}

// FulfillOffer settles an approved offer. For native settlement the payer may
// overpay and the excess above the required amount is refunded within the
// same transition; for stable settlement exactly the required amount is
// pulled from the payer.
func (e *Engine) FulfillOffer(offerID uint64, payer string, nativeValueSent *big.Int) (*Offer, error) {
	d, err := e.desk()
	if err != nil {
		return nil, err
	}
	if d.Paused {
		return nil, ErrPaused
	}
	payer = NormalizeAddress(payer)
	o, err := e.offer(offerID)
	if err != nil {
		return nil, err
	}
	if o.Cancelled || o.Paid || o.Fulfilled {
		return nil, ErrBadState
	}
	if !o.Approved {
		return nil, ErrNotApproved
	}
	now := e.now()
	if d.QuoteExpirySecs > 0 && now > o.CreatedAt+d.QuoteExpirySecs {
		return nil, ErrExpired
	}
	required, err := requiredPayment(o, d)
	if err != nil {
		return nil, err
	}
	switch o.Currency {
	case CurrencyNative:
		sent := cloneBigInt(nativeValueSent)
		if sent.Cmp(required) < 0 {
			return nil, ErrInsufficientPayment
		}
		if err := e.transfer(payer, d.Address, balanceNative, sent); err != nil {
			return nil, err
		}
		if excess := new(big.Int).Sub(sent, required); excess.Sign() > 0 {
			if err := e.transfer(d.Address, payer, balanceNative, excess); err != nil {
				return nil, err
			}
		}
	case CurrencyStable:
		if err := e.transfer(payer, d.Address, balanceStable, required); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedCurrency
	}
	o.Paid = true
	o.Payer = payer
	o.AmountPaid = required
	if err := e.state.OfferPut(o); err != nil {
		return nil, err
	}
	e.emit(NewOfferPaidEvent(o))
	return o.Clone(), nil
}

// Claim releases escrowed inventory to the beneficiary once the unlock time
// has elapsed. Only the beneficiary may claim.
func (e *Engine) Claim(offerID uint64, caller string) (*Offer, error) {
	d, err := e.desk()
	if err != nil {
		return nil, err
	}
	if d.Paused {
		return nil, ErrPaused
	}
	o, err := e.offer(offerID)
	if err != nil {
		return nil, err
	}
	if !SameAddress(caller, o.Beneficiary) {
		return nil, ErrNotBeneficiary
	}
	if !o.Paid || o.Cancelled || o.Fulfilled {
		return nil, ErrBadState
	}
	if e.now() < o.UnlockTime {
		return nil, ErrLocked
	}
	if err := e.transfer(d.Address, o.Beneficiary, balanceToken, o.TokenAmount); err != nil {
		return nil, err
	}
	d.Reserved = new(big.Int).Sub(cloneBigInt(d.Reserved), o.TokenAmount)
	d.Deposited = new(big.Int).Sub(cloneBigInt(d.Deposited), o.TokenAmount)
	o.Fulfilled = true
	if err := e.state.OfferPut(o); err != nil {
		return nil, err
	}
	if err := e.state.DeskPut(d); err != nil {
		return nil, err
	}
	e.emit(NewTokensClaimedEvent(o))
	return o.Clone(), nil
}

// CancelOffer releases the reservation for an unpaid offer. The beneficiary
// may cancel once the quote window has expired; the owner, agent or any
// approver may cancel at any time before payment.
func (e *Engine) CancelOffer(offerID uint64, caller string) (*Offer, error) {
	d, err := e.desk()
	if err != nil {
		return nil, err
	}
	if d.Paused {
		return nil, ErrPaused
	}
	caller = NormalizeAddress(caller)
	o, err := e.offer(offerID)
	if err != nil {
		return nil, err
	}
	if o.Paid || o.Fulfilled || o.Cancelled {
		return nil, ErrBadState
	}
	switch {
	case SameAddress(caller, o.Beneficiary):
		if e.now() < o.CreatedAt+d.QuoteExpirySecs {
			return nil, ErrNotExpired
		}
	case SameAddress(caller, d.Owner), SameAddress(caller, d.Agent), d.IsApprover(caller):
	default:
		return nil, ErrNotApprover
	}
	o.Cancelled = true
	d.Reserved = new(big.Int).Sub(cloneBigInt(d.Reserved), o.TokenAmount)
	if err := e.state.OfferPut(o); err != nil {
		return nil, err
	}
	if err := e.state.DeskPut(d); err != nil {
		return nil, err
	}
	e.emit(NewOfferCancelledEvent(o, caller))
	return o.Clone(), nil
}

// EmergencyRefund returns a paid offer's funds to the payer when the offer is
// permanently stuck. The escape hatch is disabled unless the owner has
// explicitly enabled it on the desk.
func (e *Engine) EmergencyRefund(offerID uint64, caller string) (*Offer, error) {
	d, err := e.desk()
	if err != nil {
		return nil, err
	}
	if !d.EmergencyRefundEnabled {
		return nil, ErrRefundDisabled
	}
	caller = NormalizeAddress(caller)
	o, err := e.offer(offerID)
	if err != nil {
		return nil, err
	}
	if !o.Paid || o.Fulfilled || o.Cancelled {
		return nil, ErrBadState
	}
	now := e.now()
	deadline := o.CreatedAt + d.EmergencyRefundDeadlineSecs
	unlockDeadline := o.UnlockTime + refundGraceSecs
	if now < deadline && now < unlockDeadline {
		return nil, ErrTooEarlyRefund
	}
	authorized := SameAddress(caller, o.Payer) || SameAddress(caller, o.Beneficiary) ||
		SameAddress(caller, d.Owner) || SameAddress(caller, d.Agent) || d.IsApprover(caller)
	if !authorized {
		return nil, ErrNotOwner
	}
	kind := balanceNative
	if o.Currency == CurrencyStable {
		kind = balanceStable
	}
	if err := e.transfer(d.Address, o.Payer, kind, o.AmountPaid); err != nil {
		return nil, err
	}
	o.Cancelled = true
	d.Reserved = new(big.Int).Sub(cloneBigInt(d.Reserved), o.TokenAmount)
	if err := e.state.OfferPut(o); err != nil {
		return nil, err
	}
	if err := e.state.DeskPut(d); err != nil {
		return nil, err
	}
	e.emit(NewOfferRefundedEvent(o))
	return o.Clone(), nil
}

// DepositTokens moves inventory from the owner into the desk treasury.
func (e *Engine) DepositTokens(caller string, amount *big.Int) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if d.Paused {
		return ErrPaused
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrAmountRange
	}
	if err := e.transfer(caller, d.Address, balanceToken, amt); err != nil {
		return err
	}
	d.Deposited = new(big.Int).Add(cloneBigInt(d.Deposited), amt)
	return e.state.DeskPut(d)
}

// WithdrawTokens returns unreserved inventory to the owner. Withdrawing below
// the reserved amount is rejected so open offers stay claimable.
func (e *Engine) WithdrawTokens(caller string, amount *big.Int) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrAmountRange
	}
	after := new(big.Int).Sub(cloneBigInt(d.Deposited), amt)
	if after.Cmp(cloneBigInt(d.Reserved)) < 0 {
		return ErrInsufficientInventory
	}
	if err := e.transfer(d.Address, caller, balanceToken, amt); err != nil {
		return err
	}
	d.Deposited = after
	return e.state.DeskPut(d)
}

// ConsignmentTerms captures the negotiation envelope for a consignment.
type ConsignmentTerms struct {
	Negotiable       bool
	FixedDiscountBps uint16
	FixedLockupDays  uint32
	MinDiscountBps   uint16
	MaxDiscountBps   uint16
	MinLockupDays    uint32
	MaxLockupDays    uint32
	MinDealAmount    *big.Int
	MaxDealAmount    *big.Int
}

// CreateConsignment deposits a consigner's inventory lot with the desk.
func (e *Engine) CreateConsignment(consigner string, amount *big.Int, terms ConsignmentTerms) (*Consignment, error) {
	d, err := e.desk()
	if err != nil {
		return nil, err
	}
	if d.Paused {
		return nil, ErrPaused
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrAmountRange
	}
	minDeal := cloneBigInt(terms.MinDealAmount)
	maxDeal := cloneBigInt(terms.MaxDealAmount)
	if minDeal.Cmp(maxDeal) > 0 {
		return nil, ErrAmountRange
	}
	if terms.MinDiscountBps > terms.MaxDiscountBps {
		return nil, ErrDiscountRange
	}
	if terms.MinLockupDays > terms.MaxLockupDays {
		return nil, ErrLockupTooLong
	}
	consigner = NormalizeAddress(consigner)
	if err := e.transfer(consigner, d.Address, balanceToken, amt); err != nil {
		return nil, err
	}
	c := &Consignment{
		ID:               d.NextConsignmentID,
		Consigner:        consigner,
		TotalAmount:      amt,
		RemainingAmount:  cloneBigInt(amt),
		Negotiable:       terms.Negotiable,
		FixedDiscountBps: terms.FixedDiscountBps,
		FixedLockupDays:  terms.FixedLockupDays,
		MinDiscountBps:   terms.MinDiscountBps,
		MaxDiscountBps:   terms.MaxDiscountBps,
		MinLockupDays:    terms.MinLockupDays,
		MaxLockupDays:    terms.MaxLockupDays,
		MinDealAmount:    minDeal,
		MaxDealAmount:    maxDeal,
		Active:           true,
		CreatedAt:        e.now(),
	}
	d.NextConsignmentID++
	d.Deposited = new(big.Int).Add(cloneBigInt(d.Deposited), amt)
	if err := e.state.ConsignmentPut(c); err != nil {
		return nil, err
	}
	if err := e.state.DeskPut(d); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// WithdrawConsignment returns the unallocated remainder of a consignment to
// its consigner and deactivates the lot.
func (e *Engine) WithdrawConsignment(consignmentID uint64, caller string) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	c, ok := e.state.ConsignmentGet(consignmentID)
	if !ok {
		return ErrConsignmentNotFound
	}
	if !SameAddress(caller, c.Consigner) {
		return ErrNotOwner
	}
	if !c.Active {
		return ErrBadState
	}
	remaining := cloneBigInt(c.RemainingAmount)
	if remaining.Sign() <= 0 {
		return ErrAmountRange
	}
	after := new(big.Int).Sub(cloneBigInt(d.Deposited), remaining)
	if after.Cmp(cloneBigInt(d.Reserved)) < 0 {
		return ErrInsufficientInventory
	}
	c.Active = false
	c.RemainingAmount = big.NewInt(0)
	if err := e.transfer(d.Address, c.Consigner, balanceToken, remaining); err != nil {
		return err
	}
	d.Deposited = after
	if err := e.state.ConsignmentPut(c); err != nil {
		return err
	}
	return e.state.DeskPut(d)
}

// SetPrices records fresh oracle prices on the desk with sanity bounds.
func (e *Engine) SetPrices(caller string, tokenUsd8d, nativeUsd8d *big.Int, maxAgeSecs int64) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	if maxAgeSecs < 0 {
		return ErrAmountRange
	}
	token := cloneBigInt(tokenUsd8d)
	native := cloneBigInt(nativeUsd8d)
	if err := checkPriceBounds(token, native); err != nil {
		return err
	}
	d.TokenUsd8d = token
	d.NativeUsd8d = native
	d.PricesUpdatedAt = e.now()
	d.MaxPriceAgeSecs = maxAgeSecs
	if err := e.state.DeskPut(d); err != nil {
		return err
	}
	e.emit(NewPricesUpdatedEvent(d))
	return nil
}

// SetManualPrices records the owner-set manual fallback prices.
func (e *Engine) SetManualPrices(caller string, tokenUsd8d, nativeUsd8d *big.Int) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	token := cloneBigInt(tokenUsd8d)
	native := cloneBigInt(nativeUsd8d)
	if err := checkPriceBounds(token, native); err != nil {
		return err
	}
	d.ManualTokenUsd8d = token
	d.ManualNativeUsd8d = native
	d.ManualPricesUpdatedAt = e.now()
	return e.state.DeskPut(d)
}

// SetUseManualPrices toggles the manual price fallback.
func (e *Engine) SetUseManualPrices(caller string, enabled bool) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	d.UseManualPrices = enabled
	return e.state.DeskPut(d)
}

func checkPriceBounds(tokenUsd8d, nativeUsd8d *big.Int) error {
	if tokenUsd8d.Sign() <= 0 || tokenUsd8d.Cmp(big.NewInt(maxTokenUsd8d)) > 0 {
		return ErrPriceOutOfBand
	}
	if nativeUsd8d.Sign() != 0 {
		if nativeUsd8d.Cmp(big.NewInt(minNativeUsd8d)) < 0 || nativeUsd8d.Cmp(big.NewInt(maxNativeUsd8d)) > 0 {
			return ErrPriceOutOfBand
		}
	}
	return nil
}

// SetLimits updates the desk order limits.
func (e *Engine) SetLimits(caller string, minUsd8d, maxTokenPerOrder *big.Int, quoteExpirySecs, maxLockupSecs int64) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	minUsd := cloneBigInt(minUsd8d)
	maxPerOrder := cloneBigInt(maxTokenPerOrder)
	if minUsd.Sign() <= 0 || maxPerOrder.Sign() <= 0 || quoteExpirySecs <= 0 || maxLockupSecs < 0 {
		return ErrAmountRange
	}
	d.MinUsd8d = minUsd
	d.MaxTokenPerOrder = maxPerOrder
	d.QuoteExpirySecs = quoteExpirySecs
	d.MaxLockupSecs = maxLockupSecs
	return e.state.DeskPut(d)
}

// SetRequiredApprovals updates the N-of-M approval threshold.
func (e *Engine) SetRequiredApprovals(caller string, required uint32) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	if required == 0 {
		return ErrAmountRange
	}
	d.RequiredApprovals = required
	return e.state.DeskPut(d)
}

// SetApprover adds or removes an approver.
func (e *Engine) SetApprover(caller, who string, allowed bool) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	who = NormalizeAddress(who)
	idx := -1
	for i, a := range d.Approvers {
		if SameAddress(a, who) {
			idx = i
			break
		}
	}
	if allowed {
		if idx < 0 {
			if len(d.Approvers) >= maxApprovers {
				return fmt.Errorf("otc engine: too many approvers")
			}
			d.Approvers = append(d.Approvers, who)
		}
	} else if idx >= 0 {
		d.Approvers = append(d.Approvers[:idx], d.Approvers[idx+1:]...)
	}
	return e.state.DeskPut(d)
}

// SetEmergencyRefund toggles the emergency refund escape hatch.
func (e *Engine) SetEmergencyRefund(caller string, enabled bool, deadlineSecs int64) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	if deadlineSecs < 0 {
		return ErrAmountRange
	}
	d.EmergencyRefundEnabled = enabled
	d.EmergencyRefundDeadlineSecs = deadlineSecs
	return e.state.DeskPut(d)
}

// Pause halts all offer transitions.
func (e *Engine) Pause(caller string) error { return e.setPaused(caller, true) }

// Unpause resumes offer transitions.
func (e *Engine) Unpause(caller string) error { return e.setPaused(caller, false) }

func (e *Engine) setPaused(caller string, paused bool) error {
	d, err := e.desk()
	if err != nil {
		return err
	}
	if !SameAddress(caller, d.Owner) {
		return ErrNotOwner
	}
	d.Paused = paused
	if err := e.state.DeskPut(d); err != nil {
		return err
	}
	e.emit(Event{Type: EventTypeDeskPaused, Attributes: map[string]string{"paused": fmt.Sprintf("%t", paused)}})
	return nil
}
