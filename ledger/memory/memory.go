// Package memory provides an in-process ledger backed directly by the offer
// state machine. It powers conformance tests and the development deployment
// mode where no chain endpoint is configured.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"otcdesk/ledger"
	"otcdesk/native/otc"
)

type state struct {
	desk         *otc.Desk
	offers       map[uint64]*otc.Offer
	consignments map[uint64]*otc.Consignment
	accounts     map[string]*otc.Account
}

func newState() *state {
	return &state{
		offers:       make(map[uint64]*otc.Offer),
		consignments: make(map[uint64]*otc.Consignment),
		accounts:     make(map[string]*otc.Account),
	}
}

func (s *state) DeskGet() (*otc.Desk, bool) {
	if s.desk == nil {
		return nil, false
	}
	return s.desk.Clone(), true
}

func (s *state) DeskPut(d *otc.Desk) error {
	s.desk = d.Clone()
	return nil
}

func (s *state) OfferGet(id uint64) (*otc.Offer, bool) {
	o, ok := s.offers[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (s *state) OfferPut(o *otc.Offer) error {
	sanitized, err := otc.SanitizeOffer(o)
	if err != nil {
		return err
	}
	s.offers[sanitized.ID] = sanitized
	return nil
}

func (s *state) OfferIDs() ([]uint64, error) {
	ids := make([]uint64, 0, len(s.offers))
	for id := range s.offers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *state) ConsignmentGet(id uint64) (*otc.Consignment, bool) {
	c, ok := s.consignments[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (s *state) ConsignmentPut(c *otc.Consignment) error {
	s.consignments[c.ID] = c.Clone()
	return nil
}

func (s *state) GetAccount(addr string) (*otc.Account, error) {
	acc, ok := s.accounts[otc.NormalizeAddress(addr)]
	if !ok {
		return &otc.Account{
			BalanceNative: big.NewInt(0),
			BalanceStable: big.NewInt(0),
			BalanceToken:  big.NewInt(0),
		}, nil
	}
	return &otc.Account{
		BalanceNative: new(big.Int).Set(acc.BalanceNative),
		BalanceStable: new(big.Int).Set(acc.BalanceStable),
		BalanceToken:  new(big.Int).Set(acc.BalanceToken),
	}, nil
}

func (s *state) PutAccount(addr string, acc *otc.Account) error {
	s.accounts[otc.NormalizeAddress(addr)] = acc
	return nil
}

// Ledger wraps the engine behind the chain-agnostic interface.
type Ledger struct {
	mu     sync.Mutex
	engine *otc.Engine
	state  *state
}

// New constructs a memory ledger seeded with the supplied desk. The desk's
// deposited inventory is credited to its treasury account.
func New(desk *otc.Desk, opts ...Option) (*Ledger, error) {
	l := &Ledger{engine: otc.NewEngine(), state: newState()}
	l.engine.SetState(l.state)
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if err := l.engine.InitDesk(desk); err != nil {
		return nil, err
	}
	if desk != nil && desk.Deposited != nil && desk.Deposited.Sign() > 0 {
		l.state.accounts[otc.NormalizeAddress(desk.Address)] = &otc.Account{
			BalanceNative: big.NewInt(0),
			BalanceStable: big.NewInt(0),
			BalanceToken:  new(big.Int).Set(desk.Deposited),
		}
	}
	return l, nil
}

// Option configures the memory ledger.
type Option func(*Ledger)

// WithEmitter installs an event emitter on the embedded engine.
func WithEmitter(emitter otc.Emitter) Option {
	return func(l *Ledger) { l.engine.SetEmitter(emitter) }
}

// WithNowFunc overrides the engine time source, primarily for tests.
func WithNowFunc(now func() int64) Option {
	return func(l *Ledger) { l.engine.SetNowFunc(now) }
}

// Engine exposes the embedded engine for desk administration (price pushes,
// limit updates). Callers must not retain it across goroutines without
// holding their own synchronisation; ledger methods already serialise.
func (l *Ledger) Engine() *otc.Engine { return l.engine }

// Fund credits balances to an account, used by tests and the development
// faucet endpoint.
func (l *Ledger) Fund(addr string, native, stable, token *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, _ := l.state.GetAccount(addr)
	if native != nil {
		acc.BalanceNative = new(big.Int).Set(native)
	}
	if stable != nil {
		acc.BalanceStable = new(big.Int).Set(stable)
	}
	if token != nil {
		acc.BalanceToken = new(big.Int).Set(token)
	}
	_ = l.state.PutAccount(addr, acc)
}

// Balance reads an account's balances.
func (l *Ledger) Balance(addr string) *otc.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, _ := l.state.GetAccount(addr)
	return acc
}

// Chain implements ledger.Ledger.
func (l *Ledger) Chain() string { return "memory" }

// SubmitCreate implements ledger.Ledger.
func (l *Ledger) SubmitCreate(_ context.Context, params ledger.CreateParams) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	offer, err := l.engine.CreateOffer(params.Beneficiary, params.ConsignmentID, params.TokenAmount, params.DiscountBps, params.Currency, params.LockupSecs)
	if err != nil {
		return 0, err
	}
	return offer.ID, nil
}

// SubmitApprove implements ledger.Ledger.
func (l *Ledger) SubmitApprove(_ context.Context, offerID uint64, approver string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.engine.ApproveOffer(offerID, approver)
	return err
}

// SubmitFulfill implements ledger.Ledger.
func (l *Ledger) SubmitFulfill(_ context.Context, offerID uint64, payer string, nativeValue *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.engine.FulfillOffer(offerID, payer, nativeValue)
	return err
}

// SubmitClaim implements ledger.Ledger.
func (l *Ledger) SubmitClaim(_ context.Context, offerID uint64, caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.engine.Claim(offerID, caller)
	return err
}

// SubmitCancel implements ledger.Ledger.
func (l *Ledger) SubmitCancel(_ context.Context, offerID uint64, caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.engine.CancelOffer(offerID, caller)
	return err
}

// Offer implements ledger.Ledger.
func (l *Ledger) Offer(_ context.Context, offerID uint64) (*otc.Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.Offer(offerID)
}

// Desk implements ledger.Ledger.
func (l *Ledger) Desk(_ context.Context) (*otc.Desk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.Desk()
}

// OpenOfferIDs implements ledger.Ledger.
func (l *Ledger) OpenOfferIDs(_ context.Context) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.OpenOfferIDs()
}

// Health implements ledger.Ledger. The in-process ledger is always healthy
// once constructed.
func (l *Ledger) Health(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.engine.Desk()
	return err
}
