package otc

import (
	"errors"
	"math/big"
	"sort"
	"testing"
)

const testNow int64 = 1_700_000_000

const (
	addrOwner       = "0xAAAA000000000000000000000000000000000001"
	addrAgent       = "0xAAAA000000000000000000000000000000000002"
	addrApproverA   = "0xAAAA000000000000000000000000000000000003"
	addrApproverB   = "0xAAAA000000000000000000000000000000000004"
	addrApproverC   = "0xAAAA000000000000000000000000000000000005"
	addrBeneficiary = "0xBBBB000000000000000000000000000000000001"
	addrPayer       = "0xCCCC000000000000000000000000000000000001"
	addrDesk        = "0xDDDD000000000000000000000000000000000001"
	addrStranger    = "0xEEEE000000000000000000000000000000000001"
)

type mockState struct {
	desk         *Desk
	offers       map[uint64]*Offer
	consignments map[uint64]*Consignment
	accounts     map[string]*Account
}

func newMockState() *mockState {
	return &mockState{
		offers:       make(map[uint64]*Offer),
		consignments: make(map[uint64]*Consignment),
		accounts:     make(map[string]*Account),
	}
}

func (m *mockState) DeskGet() (*Desk, bool) {
	if m.desk == nil {
		return nil, false
	}
	return m.desk.Clone(), true
}

func (m *mockState) DeskPut(d *Desk) error {
	m.desk = d.Clone()
	return nil
}

func (m *mockState) OfferGet(id uint64) (*Offer, bool) {
	o, ok := m.offers[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (m *mockState) OfferPut(o *Offer) error {
	sanitized, err := SanitizeOffer(o)
	if err != nil {
		return err
	}
	m.offers[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) OfferIDs() ([]uint64, error) {
	ids := make([]uint64, 0, len(m.offers))
	for id := range m.offers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mockState) ConsignmentGet(id uint64) (*Consignment, bool) {
	c, ok := m.consignments[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (m *mockState) ConsignmentPut(c *Consignment) error {
	m.consignments[c.ID] = c.Clone()
	return nil
}

func (m *mockState) GetAccount(addr string) (*Account, error) {
	acc, ok := m.accounts[NormalizeAddress(addr)]
	if !ok {
		return &Account{BalanceNative: big.NewInt(0), BalanceStable: big.NewInt(0), BalanceToken: big.NewInt(0)}, nil
	}
	return &Account{
		BalanceNative: new(big.Int).Set(acc.BalanceNative),
		BalanceStable: new(big.Int).Set(acc.BalanceStable),
		BalanceToken:  new(big.Int).Set(acc.BalanceToken),
	}, nil
}

func (m *mockState) PutAccount(addr string, acc *Account) error {
	m.accounts[NormalizeAddress(addr)] = ensureAccount(acc)
	return nil
}

func (m *mockState) fund(addr string, kind balanceKind, amount int64) {
	acc := ensureAccount(m.accounts[NormalizeAddress(addr)])
	setBalance(acc, kind, big.NewInt(amount))
	m.accounts[NormalizeAddress(addr)] = acc
}

func (m *mockState) balance(addr string, kind balanceKind) *big.Int {
	acc, ok := m.accounts[NormalizeAddress(addr)]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(balanceOf(acc, kind))
}

type capturingEmitter struct {
	events []Event
}

func (c *capturingEmitter) Emit(evt Event) { c.events = append(c.events, evt) }

func (c *capturingEmitter) types() []string {
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

// testDesk prices the token at $0.50 and the native coin at $3000, both in
// 8-decimal fixed point, with a 9-decimal token and 6-decimal stablecoin.
func testDesk() *Desk {
	return &Desk{
		Address:           addrDesk,
		Owner:             addrOwner,
		Agent:             addrAgent,
		Approvers:         []string{addrApproverA, addrApproverB, addrApproverC},
		RequiredApprovals: 1,
		MinUsd8d:          big.NewInt(10_000_000_000), // $100
		MaxTokenPerOrder:  mustInt("1000000000000000"), // 1,000,000 tokens
		MaxLockupSecs:     365 * 86400,
		QuoteExpirySecs:   3600,
		TokenDecimals:     9,
		StableDecimals:    6,
		Deposited:         mustInt("100000000000000"), // 100,000 tokens
		Reserved:          big.NewInt(0),
		TokenUsd8d:        big.NewInt(50_000_000),      // $0.50
		NativeUsd8d:       big.NewInt(300_000_000_000), // $3000
		PricesUpdatedAt:   testNow,
		MaxPriceAgeSecs:   3600,
	}
}

func mustInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad int literal: " + s)
	}
	return v
}

func newTestEngine(t *testing.T, desk *Desk) (*Engine, *mockState, *capturingEmitter) {
	t.Helper()
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return testNow })
	if desk == nil {
		desk = testDesk()
	}
	if err := engine.InitDesk(desk); err != nil {
		t.Fatalf("init desk: %v", err)
	}
	state.fund(addrDesk, balanceToken, 0)
	deskAcc := ensureAccount(state.accounts[NormalizeAddress(addrDesk)])
	deskAcc.BalanceToken = new(big.Int).Set(desk.Deposited)
	state.accounts[NormalizeAddress(addrDesk)] = deskAcc
	return engine, state, emitter
}

// tenThousandTokens is 10,000 tokens in 9-decimal base units.
var tenThousandTokens = mustInt("10000000000000")

func createTestOffer(t *testing.T, engine *Engine, currency Currency, lockupSecs int64) *Offer {
	t.Helper()
	offer, err := engine.CreateOffer(addrBeneficiary, 0, tenThousandTokens, 1500, currency, lockupSecs)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return offer
}

func TestCreateOfferValidations(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(d *Desk)
		run     func(e *Engine) error
		wantErr error
	}{
		{
			name: "paused desk",
			mutate: func(d *Desk) { d.Paused = true },
			run: func(e *Engine) error {
				_, err := e.CreateOffer(addrBeneficiary, 0, tenThousandTokens, 1500, CurrencyStable, 0)
				return err
			},
			wantErr: ErrPaused,
		},
		{
			name: "zero amount",
			run: func(e *Engine) error {
				_, err := e.CreateOffer(addrBeneficiary, 0, big.NewInt(0), 1500, CurrencyStable, 0)
				return err
			},
			wantErr: ErrAmountRange,
		},
		{
			name: "amount above per-order cap",
			run: func(e *Engine) error {
				_, err := e.CreateOffer(addrBeneficiary, 0, mustInt("2000000000000000"), 1500, CurrencyStable, 0)
				return err
			},
			wantErr: ErrAmountRange,
		},
		{
			name: "discount above 100 percent",
			run: func(e *Engine) error {
				_, err := e.CreateOffer(addrBeneficiary, 0, tenThousandTokens, 10_001, CurrencyStable, 0)
				return err
			},
			wantErr: ErrDiscountRange,
		},
		{
			name: "lockup beyond max",
			run: func(e *Engine) error {
				_, err := e.CreateOffer(addrBeneficiary, 0, tenThousandTokens, 1500, CurrencyStable, 366*86400)
				return err
			},
			wantErr: ErrLockupTooLong,
		},
		{
			name: "below minimum deal size",
			run: func(e *Engine) error {
				// 100 tokens at $0.50 with 15% discount is $42.50, under the $100 floor.
				_, err := e.CreateOffer(addrBeneficiary, 0, mustInt("100000000000"), 1500, CurrencyStable, 0)
				return err
			},
			wantErr: ErrBelowMinimum,
		},
		{
			name: "insufficient inventory",
			mutate: func(d *Desk) {
				d.Reserved = mustInt("95000000000000") // 95,000 of 100,000 already reserved
			},
			run: func(e *Engine) error {
				_, err := e.CreateOffer(addrBeneficiary, 0, tenThousandTokens, 1500, CurrencyStable, 0)
				return err
			},
			wantErr: ErrInsufficientInventory,
		},
		{
			name: "stale prices",
			mutate: func(d *Desk) { d.PricesUpdatedAt = testNow - 7200 },
			run: func(e *Engine) error {
				_, err := e.CreateOffer(addrBeneficiary, 0, tenThousandTokens, 1500, CurrencyStable, 0)
				return err
			},
			wantErr: ErrStalePrice,
		},
		{
			name: "manual fallback stale",
			mutate: func(d *Desk) {
				d.UseManualPrices = true
				d.ManualTokenUsd8d = big.NewInt(50_000_000)
				d.ManualNativeUsd8d = big.NewInt(300_000_000_000)
				d.ManualPricesUpdatedAt = testNow - 7200
			},
			run: func(e *Engine) error {
				_, err := e.CreateOffer(addrBeneficiary, 0, tenThousandTokens, 1500, CurrencyStable, 0)
				return err
			},
			wantErr: ErrManualPriceOld,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desk := testDesk()
			if tc.mutate != nil {
				tc.mutate(desk)
			}
			engine, _, _ := newTestEngine(t, desk)
			if err := tc.run(engine); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateOfferReservesInventoryAndSnapshotsPrices(t *testing.T) {
	engine, _, emitter := newTestEngine(t, nil)
	offer := createTestOffer(t, engine, CurrencyStable, 90*86400)
	if offer.ID != 1 {
		t.Fatalf("expected first offer id 1, got %d", offer.ID)
	}
	if offer.TokenUsd8d.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("expected token price snapshot, got %s", offer.TokenUsd8d)
	}
	if offer.NativeUsd8d.Cmp(big.NewInt(300_000_000_000)) != 0 {
		t.Fatalf("expected native price snapshot, got %s", offer.NativeUsd8d)
	}
	if offer.UnlockTime != testNow+90*86400 {
		t.Fatalf("unexpected unlock time %d", offer.UnlockTime)
	}
	desk, err := engine.Desk()
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if desk.Reserved.Cmp(tenThousandTokens) != 0 {
		t.Fatalf("expected reservation %s, got %s", tenThousandTokens, desk.Reserved)
	}
	if got := emitter.types(); len(got) != 1 || got[0] != EventTypeOfferCreated {
		t.Fatalf("unexpected events %v", got)
	}

	// Repricing the desk must not change the already-created offer's terms.
	if err := engine.SetPrices(addrOwner, big.NewInt(90_000_000), big.NewInt(300_000_000_000), 3600); err != nil {
		t.Fatalf("set prices: %v", err)
	}
	reloaded, err := engine.Offer(offer.ID)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if reloaded.TokenUsd8d.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("snapshot mutated to %s", reloaded.TokenUsd8d)
	}
}

func TestManualPriceFallbackUsedWhenFresh(t *testing.T) {
	desk := testDesk()
	desk.UseManualPrices = true
	desk.ManualTokenUsd8d = big.NewInt(40_000_000) // $0.40 override
	desk.ManualNativeUsd8d = big.NewInt(300_000_000_000)
	desk.ManualPricesUpdatedAt = testNow - 60
	desk.TokenUsd8d = nil // primary feed down entirely
	engine, _, _ := newTestEngine(t, desk)
	offer := createTestOffer(t, engine, CurrencyStable, 0)
	if offer.TokenUsd8d.Cmp(big.NewInt(40_000_000)) != 0 {
		t.Fatalf("expected manual price snapshot, got %s", offer.TokenUsd8d)
	}
}

func TestApprovalThreshold(t *testing.T) {
	desk := testDesk()
	desk.RequiredApprovals = 3
	engine, _, emitter := newTestEngine(t, desk)
	offer := createTestOffer(t, engine, CurrencyStable, 0)

	if _, err := engine.ApproveOffer(offer.ID, addrStranger); !errors.Is(err, ErrNotApprover) {
		t.Fatalf("expected ErrNotApprover, got %v", err)
	}
	if o, err := engine.ApproveOffer(offer.ID, addrApproverA); err != nil || o.Approved {
		t.Fatalf("first approval: err=%v approved=%v", err, o != nil && o.Approved)
	}
	// The same approver endorsing twice must not advance the count.
	if _, err := engine.ApproveOffer(offer.ID, addrApproverA); !errors.Is(err, ErrApprovedByYou) {
		t.Fatalf("expected ErrApprovedByYou, got %v", err)
	}
	if o, err := engine.ApproveOffer(offer.ID, addrApproverB); err != nil || o.Approved {
		t.Fatalf("second approval: err=%v approved=%v", err, o != nil && o.Approved)
	}
	o, err := engine.ApproveOffer(offer.ID, addrApproverC)
	if err != nil {
		t.Fatalf("third approval: %v", err)
	}
	if !o.Approved {
		t.Fatalf("expected offer approved after third distinct approver")
	}
	if _, err := engine.ApproveOffer(offer.ID, addrApproverA); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	found := false
	for _, typ := range emitter.types() {
		if typ == EventTypeOfferApproved {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected approval event, got %v", emitter.types())
	}
}

func TestFulfillStableExactAmount(t *testing.T) {
	engine, state, _ := newTestEngine(t, nil)
	offer := createTestOffer(t, engine, CurrencyStable, 90*86400)
	if _, err := engine.ApproveOffer(offer.ID, addrApproverA); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// 10,000 tokens at $0.50 less 15% is $4,250.00, i.e. 4,250,000,000 in
	// 6-decimal stable units.
	required, err := engine.RequiredPayment(offer.ID)
	if err != nil {
		t.Fatalf("required payment: %v", err)
	}
	want := big.NewInt(4_250_000_000)
	if required.Cmp(want) != 0 {
		t.Fatalf("expected required %s, got %s", want, required)
	}

	state.fund(addrPayer, balanceStable, 5_000_000_000)
	paid, err := engine.FulfillOffer(offer.ID, addrPayer, nil)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if !paid.Paid || paid.AmountPaid.Cmp(want) != 0 {
		t.Fatalf("paid=%v amountPaid=%s", paid.Paid, paid.AmountPaid)
	}
	if got := state.balance(addrPayer, balanceStable); got.Cmp(big.NewInt(750_000_000)) != 0 {
		t.Fatalf("payer stable balance %s", got)
	}
	if got := state.balance(addrDesk, balanceStable); got.Cmp(want) != 0 {
		t.Fatalf("desk stable balance %s", got)
	}
}

func TestFulfillNativeRefundsOverpayment(t *testing.T) {
	engine, state, _ := newTestEngine(t, nil)
	offer := createTestOffer(t, engine, CurrencyNative, 0)
	if _, err := engine.ApproveOffer(offer.ID, addrApproverA); err != nil {
		t.Fatalf("approve: %v", err)
	}
	required, err := engine.RequiredPayment(offer.ID)
	if err != nil {
		t.Fatalf("required payment: %v", err)
	}
	// $4,250 / $3000 per coin does not divide evenly; the required wei must
	// round up so the desk never comes out short.
	usd := big.NewInt(425_000_000_000)
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	covered := new(big.Int).Mul(required, big.NewInt(300_000_000_000))
	owed := new(big.Int).Mul(usd, wei)
	if covered.Cmp(owed) < 0 {
		t.Fatalf("required wei undercovers: %s < %s", covered, owed)
	}
	oneLess := new(big.Int).Mul(new(big.Int).Sub(required, big.NewInt(1)), big.NewInt(300_000_000_000))
	if oneLess.Cmp(owed) >= 0 {
		t.Fatalf("required wei not minimal")
	}

	sent := new(big.Int).Add(required, mustInt("500000000000000000")) // +0.5 native
	start := new(big.Int).Mul(sent, big.NewInt(2))
	state.accounts[NormalizeAddress(addrPayer)] = ensureAccount(&Account{BalanceNative: start})

	if _, err := engine.FulfillOffer(offer.ID, addrPayer, new(big.Int).Sub(required, big.NewInt(1))); !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}
	if _, err := engine.FulfillOffer(offer.ID, addrPayer, sent); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	// The payer's net outflow is exactly the required amount.
	wantBalance := new(big.Int).Sub(start, required)
	if got := state.balance(addrPayer, balanceNative); got.Cmp(wantBalance) != 0 {
		t.Fatalf("payer balance %s, want %s", got, wantBalance)
	}
	if got := state.balance(addrDesk, balanceNative); got.Cmp(required) != 0 {
		t.Fatalf("desk balance %s, want %s", got, required)
	}
}

func TestFulfillGuards(t *testing.T) {
	engine, state, _ := newTestEngine(t, nil)
	offer := createTestOffer(t, engine, CurrencyStable, 0)
	state.fund(addrPayer, balanceStable, 5_000_000_000)

	if _, err := engine.FulfillOffer(offer.ID, addrPayer, nil); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
	if _, err := engine.ApproveOffer(offer.ID, addrApproverA); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Past the quote window the approved offer can no longer be settled.
	engine.SetNowFunc(func() int64 { return testNow + 3601 })
	if _, err := engine.FulfillOffer(offer.ID, addrPayer, nil); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow })
	if _, err := engine.FulfillOffer(offer.ID, addrPayer, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if _, err := engine.FulfillOffer(offer.ID, addrPayer, nil); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState on double pay, got %v", err)
	}
	if _, err := engine.ApproveOffer(offer.ID, addrApproverB); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState on approve after pay, got %v", err)
	}
}

func TestClaimHonorsLockup(t *testing.T) {
	engine, state, emitter := newTestEngine(t, nil)
	offer := createTestOffer(t, engine, CurrencyStable, 90*86400)
	if _, err := engine.ApproveOffer(offer.ID, addrApproverA); err != nil {
		t.Fatalf("approve: %v", err)
	}
	state.fund(addrPayer, balanceStable, 5_000_000_000)
	if _, err := engine.FulfillOffer(offer.ID, addrPayer, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if _, err := engine.Claim(offer.ID, addrStranger); !errors.Is(err, ErrNotBeneficiary) {
		t.Fatalf("expected ErrNotBeneficiary, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return offer.UnlockTime - 1 })
	if _, err := engine.Claim(offer.ID, addrBeneficiary); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked one second before unlock, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return offer.UnlockTime })
	claimed, err := engine.Claim(offer.ID, addrBeneficiary)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed.Fulfilled {
		t.Fatalf("expected fulfilled flag")
	}
	if got := state.balance(addrBeneficiary, balanceToken); got.Cmp(tenThousandTokens) != 0 {
		t.Fatalf("beneficiary token balance %s", got)
	}
	desk, err := engine.Desk()
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if desk.Reserved.Sign() != 0 {
		t.Fatalf("expected reservation released, got %s", desk.Reserved)
	}
	wantDeposited := mustInt("90000000000000")
	if desk.Deposited.Cmp(wantDeposited) != 0 {
		t.Fatalf("expected deposited %s, got %s", wantDeposited, desk.Deposited)
	}
	if _, err := engine.Claim(offer.ID, addrBeneficiary); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState on double claim, got %v", err)
	}
	got := emitter.types()
	if got[len(got)-1] != EventTypeTokensClaimed {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestCancelRules(t *testing.T) {
	engine, state, _ := newTestEngine(t, nil)
	offer := createTestOffer(t, engine, CurrencyStable, 0)

	// The beneficiary must wait out the quote window.
	if _, err := engine.CancelOffer(offer.ID, addrBeneficiary); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("expected ErrNotExpired, got %v", err)
	}
	if _, err := engine.CancelOffer(offer.ID, addrStranger); !errors.Is(err, ErrNotApprover) {
		t.Fatalf("expected ErrNotApprover, got %v", err)
	}
	cancelled, err := engine.CancelOffer(offer.ID, addrAgent)
	if err != nil {
		t.Fatalf("agent cancel: %v", err)
	}
	if !cancelled.Cancelled {
		t.Fatalf("expected cancelled flag")
	}
	desk, err := engine.Desk()
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if desk.Reserved.Sign() != 0 {
		t.Fatalf("expected reservation released, got %s", desk.Reserved)
	}

	// Beneficiary cancel succeeds once the window has lapsed.
	second := createTestOffer(t, engine, CurrencyStable, 0)
	engine.SetNowFunc(func() int64 { return testNow + 3601 })
	if _, err := engine.CancelOffer(second.ID, addrBeneficiary); err != nil {
		t.Fatalf("beneficiary cancel after expiry: %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow })

	// A paid offer cannot be cancelled through the normal path.
	third := createTestOffer(t, engine, CurrencyStable, 0)
	if _, err := engine.ApproveOffer(third.ID, addrApproverA); err != nil {
		t.Fatalf("approve: %v", err)
	}
	state.fund(addrPayer, balanceStable, 5_000_000_000)
	if _, err := engine.FulfillOffer(third.ID, addrPayer, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if _, err := engine.CancelOffer(third.ID, addrAgent); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}
}

func TestEmergencyRefund(t *testing.T) {
	desk := testDesk()
	desk.EmergencyRefundEnabled = false
	desk.EmergencyRefundDeadlineSecs = 180 * 86400
	engine, state, _ := newTestEngine(t, desk)
	offer := createTestOffer(t, engine, CurrencyStable, 90*86400)
	if _, err := engine.ApproveOffer(offer.ID, addrApproverA); err != nil {
		t.Fatalf("approve: %v", err)
	}
	state.fund(addrPayer, balanceStable, 5_000_000_000)
	if _, err := engine.FulfillOffer(offer.ID, addrPayer, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if _, err := engine.EmergencyRefund(offer.ID, addrPayer); !errors.Is(err, ErrRefundDisabled) {
		t.Fatalf("expected ErrRefundDisabled, got %v", err)
	}
	if err := engine.SetEmergencyRefund(addrOwner, true, 180*86400); err != nil {
		t.Fatalf("enable refund: %v", err)
	}
	if _, err := engine.EmergencyRefund(offer.ID, addrPayer); !errors.Is(err, ErrTooEarlyRefund) {
		t.Fatalf("expected ErrTooEarlyRefund, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + 181*86400 })
	if _, err := engine.EmergencyRefund(offer.ID, addrStranger); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	refunded, err := engine.EmergencyRefund(offer.ID, addrPayer)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !refunded.Cancelled {
		t.Fatalf("expected cancelled flag after refund")
	}
	if got := state.balance(addrPayer, balanceStable); got.Cmp(big.NewInt(5_000_000_000)) != 0 {
		t.Fatalf("payer balance %s after refund", got)
	}
	d, err := engine.Desk()
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if d.Reserved.Sign() != 0 {
		t.Fatalf("expected reservation released, got %s", d.Reserved)
	}
}

func TestWithdrawCannotBreakReservations(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	createTestOffer(t, engine, CurrencyStable, 0)
	// 100,000 deposited, 10,000 reserved: withdrawing 95,000 would leave the
	// open offer unclaimable.
	if err := engine.WithdrawTokens(addrOwner, mustInt("95000000000000")); !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("expected ErrInsufficientInventory, got %v", err)
	}
	if err := engine.WithdrawTokens(addrOwner, mustInt("90000000000000")); err != nil {
		t.Fatalf("withdraw within free inventory: %v", err)
	}
	if err := engine.WithdrawTokens(addrStranger, big.NewInt(1)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestConsignmentLifecycle(t *testing.T) {
	engine, state, _ := newTestEngine(t, nil)
	state.fund(addrStranger, balanceToken, 0)
	acc := ensureAccount(state.accounts[NormalizeAddress(addrStranger)])
	acc.BalanceToken = mustInt("50000000000000") // consigner holds 50,000 tokens
	state.accounts[NormalizeAddress(addrStranger)] = acc

	terms := ConsignmentTerms{
		Negotiable:     true,
		MinDiscountBps: 1000,
		MaxDiscountBps: 2000,
		MinLockupDays:  30,
		MaxLockupDays:  180,
		MinDealAmount:  mustInt("1000000000000"),  // 1,000 tokens
		MaxDealAmount:  mustInt("20000000000000"), // 20,000 tokens
	}
	c, err := engine.CreateConsignment(addrStranger, mustInt("50000000000000"), terms)
	if err != nil {
		t.Fatalf("create consignment: %v", err)
	}

	if _, err := engine.CreateOffer(addrBeneficiary, c.ID, tenThousandTokens, 500, CurrencyStable, 90*86400); !errors.Is(err, ErrDiscountRange) {
		t.Fatalf("expected ErrDiscountRange outside envelope, got %v", err)
	}
	if _, err := engine.CreateOffer(addrBeneficiary, c.ID, tenThousandTokens, 1500, CurrencyStable, 86400); !errors.Is(err, ErrLockupTooLong) {
		t.Fatalf("expected lockup outside envelope rejected, got %v", err)
	}
	offer, err := engine.CreateOffer(addrBeneficiary, c.ID, tenThousandTokens, 1500, CurrencyStable, 90*86400)
	if err != nil {
		t.Fatalf("create offer against consignment: %v", err)
	}
	if offer.ConsignmentID != c.ID {
		t.Fatalf("offer not linked to consignment")
	}
	reloaded, ok := state.ConsignmentGet(c.ID)
	if !ok {
		t.Fatalf("consignment missing")
	}
	if reloaded.RemainingAmount.Cmp(mustInt("40000000000000")) != 0 {
		t.Fatalf("remaining %s after draw-down", reloaded.RemainingAmount)
	}

	// The unallocated remainder goes back to the consigner.
	if err := engine.WithdrawConsignment(c.ID, addrBeneficiary); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := engine.WithdrawConsignment(c.ID, addrStranger); err != nil {
		t.Fatalf("withdraw consignment: %v", err)
	}
	if got := state.balance(addrStranger, balanceToken); got.Cmp(mustInt("40000000000000")) != 0 {
		t.Fatalf("consigner balance %s after withdrawal", got)
	}
	if err := engine.WithdrawConsignment(c.ID, addrStranger); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState on second withdrawal, got %v", err)
	}
}

func TestSetPricesBounds(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	if err := engine.SetPrices(addrStranger, big.NewInt(50_000_000), big.NewInt(300_000_000_000), 3600); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := engine.SetPrices(addrOwner, big.NewInt(0), big.NewInt(300_000_000_000), 3600); !errors.Is(err, ErrPriceOutOfBand) {
		t.Fatalf("expected ErrPriceOutOfBand for zero token price, got %v", err)
	}
	if err := engine.SetPrices(addrOwner, big.NewInt(50_000_000), big.NewInt(100), 3600); !errors.Is(err, ErrPriceOutOfBand) {
		t.Fatalf("expected ErrPriceOutOfBand for dust native price, got %v", err)
	}
	if err := engine.SetPrices(addrOwner, big.NewInt(60_000_000), big.NewInt(250_000_000_000), 1800); err != nil {
		t.Fatalf("set prices: %v", err)
	}
	d, err := engine.Desk()
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if d.TokenUsd8d.Cmp(big.NewInt(60_000_000)) != 0 || d.MaxPriceAgeSecs != 1800 || d.PricesUpdatedAt != testNow {
		t.Fatalf("prices not recorded: %+v", d)
	}
}

func TestOpenOfferIDs(t *testing.T) {
	engine, state, _ := newTestEngine(t, nil)
	a := createTestOffer(t, engine, CurrencyStable, 0)
	b := createTestOffer(t, engine, CurrencyStable, 0)
	c := createTestOffer(t, engine, CurrencyStable, 0)
	if _, err := engine.CancelOffer(b.ID, addrAgent); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := engine.ApproveOffer(c.ID, addrApproverA); err != nil {
		t.Fatalf("approve: %v", err)
	}
	state.fund(addrPayer, balanceStable, 5_000_000_000)
	if _, err := engine.FulfillOffer(c.ID, addrPayer, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if _, err := engine.Claim(c.ID, addrBeneficiary); err != nil {
		t.Fatalf("claim: %v", err)
	}
	open, err := engine.OpenOfferIDs()
	if err != nil {
		t.Fatalf("open offers: %v", err)
	}
	if len(open) != 1 || open[0] != a.ID {
		t.Fatalf("expected only offer %d open, got %v", a.ID, open)
	}
}

func TestApproverSet(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	if err := engine.SetApprover(addrOwner, addrStranger, true); err != nil {
		t.Fatalf("add approver: %v", err)
	}
	d, err := engine.Desk()
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if !d.IsApprover(addrStranger) {
		t.Fatalf("expected stranger added as approver")
	}
	if err := engine.SetApprover(addrOwner, addrStranger, false); err != nil {
		t.Fatalf("remove approver: %v", err)
	}
	d, _ = engine.Desk()
	if d.IsApprover(addrStranger) {
		t.Fatalf("expected stranger removed")
	}
}
