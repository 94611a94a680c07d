package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"otcdesk/ledger"
	"otcdesk/ledger/memory"
	"otcdesk/native/otc"
)

const (
	owner       = "0xaaaa000000000000000000000000000000000001"
	approver    = "0xaaaa000000000000000000000000000000000002"
	beneficiary = "0xbbbb000000000000000000000000000000000001"
	payer       = "0xcccc000000000000000000000000000000000001"
	deskAddr    = "0xdddd000000000000000000000000000000000001"
)

func conformanceDesk() *otc.Desk {
	return &otc.Desk{
		Address:           deskAddr,
		Owner:             owner,
		Approvers:         []string{approver},
		RequiredApprovals: 1,
		MinUsd8d:          big.NewInt(10_000_000_000),
		MaxTokenPerOrder:  big.NewInt(1_000_000_000_000_000),
		MaxLockupSecs:     365 * 86400,
		QuoteExpirySecs:   3600,
		TokenDecimals:     9,
		StableDecimals:    6,
		Deposited:         big.NewInt(100_000_000_000_000),
		Reserved:          big.NewInt(0),
		TokenUsd8d:        big.NewInt(50_000_000),
		NativeUsd8d:       big.NewInt(300_000_000_000),
		PricesUpdatedAt:   1_700_000_000,
		MaxPriceAgeSecs:   3600,
	}
}

// runLifecycle drives create -> approve -> fulfill -> claim through the
// chain-agnostic interface. Any backend satisfying ledger.Ledger must pass.
func runLifecycle(t *testing.T, l ledger.Ledger, advance func(int64)) {
	t.Helper()
	ctx := context.Background()

	id, err := l.SubmitCreate(ctx, ledger.CreateParams{
		Beneficiary: beneficiary,
		TokenAmount: big.NewInt(10_000_000_000_000),
		DiscountBps: 1500,
		Currency:    otc.CurrencyStable,
		LockupSecs:  90 * 86400,
	})
	if err != nil {
		t.Fatalf("submit create: %v", err)
	}
	offer, err := l.Offer(ctx, id)
	if err != nil {
		t.Fatalf("read offer: %v", err)
	}
	if offer.Approved || offer.Paid || offer.Fulfilled || offer.Cancelled {
		t.Fatalf("fresh offer carries lifecycle flags: %+v", offer)
	}

	open, err := l.OpenOfferIDs(ctx)
	if err != nil {
		t.Fatalf("open offers: %v", err)
	}
	if len(open) != 1 || open[0] != id {
		t.Fatalf("expected offer %d open, got %v", id, open)
	}

	if err := l.SubmitApprove(ctx, id, approver); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.SubmitFulfill(ctx, id, payer, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	offer, err = l.Offer(ctx, id)
	if err != nil {
		t.Fatalf("read offer: %v", err)
	}
	if !offer.Paid {
		t.Fatalf("expected paid offer")
	}

	if err := l.SubmitClaim(ctx, id, beneficiary); !errors.Is(err, otc.ErrLocked) {
		t.Fatalf("expected ErrLocked before unlock, got %v", err)
	}
	advance(90*86400 + 1)
	if err := l.SubmitClaim(ctx, id, beneficiary); err != nil {
		t.Fatalf("claim: %v", err)
	}
	offer, err = l.Offer(ctx, id)
	if err != nil {
		t.Fatalf("read offer: %v", err)
	}
	if !offer.Fulfilled {
		t.Fatalf("expected fulfilled offer")
	}

	open, err = l.OpenOfferIDs(ctx)
	if err != nil {
		t.Fatalf("open offers: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open offers, got %v", open)
	}
	if err := l.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestMemoryLedgerConformance(t *testing.T) {
	now := int64(1_700_000_000)
	l, err := memory.New(conformanceDesk(), memory.WithNowFunc(func() int64 { return now }))
	if err != nil {
		t.Fatalf("new memory ledger: %v", err)
	}
	l.Fund(payer, nil, big.NewInt(5_000_000_000), nil)
	runLifecycle(t, l, func(secs int64) { now += secs })
}

func TestMemoryLedgerCancelReleasesReservation(t *testing.T) {
	now := int64(1_700_000_000)
	l, err := memory.New(conformanceDesk(), memory.WithNowFunc(func() int64 { return now }))
	if err != nil {
		t.Fatalf("new memory ledger: %v", err)
	}
	ctx := context.Background()
	id, err := l.SubmitCreate(ctx, ledger.CreateParams{
		Beneficiary: beneficiary,
		TokenAmount: big.NewInt(10_000_000_000_000),
		DiscountBps: 1500,
		Currency:    otc.CurrencyStable,
	})
	if err != nil {
		t.Fatalf("submit create: %v", err)
	}
	if err := l.SubmitCancel(ctx, id, approver); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	desk, err := l.Desk(ctx)
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if desk.Reserved.Sign() != 0 {
		t.Fatalf("expected reservation released, got %s", desk.Reserved)
	}
}
