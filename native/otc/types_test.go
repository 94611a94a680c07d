package otc

import (
	"math/big"
	"testing"
)

func TestParseCurrency(t *testing.T) {
	cases := map[string]Currency{
		"native": CurrencyNative,
		"NATIVE": CurrencyNative,
		"stable": CurrencyStable,
		" Stable ": CurrencyStable,
	}
	for raw, want := range cases {
		got, err := ParseCurrency(raw)
		if err != nil || got != want {
			t.Fatalf("ParseCurrency(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseCurrency("doge"); err == nil {
		t.Fatalf("expected error for unknown currency")
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress(" 0xAbCd00000000000000000000000000000000EF12 "); got != "0xabcd00000000000000000000000000000000ef12" {
		t.Fatalf("hex address not lowercased: %q", got)
	}
	// Base58 addresses are case sensitive and must pass through untouched.
	const sol = "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"
	if got := NormalizeAddress(sol); got != sol {
		t.Fatalf("base58 address mutated: %q", got)
	}
	if !SameAddress("0xABCD00000000000000000000000000000000ef12", "0xabcd00000000000000000000000000000000EF12") {
		t.Fatalf("expected hex addresses to compare case-insensitively")
	}
}

func TestSanitizeOfferRejectsImpossibleFlags(t *testing.T) {
	base := func() *Offer {
		return &Offer{
			ID:          1,
			Beneficiary: addrBeneficiary,
			TokenAmount: big.NewInt(1),
			Currency:    CurrencyStable,
		}
	}
	cases := []struct {
		name   string
		mutate func(o *Offer)
	}{
		{"fulfilled and cancelled", func(o *Offer) { o.Fulfilled = true; o.Cancelled = true; o.Paid = true; o.Approved = true }},
		{"paid without approval", func(o *Offer) { o.Paid = true }},
		{"fulfilled without payment", func(o *Offer) { o.Fulfilled = true; o.Approved = true }},
		{"zero amount", func(o *Offer) { o.TokenAmount = big.NewInt(0) }},
		{"discount above scale", func(o *Offer) { o.DiscountBps = 10_001 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base()
			tc.mutate(o)
			if _, err := SanitizeOffer(o); err == nil {
				t.Fatalf("expected sanitize to fail")
			}
		})
	}
	if _, err := SanitizeOffer(base()); err != nil {
		t.Fatalf("sanitize valid offer: %v", err)
	}
}

func TestOfferCloneIsIndependent(t *testing.T) {
	o := &Offer{
		ID:          7,
		Beneficiary: addrBeneficiary,
		TokenAmount: big.NewInt(100),
		Currency:    CurrencyNative,
		TokenUsd8d:  big.NewInt(50_000_000),
		Approvals:   []string{addrApproverA},
	}
	clone := o.Clone()
	clone.TokenAmount.SetInt64(999)
	clone.Approvals[0] = addrApproverB
	if o.TokenAmount.Int64() != 100 {
		t.Fatalf("clone shares amount")
	}
	if o.Approvals[0] != addrApproverA {
		t.Fatalf("clone shares approvals")
	}
}

func TestDeskAvailable(t *testing.T) {
	d := &Desk{Deposited: big.NewInt(100), Reserved: big.NewInt(30)}
	if got := d.Available(); got.Int64() != 70 {
		t.Fatalf("available = %d", got.Int64())
	}
	d.Reserved = big.NewInt(100)
	if got := d.Available(); got.Sign() != 0 {
		t.Fatalf("expected zero available, got %s", got)
	}
}
