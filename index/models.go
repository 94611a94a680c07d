// Package index implements the off-chain quote/consignment store. The index
// is a mutable cache of negotiated terms; once a quote is linked to an
// on-chain offer its status is only ever rewritten from ledger truth by the
// reconciliation service, never from client input.
package index

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QuoteStatus enumerates the index-side lifecycle of a negotiated quote.
type QuoteStatus string

const (
	QuoteStatusCreated  QuoteStatus = "created"
	QuoteStatusApproved QuoteStatus = "approved"
	QuoteStatusExecuted QuoteStatus = "executed"
	QuoteStatusRejected QuoteStatus = "rejected"
	QuoteStatusExpired  QuoteStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s QuoteStatus) Terminal() bool {
	switch s {
	case QuoteStatusExecuted, QuoteStatusRejected, QuoteStatusExpired:
		return true
	}
	return false
}

// SignatureKind identifies the scheme a quote signature was produced with.
const (
	SignatureKindEVM     = "evm"
	SignatureKindEd25519 = "ed25519"
)

// Quote is a negotiated term-set awaiting on-chain materialisation.
type Quote struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	EntityID    string      `gorm:"size:64;index" json:"entity_id,omitempty"`
	Beneficiary string      `gorm:"size:64;index" json:"beneficiary"`
	Chain       string      `gorm:"size:16;index" json:"chain"`
	TokenAmount string      `gorm:"size:78;not null" json:"token_amount"`
	DiscountBps uint16      `gorm:"not null" json:"discount_bps"`
	Currency    string      `gorm:"size:16;not null" json:"currency"`
	LockupSecs  int64       `gorm:"not null" json:"lockup_secs"`
	Status      QuoteStatus `gorm:"size:16;index" json:"status"`

	// OfferID links the quote to its on-chain offer once materialised.
	OfferID *uint64 `gorm:"index" json:"offer_id,omitempty"`
	TxRef   string  `gorm:"size:128" json:"tx_ref,omitempty"`

	// Signature is the beneficiary's signature over CanonicalMessage, hex
	// for EVM wallets and base58 for Solana wallets.
	Signature     string `gorm:"size:256" json:"signature,omitempty"`
	SignatureKind string `gorm:"size:16" json:"signature_kind,omitempty"`

	ConsignmentID *uint64    `gorm:"index" json:"consignment_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ConsignmentRecord mirrors on-chain consignment lots for browsing and
// negotiation UIs.
type ConsignmentRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Chain           string    `gorm:"size:16;index" json:"chain"`
	OnChainID       uint64    `gorm:"index" json:"on_chain_id"`
	Consigner       string    `gorm:"size:64;index" json:"consigner"`
	TotalAmount     string    `gorm:"size:78" json:"total_amount"`
	RemainingAmount string    `gorm:"size:78" json:"remaining_amount"`
	Negotiable      bool      `json:"negotiable"`
	MinDiscountBps  uint16    `json:"min_discount_bps"`
	MaxDiscountBps  uint16    `json:"max_discount_bps"`
	MinLockupDays   uint32    `json:"min_lockup_days"`
	MaxLockupDays   uint32    `json:"max_lockup_days"`
	Active          bool      `gorm:"index" json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AutoMigrate performs all schema migrations for the index.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Quote{},
		&ConsignmentRecord{},
	)
}
