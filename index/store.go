package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrQuoteNotFound is returned when a quote lookup has no match.
var ErrQuoteNotFound = errors.New("index: quote not found")

// Store wraps the quote index database.
type Store struct {
	db *gorm.DB
}

// NewStore migrates the schema and returns a store over the database.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("index: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("index: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateQuote persists a freshly negotiated quote. A zero id is assigned.
func (s *Store) CreateQuote(ctx context.Context, quote *Quote) error {
	if quote == nil {
		return fmt.Errorf("index: nil quote")
	}
	if quote.ID == uuid.Nil {
		quote.ID = uuid.New()
	}
	if quote.Status == "" {
		quote.Status = QuoteStatusCreated
	}
	quote.Beneficiary = strings.TrimSpace(quote.Beneficiary)
	if quote.Beneficiary == "" {
		return fmt.Errorf("index: beneficiary required")
	}
	if strings.TrimSpace(quote.TokenAmount) == "" {
		return fmt.Errorf("index: token amount required")
	}
	return s.db.WithContext(ctx).Create(quote).Error
}

// GetQuote loads a quote by id.
func (s *Store) GetQuote(ctx context.Context, id uuid.UUID) (*Quote, error) {
	var quote Quote
	err := s.db.WithContext(ctx).First(&quote, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: load quote: %w", err)
	}
	return &quote, nil
}

// GetQuoteByOfferID loads the quote linked to the given on-chain offer.
func (s *Store) GetQuoteByOfferID(ctx context.Context, chain string, offerID uint64) (*Quote, error) {
	var quote Quote
	err := s.db.WithContext(ctx).First(&quote, "chain = ? AND offer_id = ?", chain, offerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: load quote by offer: %w", err)
	}
	return &quote, nil
}

// GetActiveQuotes lists quotes still awaiting on-chain materialisation.
func (s *Store) GetActiveQuotes(ctx context.Context, chain string) ([]Quote, error) {
	var quotes []Quote
	err := s.db.WithContext(ctx).
		Where("chain = ? AND status = ? AND offer_id IS NULL", chain, QuoteStatusCreated).
		Order("created_at asc").
		Find(&quotes).Error
	if err != nil {
		return nil, fmt.Errorf("index: load active quotes: %w", err)
	}
	return quotes, nil
}

// GetUnsettledQuotes lists linked quotes not yet in a terminal status, the
// working set for a reconciliation pass.
func (s *Store) GetUnsettledQuotes(ctx context.Context, chain string) ([]Quote, error) {
	var quotes []Quote
	err := s.db.WithContext(ctx).
		Where("chain = ? AND offer_id IS NOT NULL AND status NOT IN ?", chain,
			[]QuoteStatus{QuoteStatusExecuted, QuoteStatusRejected, QuoteStatusExpired}).
		Order("created_at asc").
		Find(&quotes).Error
	if err != nil {
		return nil, fmt.Errorf("index: load unsettled quotes: %w", err)
	}
	return quotes, nil
}

// UpdateQuoteStatus overwrites a quote's status.
func (s *Store) UpdateQuoteStatus(ctx context.Context, id uuid.UUID, status QuoteStatus) error {
	result := s.db.WithContext(ctx).Model(&Quote{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("index: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

// UpdateQuoteExecution links a quote to its on-chain offer and records the
// transaction reference alongside the new status.
func (s *Store) UpdateQuoteExecution(ctx context.Context, id uuid.UUID, offerID uint64, txRef string, status QuoteStatus) error {
	result := s.db.WithContext(ctx).Model(&Quote{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"offer_id":   offerID,
			"tx_ref":     strings.TrimSpace(txRef),
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("index: update execution: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

// AttachQuoteSignature records a beneficiary signature on an existing quote.
// The caller verifies the signature against the canonical message first; the
// store only persists it.
func (s *Store) AttachQuoteSignature(ctx context.Context, id uuid.UUID, signature, kind string) error {
	result := s.db.WithContext(ctx).Model(&Quote{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"signature":      strings.TrimSpace(signature),
			"signature_kind": strings.TrimSpace(kind),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("index: attach signature: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

// ExpireStaleQuotes marks unlinked quotes past their expiry as expired and
// returns the number transitioned.
func (s *Store) ExpireStaleQuotes(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Quote{}).
		Where("status = ? AND offer_id IS NULL AND expires_at IS NOT NULL AND expires_at < ?", QuoteStatusCreated, now).
		Updates(map[string]interface{}{"status": QuoteStatusExpired, "updated_at": now.UTC()})
	if result.Error != nil {
		return 0, fmt.Errorf("index: expire quotes: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// UpsertConsignment records or refreshes a mirrored consignment lot.
func (s *Store) UpsertConsignment(ctx context.Context, record *ConsignmentRecord) error {
	if record == nil {
		return fmt.Errorf("index: nil consignment")
	}
	var existing ConsignmentRecord
	err := s.db.WithContext(ctx).
		First(&existing, "chain = ? AND on_chain_id = ?", record.Chain, record.OnChainID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		return s.db.WithContext(ctx).Create(record).Error
	case err != nil:
		return fmt.Errorf("index: load consignment: %w", err)
	default:
		record.ID = existing.ID
		return s.db.WithContext(ctx).Save(record).Error
	}
}
