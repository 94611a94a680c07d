package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	store, err := NewStore(db)
	require.NoError(t, err, "new store")
	return store
}

func testQuote() *Quote {
	return &Quote{
		Beneficiary: "0xbbbb000000000000000000000000000000000001",
		Chain:       "memory",
		TokenAmount: "10000000000000",
		DiscountBps: 1500,
		Currency:    "stable",
		LockupSecs:  90 * 86400,
	}
}

func TestCreateAndGetActiveQuotes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	quote := testQuote()
	require.NoError(t, store.CreateQuote(ctx, quote))
	require.NotEqual(t, uuid.Nil, quote.ID)
	require.Equal(t, QuoteStatusCreated, quote.Status)

	active, err := store.GetActiveQuotes(ctx, "memory")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, quote.ID, active[0].ID)

	// Quotes for other chains stay out of the working set.
	other, err := store.GetActiveQuotes(ctx, "solana")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestUpdateQuoteExecutionLinksOffer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	quote := testQuote()
	require.NoError(t, store.CreateQuote(ctx, quote))
	require.NoError(t, store.UpdateQuoteExecution(ctx, quote.ID, 7, "0xabc123", QuoteStatusApproved))

	linked, err := store.GetQuoteByOfferID(ctx, "memory", 7)
	require.NoError(t, err)
	require.Equal(t, quote.ID, linked.ID)
	require.Equal(t, QuoteStatusApproved, linked.Status)
	require.Equal(t, "0xabc123", linked.TxRef)

	// A linked, non-terminal quote is part of the reconciliation set; once
	// execution is observed it drops out.
	unsettled, err := store.GetUnsettledQuotes(ctx, "memory")
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	require.NoError(t, store.UpdateQuoteStatus(ctx, quote.ID, QuoteStatusExecuted))
	unsettled, err = store.GetUnsettledQuotes(ctx, "memory")
	require.NoError(t, err)
	require.Empty(t, unsettled)

	// And it is no longer active for the worker.
	active, err := store.GetActiveQuotes(ctx, "memory")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestAttachQuoteSignature(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	quote := testQuote()
	require.NoError(t, store.CreateQuote(ctx, quote))
	require.NoError(t, store.AttachQuoteSignature(ctx, quote.ID, "0xsigned", SignatureKindEVM))

	reloaded, err := store.GetQuote(ctx, quote.ID)
	require.NoError(t, err)
	require.Equal(t, "0xsigned", reloaded.Signature)
	require.Equal(t, SignatureKindEVM, reloaded.SignatureKind)

	err = store.AttachQuoteSignature(ctx, uuid.New(), "sig", SignatureKindEVM)
	require.ErrorIs(t, err, ErrQuoteNotFound)
}

func TestUpdateMissingQuote(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateQuoteStatus(context.Background(), uuid.New(), QuoteStatusRejected)
	require.ErrorIs(t, err, ErrQuoteNotFound)
}

func TestExpireStaleQuotes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := testQuote()
	past := now.Add(-time.Hour)
	stale.ExpiresAt = &past
	require.NoError(t, store.CreateQuote(ctx, stale))

	fresh := testQuote()
	future := now.Add(time.Hour)
	fresh.ExpiresAt = &future
	require.NoError(t, store.CreateQuote(ctx, fresh))

	count, err := store.ExpireStaleQuotes(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	reloaded, err := store.GetQuote(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, QuoteStatusExpired, reloaded.Status)
	active, err := store.GetActiveQuotes(ctx, "memory")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, fresh.ID, active[0].ID)
}

func TestUpsertConsignment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := &ConsignmentRecord{
		Chain:           "memory",
		OnChainID:       1,
		Consigner:       "0xcccc000000000000000000000000000000000009",
		TotalAmount:     "50000000000000",
		RemainingAmount: "50000000000000",
		Negotiable:      true,
		Active:          true,
	}
	require.NoError(t, store.UpsertConsignment(ctx, record))
	firstID := record.ID

	record.RemainingAmount = "40000000000000"
	require.NoError(t, store.UpsertConsignment(ctx, record))
	require.Equal(t, firstID, record.ID)

	var count int64
	require.NoError(t, store.db.Model(&ConsignmentRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
