// Package recon corrects the off-chain quote index from ledger truth. The
// ledger is authoritative for every offer's lifecycle state; the index is a
// cache that drifts whenever a worker update fails or an operator acts on
// chain directly. A reconciliation pass reads each linked, non-terminal quote,
// derives the status its offer implies, and overwrites the index on mismatch.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"otcdesk/index"
	"otcdesk/ledger"
	"otcdesk/native/otc"
)

const (
	// ReportRetentionDays specifies how long drift reports remain on disk.
	ReportRetentionDays = 545 // 18 months

	// Anomaly types emitted by the reconciler.
	AnomalyStatusDrift  = "status_drift"
	AnomalyMissingOffer = "missing_offer"
)

// QuoteStore is the slice of the index the reconciler depends on.
type QuoteStore interface {
	GetUnsettledQuotes(ctx context.Context, chain string) ([]index.Quote, error)
	UpdateQuoteStatus(ctx context.Context, id uuid.UUID, status index.QuoteStatus) error
	ExpireStaleQuotes(ctx context.Context, now time.Time) (int64, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Ledger    ledger.Ledger
	Store     QuoteStore
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *log.Logger
}

// RunOptions specifies overrides when executing a reconciliation pass.
type RunOptions struct {
	DryRun bool
}

// Reconciler materialises drift reports joining the quote index with ledger
// state and rewrites stale index rows.
type Reconciler struct {
	ledger    ledger.Ledger
	store     QuoteStore
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *log.Logger
}

// Anomaly captures a reconciliation finding requiring operator review.
type Anomaly struct {
	Type    string
	QuoteID uuid.UUID
	OfferID uint64
	Details string
}

// ReportRow summarises reconciliation status for a single quote.
type ReportRow struct {
	QuoteID      uuid.UUID
	OfferID      uint64
	Beneficiary  string
	Chain        string
	TokenAmount  string
	DiscountBps  uint16
	Currency     string
	IndexStatus  string
	LedgerStatus string
	Corrected    bool
	CheckedAt    time.Time
}

// ReportFile references the CSV and Parquet artefacts generated for a run.
type ReportFile struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run.
type Result struct {
	RunAt     time.Time
	Total     int
	Updated   int
	Failed    int
	Expired   int64
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("otcdesk-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		ledger:    cfg.Ledger,
		store:     cfg.Store,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
	}, nil
}

// statusForOffer derives the index status implied by an offer's lifecycle
// flags. Flag precedence mirrors the state machine: a fulfilled offer is also
// paid and approved, so terminal flags are checked first.
func statusForOffer(offer *otc.Offer) index.QuoteStatus {
	switch {
	case offer.Fulfilled:
		return index.QuoteStatusExecuted
	case offer.Cancelled:
		return index.QuoteStatusRejected
	case offer.Paid:
		return index.QuoteStatusApproved
	case offer.Approved:
		return index.QuoteStatusApproved
	default:
		return index.QuoteStatusCreated
	}
}

// Run executes one reconciliation pass. The ledger health gate runs first; a
// pass against an unreachable ledger would mark every quote failed and tell
// the operator nothing, so the run aborts instead.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if err := r.ledger.Health(ctx); err != nil {
		return nil, fmt.Errorf("recon: ledger unhealthy, aborting run: %w", err)
	}
	dryRun := r.dryRun || opts.DryRun
	now := r.now()

	quotes, err := r.store.GetUnsettledQuotes(ctx, r.ledger.Chain())
	if err != nil {
		return nil, fmt.Errorf("recon: load unsettled quotes: %w", err)
	}

	result := &Result{RunAt: now, Total: len(quotes)}
	for i := range quotes {
		quote := &quotes[i]
		row, anomaly, err := r.reconcileQuote(ctx, quote, dryRun, now)
		if err != nil {
			result.Failed++
			r.logger.Printf("recon: quote %s: %v", quote.ID, err)
			continue
		}
		if row != nil {
			result.Rows = append(result.Rows, row)
			if row.Corrected {
				result.Updated++
			}
		}
		if anomaly != nil {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, *anomaly))
		}
	}

	if !dryRun {
		expired, err := r.store.ExpireStaleQuotes(ctx, now)
		if err != nil {
			r.logger.Printf("recon: expire stale quotes: %v", err)
		} else {
			result.Expired = expired
		}
	}

	if !dryRun && len(result.Rows) > 0 {
		file, err := r.writeReportFiles(now, result.Rows)
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, file)
	}
	r.logger.Printf("recon: pass complete, total=%d updated=%d failed=%d expired=%d", result.Total, result.Updated, result.Failed, result.Expired)
	return result, nil
}

// reconcileQuote corrects a single linked quote from its offer. Quotes without
// an offer id have nothing to reconcile against and are skipped.
func (r *Reconciler) reconcileQuote(ctx context.Context, quote *index.Quote, dryRun bool, now time.Time) (*ReportRow, *Anomaly, error) {
	if quote.OfferID == nil {
		return nil, nil, nil
	}
	offerID := *quote.OfferID
	offer, err := r.ledger.Offer(ctx, offerID)
	if err != nil {
		if errors.Is(err, otc.ErrOfferNotFound) {
			anomaly := &Anomaly{
				Type:    AnomalyMissingOffer,
				QuoteID: quote.ID,
				OfferID: offerID,
				Details: fmt.Sprintf("quote %s references offer %d which the ledger does not know", quote.ID, offerID),
			}
			return nil, anomaly, nil
		}
		return nil, nil, fmt.Errorf("read offer %d: %w", offerID, err)
	}

	want := statusForOffer(offer)
	row := &ReportRow{
		QuoteID:      quote.ID,
		OfferID:      offerID,
		Beneficiary:  quote.Beneficiary,
		Chain:        quote.Chain,
		TokenAmount:  quote.TokenAmount,
		DiscountBps:  quote.DiscountBps,
		Currency:     quote.Currency,
		IndexStatus:  string(quote.Status),
		LedgerStatus: string(want),
		CheckedAt:    now,
	}
	if quote.Status == want {
		return row, nil, nil
	}
	row.Corrected = true
	anomaly := &Anomaly{
		Type:    AnomalyStatusDrift,
		QuoteID: quote.ID,
		OfferID: offerID,
		Details: fmt.Sprintf("index says %s, ledger implies %s", quote.Status, want),
	}
	if dryRun {
		return row, anomaly, nil
	}
	if err := r.store.UpdateQuoteStatus(ctx, quote.ID, want); err != nil {
		return nil, nil, fmt.Errorf("correct quote status: %w", err)
	}
	return row, anomaly, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Printf("recon: alert delivery failed: %v", err)
		}
	}
	return anomaly
}

func (r *Reconciler) writeReportFiles(runAt time.Time, rows []*ReportRow) (ReportFile, error) {
	runDir := filepath.Join(r.outputDir, runAt.UTC().Format("20060102"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return ReportFile{}, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	filename := fmt.Sprintf("drift_%s_%s", r.ledger.Chain(), runAt.UTC().Format("150405"))
	csvPath := filepath.Join(runDir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return ReportFile{}, err
	}
	parquetPath := filepath.Join(runDir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return ReportFile{}, err
	}
	r.logger.Printf("recon: wrote %s (%d rows)", csvPath, len(rows))
	r.logger.Printf("recon: wrote %s (%d rows)", parquetPath, len(rows))
	return ReportFile{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"quote_id", "offer_id", "beneficiary", "chain", "token_amount", "discount_bps",
		"currency", "index_status", "ledger_status", "corrected", "checked_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.QuoteID.String(),
			fmt.Sprintf("%d", row.OfferID),
			row.Beneficiary,
			row.Chain,
			row.TokenAmount,
			fmt.Sprintf("%d", row.DiscountBps),
			row.Currency,
			row.IndexStatus,
			row.LedgerStatus,
			boolString(row.Corrected),
			row.CheckedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	QuoteID      string `parquet:"name=quote_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OfferID      int64  `parquet:"name=offer_id, type=INT64"`
	Beneficiary  string `parquet:"name=beneficiary, type=BYTE_ARRAY, convertedtype=UTF8"`
	Chain        string `parquet:"name=chain, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenAmount  string `parquet:"name=token_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	DiscountBps  int32  `parquet:"name=discount_bps, type=INT32"`
	Currency     string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	IndexStatus  string `parquet:"name=index_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerStatus string `parquet:"name=ledger_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Corrected    bool   `parquet:"name=corrected, type=BOOLEAN"`
	CheckedAt    string `parquet:"name=checked_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			QuoteID:      row.QuoteID.String(),
			OfferID:      int64(row.OfferID),
			Beneficiary:  row.Beneficiary,
			Chain:        row.Chain,
			TokenAmount:  row.TokenAmount,
			DiscountBps:  int32(row.DiscountBps),
			Currency:     row.Currency,
			IndexStatus:  row.IndexStatus,
			LedgerStatus: row.LedgerStatus,
			Corrected:    row.Corrected,
			CheckedAt:    row.CheckedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
