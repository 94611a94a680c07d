// Package worker implements the approval worker: a polling loop that matches
// open on-chain offers against negotiated off-chain quotes and submits
// approval transactions. Polling rather than event subscription is deliberate;
// event feeds are unreliable across RPC providers and the processed-set makes
// repeated polling idempotent.
package worker

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"otcdesk/index"
	"otcdesk/ledger"
	"otcdesk/native/otc"
)

const (
	// amountToleranceBps allows the on-chain amount to differ from the
	// negotiated amount by 0.1%, absorbing decimal conversion dust.
	amountToleranceBps = 10
	// lockupToleranceSecs allows one day of slack between the negotiated
	// lockup and the on-chain one, since quotes negotiate in whole months.
	lockupToleranceSecs = 86400
)

// QuoteStore is the slice of the off-chain index the worker depends on.
type QuoteStore interface {
	GetActiveQuotes(ctx context.Context, chain string) ([]index.Quote, error)
	UpdateQuoteExecution(ctx context.Context, id uuid.UUID, offerID uint64, txRef string, status index.QuoteStatus) error
}

// Notifier receives deal-progress callbacks. Delivery failures are logged,
// never allowed to fail the cycle.
type Notifier interface {
	OfferApproved(quoteID uuid.UUID, offerID uint64)
	OfferPaid(offerID uint64)
}

type noopNotifier struct{}

func (noopNotifier) OfferApproved(uuid.UUID, uint64) {}
func (noopNotifier) OfferPaid(uint64)                {}

// Config wires a Worker.
type Config struct {
	Ledger   ledger.Ledger
	Quotes   QuoteStore
	Approver string
	Interval time.Duration
	Notifier Notifier
	Logger   *log.Logger
	Metrics  *Metrics
}

// Worker is an explicit lifecycle handle owned by the composition root.
// There is no module-level state; construct one per ledger.
type Worker struct {
	ledger   ledger.Ledger
	quotes   QuoteStore
	approver string
	interval time.Duration
	notifier Notifier
	logger   *log.Logger
	metrics  *Metrics

	// processed holds offer ids that need no further matching attention.
	processed map[uint64]struct{}
	// awaitingPayment holds approved offer ids watched for the paid
	// transition that triggers deal-completion notifications.
	awaitingPayment map[uint64]struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New constructs a stopped worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("worker: ledger required")
	}
	if cfg.Quotes == nil {
		return nil, fmt.Errorf("worker: quote store required")
	}
	if strings.TrimSpace(cfg.Approver) == "" {
		return nil, fmt.Errorf("worker: approver address required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	return &Worker{
		ledger:          cfg.Ledger,
		quotes:          cfg.Quotes,
		approver:        cfg.Approver,
		interval:        cfg.Interval,
		notifier:        cfg.Notifier,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		processed:       make(map[uint64]struct{}),
		awaitingPayment: make(map[uint64]struct{}),
	}, nil
}

// Start launches the polling loop. Starting a running worker is a no-op.
func (w *Worker) Start(parent context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.run(ctx)
	w.logger.Printf("worker: started on %s ledger, interval %s", w.ledger.Chain(), w.interval)
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.mu.Unlock()
	cancel()
	<-done
	w.logger.Printf("worker: stopped")
}

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("worker: cycle error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Cycle performs one full pass: match unprocessed open offers against active
// quotes, then poll previously approved offers for the paid transition.
// Offers are processed sequentially so a single signing key never races on
// transaction sequencing. Per-item errors are logged and the cycle continues.
func (w *Worker) Cycle(ctx context.Context) error {
	w.metrics.Cycles.Inc()
	ids, err := w.ledger.OpenOfferIDs(ctx)
	if err != nil {
		return fmt.Errorf("worker: open offers: %w", err)
	}
	w.metrics.OpenOffers.Set(float64(len(ids)))

	for _, id := range ids {
		if _, seen := w.processed[id]; seen {
			continue
		}
		if err := w.processOffer(ctx, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.metrics.Failures.Inc()
			w.logger.Printf("worker: offer %d: %v", id, err)
		}
	}
	w.pollPayments(ctx)
	return nil
}

func (w *Worker) processOffer(ctx context.Context, id uint64) error {
	offer, err := w.ledger.Offer(ctx, id)
	if err != nil {
		return fmt.Errorf("read offer: %w", err)
	}
	if offer.Cancelled {
		w.processed[id] = struct{}{}
		return nil
	}
	if offer.Approved {
		w.processed[id] = struct{}{}
		w.awaitingPayment[id] = struct{}{}
		return nil
	}
	quotes, err := w.quotes.GetActiveQuotes(ctx, w.ledger.Chain())
	if err != nil {
		return fmt.Errorf("load quotes: %w", err)
	}
	quote := w.match(offer, quotes)
	if quote == nil {
		// Leave the offer pending for a later cycle or a human approver;
		// unmatched offers are never auto-rejected.
		w.logger.Printf("worker: offer %d has no matching quote, leaving pending", id)
		return nil
	}
	w.metrics.Matched.Inc()
	if err := w.ledger.SubmitApprove(ctx, id, w.approver); err != nil {
		// AlreadyApproved means another approver won the race; treat the
		// offer as handled rather than an error storm.
		if isAlreadyApproved(err) {
			w.processed[id] = struct{}{}
			w.awaitingPayment[id] = struct{}{}
			return nil
		}
		return fmt.Errorf("submit approve: %w", err)
	}
	w.metrics.Approved.Inc()
	if err := w.quotes.UpdateQuoteExecution(ctx, quote.ID, id, "", index.QuoteStatusApproved); err != nil {
		w.logger.Printf("worker: offer %d approved but index update failed, reconciliation will correct: %v", id, err)
	}
	w.notifier.OfferApproved(quote.ID, id)
	w.processed[id] = struct{}{}
	w.awaitingPayment[id] = struct{}{}
	return nil
}

func isAlreadyApproved(err error) bool {
	return err != nil && (strings.Contains(err.Error(), otc.ErrAlreadyApproved.Error()) ||
		strings.Contains(err.Error(), otc.ErrApprovedByYou.Error()))
}

// pollPayments watches approved offers for the paid transition.
func (w *Worker) pollPayments(ctx context.Context) {
	for id := range w.awaitingPayment {
		offer, err := w.ledger.Offer(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("worker: poll payment %d: %v", id, err)
			continue
		}
		switch {
		case offer.Paid:
			w.notifier.OfferPaid(id)
			delete(w.awaitingPayment, id)
		case offer.Cancelled:
			delete(w.awaitingPayment, id)
		}
	}
}

// match returns the first active quote satisfying the full predicate, or nil.
func (w *Worker) match(offer *otc.Offer, quotes []index.Quote) *index.Quote {
	for i := range quotes {
		quote := &quotes[i]
		if matchesQuote(offer, quote) {
			if err := index.VerifyQuoteSignature(quote); err != nil {
				w.logger.Printf("worker: quote %s matches offer %d but signature rejected: %v", quote.ID, offer.ID, err)
				continue
			}
			return quote
		}
	}
	return nil
}

// matchesQuote applies the term predicate: equal beneficiary, amount within
// tolerance, exact discount, exact currency, lockup within a day.
func matchesQuote(offer *otc.Offer, quote *index.Quote) bool {
	if !otc.SameAddress(offer.Beneficiary, quote.Beneficiary) {
		return false
	}
	quoteAmount, ok := new(big.Int).SetString(strings.TrimSpace(quote.TokenAmount), 10)
	if !ok || quoteAmount.Sign() <= 0 {
		return false
	}
	if !withinBps(offer.TokenAmount, quoteAmount, amountToleranceBps) {
		return false
	}
	if offer.DiscountBps != quote.DiscountBps {
		return false
	}
	currency, err := otc.ParseCurrency(quote.Currency)
	if err != nil || currency != offer.Currency {
		return false
	}
	offerLockup := offer.UnlockTime - offer.CreatedAt
	delta := offerLockup - quote.LockupSecs
	if delta < 0 {
		delta = -delta
	}
	return delta <= lockupToleranceSecs
}

// withinBps reports whether |a-b| <= b*bps/10000.
func withinBps(a, b *big.Int, bps int64) bool {
	if a == nil || b == nil {
		return false
	}
	diff := new(big.Int).Sub(a, b)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	diff.Mul(diff, big.NewInt(10_000))
	limit := new(big.Int).Mul(b, big.NewInt(bps))
	return diff.Cmp(limit) <= 0
}
