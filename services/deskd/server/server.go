// Package server hosts the deskd HTTP surface: quote intake for the
// off-chain index, read-only offer and desk views, and the operator admin
// endpoints controlling the worker and reconciliation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"otcdesk/index"
	"otcdesk/ledger"
	"otcdesk/native/otc"
	"otcdesk/recon"
	"otcdesk/worker"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
}

// Deps carries the runtime components the server fronts.
type Deps struct {
	Store    *index.Store
	Ledger   ledger.Ledger
	Worker   *worker.Worker
	Recon    *recon.Reconciler
	Registry *prometheus.Registry
	Logger   *log.Logger
}

// Server hosts quote intake, offer views, and admin endpoints for deskd.
type Server struct {
	cfg      Config
	store    *index.Store
	ledger   ledger.Ledger
	worker   *worker.Worker
	recon    *recon.Reconciler
	registry *prometheus.Registry
	logger   *log.Logger
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("quote store required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		ledger:   deps.Ledger,
		worker:   deps.Worker,
		recon:    deps.Recon,
		registry: deps.Registry,
		logger:   logger,
	}, nil
}

// Router assembles the route table. Every route runs under an otelhttp
// span; the /metrics scrape stays on the prometheus registry.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(otelhttp.NewMiddleware("deskd.http"))
	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/quotes", s.handleCreateQuote)
		r.Post("/quotes/{id}/signature", s.handleAttachSignature)
		r.Get("/quotes/{id}", s.handleGetQuote)
		r.Get("/offers", s.handleListOffers)
		r.Get("/offers/{id}", s.handleGetOffer)
		r.Get("/desk", s.handleGetDesk)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/worker/start", s.handleWorkerStart)
		r.Post("/worker/stop", s.handleWorkerStop)
		r.Get("/worker", s.handleWorkerStatus)
		r.Post("/recon/run", s.handleReconRun)
	})
	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Printf("deskd: http server listening on %s", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "chain": s.ledger.Chain()}
	code := http.StatusOK
	if err := s.ledger.Health(r.Context()); err != nil {
		status["status"] = "degraded"
		status["ledger"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type createQuoteRequest struct {
	Beneficiary   string `json:"beneficiary"`
	TokenAmount   string `json:"token_amount"`
	DiscountBps   uint16 `json:"discount_bps"`
	Currency      string `json:"currency"`
	LockupSecs    int64  `json:"lockup_secs"`
	ConsignmentID *int64 `json:"consignment_id,omitempty"`
	TTLSecs       int64  `json:"ttl_secs,omitempty"`
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	var req createQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	beneficiary := otc.NormalizeAddress(req.Beneficiary)
	if beneficiary == "" {
		httpError(w, http.StatusBadRequest, "beneficiary required")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.TokenAmount), 10)
	if !ok || amount.Sign() <= 0 {
		httpError(w, http.StatusBadRequest, "token_amount must be a positive integer")
		return
	}
	if req.DiscountBps > 10_000 {
		httpError(w, http.StatusBadRequest, "discount_bps out of range")
		return
	}
	if _, err := otc.ParseCurrency(req.Currency); err != nil {
		httpError(w, http.StatusBadRequest, "unknown currency")
		return
	}
	if req.LockupSecs < 0 {
		httpError(w, http.StatusBadRequest, "lockup_secs must not be negative")
		return
	}

	quote := &index.Quote{
		Beneficiary: beneficiary,
		Chain:       s.ledger.Chain(),
		TokenAmount: amount.String(),
		DiscountBps: req.DiscountBps,
		Currency:    strings.ToLower(strings.TrimSpace(req.Currency)),
		LockupSecs:  req.LockupSecs,
	}
	if req.ConsignmentID != nil && *req.ConsignmentID > 0 {
		id := uint64(*req.ConsignmentID)
		quote.ConsignmentID = &id
	}
	if req.TTLSecs > 0 {
		expires := time.Now().Add(time.Duration(req.TTLSecs) * time.Second)
		quote.ExpiresAt = &expires
	}
	if err := s.store.CreateQuote(r.Context(), quote); err != nil {
		s.logger.Printf("deskd: create quote: %v", err)
		httpError(w, http.StatusInternalServerError, "store quote")
		return
	}
	writeJSON(w, http.StatusCreated, quote)
}

type attachSignatureRequest struct {
	Signature     string `json:"signature"`
	SignatureKind string `json:"signature_kind"`
}

// handleAttachSignature records a beneficiary signature over the quote's
// canonical message. Signing happens after creation because the message
// includes the server-assigned quote id.
func (s *Server) handleAttachSignature(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid quote id")
		return
	}
	var req attachSignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	quote, err := s.store.GetQuote(r.Context(), id)
	if err != nil {
		if errors.Is(err, index.ErrQuoteNotFound) {
			httpError(w, http.StatusNotFound, "quote not found")
			return
		}
		s.logger.Printf("deskd: load quote for signature: %v", err)
		httpError(w, http.StatusInternalServerError, "load quote")
		return
	}
	quote.Signature = strings.TrimSpace(req.Signature)
	quote.SignatureKind = strings.TrimSpace(req.SignatureKind)
	if err := index.VerifyQuoteSignature(quote); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("signature rejected: %v", err))
		return
	}
	if err := s.store.AttachQuoteSignature(r.Context(), id, quote.Signature, quote.SignatureKind); err != nil {
		s.logger.Printf("deskd: attach signature: %v", err)
		httpError(w, http.StatusInternalServerError, "store signature")
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid quote id")
		return
	}
	quote, err := s.store.GetQuote(r.Context(), id)
	if err != nil {
		if errors.Is(err, index.ErrQuoteNotFound) {
			httpError(w, http.StatusNotFound, "quote not found")
			return
		}
		s.logger.Printf("deskd: get quote: %v", err)
		httpError(w, http.StatusInternalServerError, "load quote")
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ledger.OpenOfferIDs(r.Context())
	if err != nil {
		s.logger.Printf("deskd: open offers: %v", err)
		httpError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"open": ids})
}

// offerView renders big integer amounts as decimal strings.
type offerView struct {
	ID          uint64   `json:"id"`
	Beneficiary string   `json:"beneficiary"`
	TokenAmount string   `json:"token_amount"`
	DiscountBps uint16   `json:"discount_bps"`
	Currency    string   `json:"currency"`
	CreatedAt   int64    `json:"created_at"`
	UnlockTime  int64    `json:"unlock_time"`
	Approved    bool     `json:"approved"`
	Paid        bool     `json:"paid"`
	Fulfilled   bool     `json:"fulfilled"`
	Cancelled   bool     `json:"cancelled"`
	Approvals   []string `json:"approvals,omitempty"`
	Payer       string   `json:"payer,omitempty"`
	AmountPaid  string   `json:"amount_paid,omitempty"`
}

func newOfferView(o *otc.Offer) offerView {
	view := offerView{
		ID:          o.ID,
		Beneficiary: o.Beneficiary,
		DiscountBps: o.DiscountBps,
		Currency:    o.Currency.String(),
		CreatedAt:   o.CreatedAt,
		UnlockTime:  o.UnlockTime,
		Approved:    o.Approved,
		Paid:        o.Paid,
		Fulfilled:   o.Fulfilled,
		Cancelled:   o.Cancelled,
		Approvals:   o.Approvals,
		Payer:       o.Payer,
	}
	if o.TokenAmount != nil {
		view.TokenAmount = o.TokenAmount.String()
	}
	if o.AmountPaid != nil && o.AmountPaid.Sign() > 0 {
		view.AmountPaid = o.AmountPaid.String()
	}
	return view
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid offer id")
		return
	}
	offer, err := s.ledger.Offer(r.Context(), id)
	if err != nil {
		if errors.Is(err, otc.ErrOfferNotFound) {
			httpError(w, http.StatusNotFound, "offer not found")
			return
		}
		s.logger.Printf("deskd: get offer: %v", err)
		httpError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, newOfferView(offer))
}

func (s *Server) handleGetDesk(w http.ResponseWriter, r *http.Request) {
	desk, err := s.ledger.Desk(r.Context())
	if err != nil {
		s.logger.Printf("deskd: get desk: %v", err)
		httpError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	view := map[string]any{
		"address":            desk.Address,
		"owner":              desk.Owner,
		"approvers":          desk.Approvers,
		"required_approvals": desk.RequiredApprovals,
		"paused":             desk.Paused,
		"token_decimals":     desk.TokenDecimals,
		"stable_decimals":    desk.StableDecimals,
	}
	if desk.Deposited != nil {
		view["deposited"] = desk.Deposited.String()
	}
	if desk.Reserved != nil {
		view["reserved"] = desk.Reserved.String()
	}
	if desk.MinUsd8d != nil {
		view["min_usd_8d"] = desk.MinUsd8d.String()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		httpError(w, http.StatusConflict, "worker not configured")
		return
	}
	// Detach from the request context so the loop outlives the request.
	s.worker.Start(context.Background())
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.worker.Running()})
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		httpError(w, http.StatusConflict, "worker not configured")
		return
	}
	s.worker.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.worker.Running()})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": true, "running": s.worker.Running()})
}

func (s *Server) handleReconRun(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		httpError(w, http.StatusConflict, "reconciler not configured")
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"
	result, err := s.recon.Run(r.Context(), recon.RunOptions{DryRun: dryRun})
	if err != nil {
		s.logger.Printf("deskd: recon run: %v", err)
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     result.Total,
		"updated":   result.Updated,
		"failed":    result.Failed,
		"expired":   result.Expired,
		"anomalies": len(result.Anomalies),
		"dry_run":   dryRun,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
