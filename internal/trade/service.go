// Package trade provides the Trade API: HTTP handlers that map external
// buy/sell, deposit and withdrawal requests onto Settlement Engine calls, plus
// read endpoints for wallets, holdings, the ledger and reconciliation.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/auth"
	"github.com/fintt/settlement-engine/internal/model"
	"github.com/fintt/settlement-engine/internal/settlement"
)

// Engine is the part of the Settlement Engine the API depends on.
type Engine interface {
	SettleTrade(ctx context.Context, intent model.TradeIntent) (*model.LedgerEntry, error)
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (*model.LedgerEntry, error)
	Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (*model.LedgerEntry, error)
	GetWallet(ctx context.Context, accountID string) (model.Wallet, error)
	GetHolding(ctx context.Context, accountID, symbol string) (model.Holding, error)
	ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error)
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)
	Reconcile(ctx context.Context, accountID string) (*settlement.ReconcileReport, error)
	Quote(ctx context.Context, symbol string) (model.Quote, error)
}

// Service handles Trade API requests. It holds no trade state of its own;
// serialization happens in the ledger store.
type Service struct {
	engine   Engine
	validate *validator.Validate
	logger   *zap.Logger
}

// NewService creates a new trade service.
func NewService(engine Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:   engine,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes mounts the API under r. Callers add auth and metrics middleware.
func (s *Service) Routes(r chi.Router) {
	r.Post("/trades", s.SettleTrade)
	r.Get("/quotes/{symbol}", s.GetQuote)

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Post("/deposits", s.Deposit)
		r.Post("/withdrawals", s.Withdraw)
		r.Get("/wallet", s.GetWallet)
		r.Get("/holdings", s.ListHoldings)
		r.Get("/holdings/{symbol}", s.GetHolding)
		r.Get("/ledger", s.ListLedger)
		r.Get("/reconcile", s.Reconcile)
	})
}

// --- Request types ---

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	AccountID string          `json:"account_id" validate:"required,max=128"`
	Symbol    string          `json:"symbol" validate:"required,max=32"`
	Side      string          `json:"side" validate:"required,oneof=buy sell"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Kind      string            `json:"kind"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

// --- HTTP Handlers ---

// SettleTrade handles POST /api/v1/trades
func (s *Service) SettleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body", nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeBadRequest(w, "validation failed", err)
		return
	}
	if !s.authorize(w, r, req.AccountID) {
		return
	}

	entry, err := s.engine.SettleTrade(r.Context(), model.TradeIntent{
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      model.Side(req.Side),
		Quantity:  req.Quantity,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.adjustWallet(w, r, s.engine.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{accountID}/withdrawals
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.adjustWallet(w, r, s.engine.Withdraw)
}

type walletOp func(ctx context.Context, accountID string, amount decimal.Decimal) (*model.LedgerEntry, error)

func (s *Service) adjustWallet(w http.ResponseWriter, r *http.Request, op walletOp) {
	accountID, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body", nil)
		return
	}

	entry, err := op(r.Context(), accountID, req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetWallet handles GET /api/v1/accounts/{accountID}/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	wallet, err := s.engine.GetWallet(r.Context(), accountID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetHolding handles GET /api/v1/accounts/{accountID}/holdings/{symbol}
func (s *Service) GetHolding(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	holding, err := s.engine.GetHolding(r.Context(), accountID, chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, holding)
}

// ListHoldings handles GET /api/v1/accounts/{accountID}/holdings
func (s *Service) ListHoldings(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	holdings, err := s.engine.ListHoldings(r.Context(), accountID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// ListLedger handles GET /api/v1/accounts/{accountID}/ledger
func (s *Service) ListLedger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	entries, err := s.engine.ListLedgerEntries(r.Context(), accountID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Reconcile handles GET /api/v1/accounts/{accountID}/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.pathAccount(w, r)
	if !ok {
		return
	}
	report, err := s.engine.Reconcile(r.Context(), accountID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- Helpers ---

func (s *Service) pathAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := chi.URLParam(r, "accountID")
	if !s.authorize(w, r, accountID) {
		return "", false
	}
	return accountID, true
}

// authorize enforces that an authenticated caller only touches its own
// account. Without auth middleware every account is reachable.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request, accountID string) bool {
	sub, ok := auth.AccountFromContext(r.Context())
	if !ok || sub == accountID {
		return true
	}
	s.logger.Info("account access denied",
		zap.String("subject", sub),
		zap.String("account_id", accountID),
		zap.String("request_id", middleware.GetReqID(r.Context())))
	writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "token does not grant access to this account", Kind: "Forbidden"})
	return false
}

// StatusFor maps an engine error kind onto its stable HTTP status.
func StatusFor(kind settlement.Kind) int {
	switch kind {
	case settlement.KindInvalidIntent:
		return http.StatusBadRequest
	case settlement.KindInsufficientFunds, settlement.KindInsufficientHoldings, settlement.KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case settlement.KindQuoteUnavailable:
		return http.StatusServiceUnavailable
	case settlement.KindSettlementConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterSeconds is advertised on retryable failures.
const retryAfterSeconds = 1

func (s *Service) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := settlement.KindOf(err)
	if kind == "" {
		kind = settlement.KindStorageUnavailable
	}
	status := StatusFor(kind)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		msg = "storage unavailable"
	}
	if kind.Retryable() {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: string(kind), Retryable: kind.Retryable()})
}

func writeBadRequest(w http.ResponseWriter, message string, validationErr error) {
	resp := ErrorResponse{Error: message, Kind: string(settlement.KindInvalidIntent)}
	var verrs validator.ValidationErrors
	if errors.As(validationErr, &verrs) {
		resp.Details = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Details[fe.Field()] = "failed on '" + fe.Tag() + "'"
		}
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
