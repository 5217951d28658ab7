// Package api provides the HTTP handlers for the settlement engine: pool
// liquidity, option and position lifecycles, fee administration, oracle
// price posting, and platform stats.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/bank"
	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/engine"
	"github.com/hedgepool/settlement-engine/internal/fees"
	"github.com/hedgepool/settlement-engine/internal/oracle"
	"github.com/hedgepool/settlement-engine/internal/pool"
	"github.com/hedgepool/settlement-engine/internal/risk"
)

// PriceFeed is the posting side of the oracle, exposed over HTTP so an
// operator or relay can push quotes.
type PriceFeed interface {
	SetPrice(price decimal.Decimal) error
}

// Service exposes the engine over HTTP. Concurrency control lives in the
// engine itself; handlers just decode, call, and encode.
type Service struct {
	engine *engine.Engine
	feed   PriceFeed
	admin  string
}

// NewService creates an HTTP service over the engine. feed may be nil when
// the deployment posts prices out of band.
func NewService(e *engine.Engine, feed PriceFeed, admin string) *Service {
	return &Service{engine: e, feed: feed, admin: admin}
}

// --- Request/Response types ---

// DepositRequest is the JSON body for pool deposits.
type DepositRequest struct {
	Owner  string          `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
}

// WithdrawRequest is the JSON body for pool withdrawals, denominated in
// shares.
type WithdrawRequest struct {
	Owner  string          `json:"owner"`
	Shares decimal.Decimal `json:"shares"`
}

// BuyOptionRequest is the JSON body for POST /options.
type BuyOptionRequest struct {
	Owner      string          `json:"owner"`
	Kind       string          `json:"kind"`       // "CALL" or "PUT"
	Settlement string          `json:"settlement"` // "CASH" or "PHYSICAL"
	Strike     decimal.Decimal `json:"strike"`
	Quantity   decimal.Decimal `json:"quantity"`
	ExpiryUnix int64           `json:"expiry_unix"`
}

// CallerRequest carries just the acting account, for exercise, liquidate and
// fee endpoints.
type CallerRequest struct {
	Caller string `json:"caller"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Owner    string          `json:"owner"`
	Side     string          `json:"side"` // "LONG" or "SHORT"
	Margin   decimal.Decimal `json:"margin"`
	Leverage int64           `json:"leverage"`
}

// WithdrawFeesRequest is the JSON body for admin fee withdrawal.
type WithdrawFeesRequest struct {
	Caller string          `json:"caller"`
	Amount decimal.Decimal `json:"amount"`
}

// PostPriceRequest is the JSON body for oracle price posting.
type PostPriceRequest struct {
	Caller string          `json:"caller"`
	Price  decimal.Decimal `json:"price"`
}

// --- Pool handlers ---

// Deposit handles POST /api/v1/pools/{poolID}/deposits.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	shares, err := s.engine.ProvideLiquidity(r.Context(), chi.URLParam(r, "poolID"), req.Owner, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"shares": shares.String()})
}

// Withdraw handles POST /api/v1/pools/{poolID}/withdrawals.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	portion, err := s.engine.WithdrawLiquidity(r.Context(), chi.URLParam(r, "poolID"), req.Owner, req.Shares)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": portion.String()})
}

// GetPool handles GET /api/v1/pools/{poolID}.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.PoolSnapshot(chi.URLParam(r, "poolID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Option handlers ---

// BuyOption handles POST /api/v1/options.
func (s *Service) BuyOption(w http.ResponseWriter, r *http.Request) {
	var req BuyOptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	kind, err := derivative.ParseKind(req.Kind)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := derivative.ParseSettlement(req.Settlement)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	o, err := s.engine.BuyOption(r.Context(), engine.BuyOptionRequest{
		Owner:      req.Owner,
		Kind:       kind,
		Settlement: mode,
		Strike:     req.Strike,
		Quantity:   req.Quantity,
		Expiry:     unixTime(req.ExpiryUnix),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ExerciseOption handles POST /api/v1/options/{optionID}/exercise.
func (s *Service) ExerciseOption(w http.ResponseWriter, r *http.Request) {
	id, err := optionID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.ExerciseOption(r.Context(), id, req.Caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExpireOption handles POST /api/v1/options/{optionID}/expire. No caller:
// expiry is callable by anyone.
func (s *Service) ExpireOption(w http.ResponseWriter, r *http.Request) {
	id, err := optionID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.engine.ExpireOption(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetOption handles GET /api/v1/options/{optionID}.
func (s *Service) GetOption(w http.ResponseWriter, r *http.Request) {
	id, err := optionID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	o, err := s.engine.GetOption(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListOptions handles GET /api/v1/options, optionally filtered by ?owner=
// and ?state=.
func (s *Service) ListOptions(w http.ResponseWriter, r *http.Request) {
	state := derivative.OptionState(r.URL.Query().Get("state"))
	switch state {
	case "", derivative.StateActive, derivative.StateExercised, derivative.StateExpired:
	default:
		writeError(w, "unknown state filter: "+string(state), http.StatusBadRequest)
		return
	}

	options := s.engine.ListOptions(r.URL.Query().Get("owner"), state)
	if options == nil {
		options = []*derivative.Option{}
	}
	writeJSON(w, http.StatusOK, options)
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.engine.OpenPosition(r.Context(), req.Owner, derivative.Side(req.Side), req.Margin, req.Leverage)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition handles POST /api/v1/positions/{owner}/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ClosePosition(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPosition handles GET /api/v1/positions/{owner}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.GetPosition(chi.URLParam(r, "owner"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// CheckLiquidation handles GET /api/v1/positions/{owner}/liquidation.
func (s *Service) CheckLiquidation(w http.ResponseWriter, r *http.Request) {
	check, err := s.engine.CheckLiquidation(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// Liquidate handles POST /api/v1/positions/{owner}/liquidate.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Liquidate(r.Context(), chi.URLParam(r, "owner"), req.Caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Fee handlers ---

// DistributeFees handles POST /api/v1/fees/distribute.
func (s *Service) DistributeFees(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.DistributeFees(r.Context(), req.Caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// WithdrawFees handles POST /api/v1/fees/withdrawals.
func (s *Service) WithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req WithdrawFeesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.WithdrawFees(r.Context(), req.Caller, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": req.Amount.String()})
}

// --- Oracle and stats ---

// PostPrice handles POST /api/v1/oracle/price. Admin only: the posted-price
// oracle trusts its relay, so the relay identity is checked here at the
// door.
func (s *Service) PostPrice(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, "price posting is not enabled", http.StatusNotFound)
		return
	}
	var req PostPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller != s.admin {
		writeError(w, "caller is not the price relay", http.StatusForbidden)
		return
	}

	if err := s.feed.SetPrice(req.Price); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"price": req.Price.String()})
}

// GetStats handles GET /api/v1/stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.PlatformStats())
}

// --- Helpers ---

func optionID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "optionID"), 10, 64)
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// writeEngineError maps engine error chains onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, derivative.ErrInvalidKind),
		errors.Is(err, derivative.ErrInvalidSettlement),
		errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, oracle.ErrNonPositivePrice):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrUnknownPool),
		errors.Is(err, derivative.ErrOptionNotFound),
		errors.Is(err, derivative.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, derivative.ErrNotActive),
		errors.Is(err, derivative.ErrWindowNotOpen),
		errors.Is(err, derivative.ErrWindowClosed),
		errors.Is(err, derivative.ErrNotYetExpirable),
		errors.Is(err, derivative.ErrPositionExists),
		errors.Is(err, derivative.ErrNotLiquidatable),
		errors.Is(err, engine.ErrNegativeEquity),
		errors.Is(err, pool.ErrInsufficientShares),
		errors.Is(err, pool.ErrInsufficientFreeLiquidity),
		errors.Is(err, pool.ErrValueExhausted),
		errors.Is(err, fees.ErrInvalidAmount),
		errors.Is(err, fees.ErrInsufficientAccrued),
		errors.Is(err, fees.ErrNothingAccrued),
		errors.Is(err, risk.ErrTooManyActiveOptions),
		errors.Is(err, risk.ErrCollateralShareExceeded),
		errors.Is(err, bank.ErrTransferFailed):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrNoPrice),
		errors.Is(err, oracle.ErrStalePrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
