// Package api exposes the ledger over HTTP. Handlers decode and validate
// requests, take the caller's actor from the request context and map ledger
// errors onto status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/poolbet/ledger-engine/internal/ledger"
	"github.com/poolbet/ledger-engine/internal/model"
)

// Handler serves the ledger routes.
type Handler struct {
	ledger   *ledger.Service
	validate *validator.Validate
}

// NewHandler creates the HTTP handlers for svc.
func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{ledger: svc, validate: validator.New()}
}

// Routes mounts every authenticated ledger route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/contributions", h.RecordContribution)
	r.Get("/contributions/{paymentRef}", h.GetContribution)
	r.Post("/contributions/{paymentRef}/status", h.UpdateContributionStatus)

	r.Get("/positions", h.ListPositions)
	r.Post("/positions", h.OpenPosition)
	r.Get("/positions/{positionID}", h.GetPosition)
	r.Post("/positions/{positionID}/settle", h.SettlePosition)
	r.Post("/positions/{positionID}/redistribute", h.RedistributePosition)

	r.Get("/investors/{investorID}/balance", h.GetBalance)
	r.Get("/investors/{investorID}/contributions", h.ListContributions)
	r.Get("/investors/{investorID}/distributions", h.ListDistributions)
	r.Get("/investors/{investorID}/withdrawals", h.ListWithdrawals)
	r.Post("/investors/{investorID}/withdrawals", h.RequestWithdrawal)

	r.Get("/withdrawals/{withdrawalID}", h.GetWithdrawal)
	r.Post("/withdrawals/{withdrawalID}/resolve", h.ResolveWithdrawal)

	r.Get("/pool", h.PoolSummary)
}

// --- Request types ---

// ContributionRequest is the JSON body for POST /contributions.
type ContributionRequest struct {
	InvestorID  string     `json:"investor_id" validate:"required,max=128"`
	Amount      int64      `json:"amount" validate:"gt=0"` // minor units
	PaymentRef  string     `json:"payment_ref" validate:"required,max=256"`
	Status      string     `json:"status" validate:"omitempty,oneof=pending succeeded failed"`
	ConfirmedAt *time.Time `json:"confirmed_at"`
}

// ContributionStatusRequest is the JSON body for POST /contributions/{ref}/status.
type ContributionStatusRequest struct {
	Status      string     `json:"status" validate:"required,oneof=succeeded failed"`
	ConfirmedAt *time.Time `json:"confirmed_at"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Stake      int64      `json:"stake" validate:"gt=0"`
	Odds       string     `json:"odds" validate:"required,max=32"` // 2.5, +150, -110 or 3/2
	EventAt    time.Time  `json:"event_at"`
	SnapshotAt *time.Time `json:"snapshot_at"`
	Note       string     `json:"note" validate:"max=1024"`
}

// SettleRequest is the JSON body for POST /positions/{id}/settle.
type SettleRequest struct {
	Status string  `json:"status" validate:"required"`
	Score  *string `json:"score" validate:"omitempty,max=256"`
}

// WithdrawalRequest is the JSON body for POST /investors/{id}/withdrawals.
type WithdrawalRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

// ResolveWithdrawalRequest is the JSON body for POST /withdrawals/{id}/resolve.
type ResolveWithdrawalRequest struct {
	Status string `json:"status" validate:"required,oneof=approved rejected"`
}

// --- Contributions ---

// RecordContribution handles POST /api/v1/contributions
func (h *Handler) RecordContribution(w http.ResponseWriter, r *http.Request) {
	var req ContributionRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.ledger.RecordContribution(r.Context(), ActorFrom(r.Context()), ledger.ContributionInput{
		InvestorID:  req.InvestorID,
		Amount:      req.Amount,
		PaymentRef:  req.PaymentRef,
		Status:      model.ContributionStatus(req.Status),
		ConfirmedAt: req.ConfirmedAt,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetContribution handles GET /api/v1/contributions/{paymentRef}
func (h *Handler) GetContribution(w http.ResponseWriter, r *http.Request) {
	c, err := h.ledger.GetContribution(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "paymentRef"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateContributionStatus handles POST /api/v1/contributions/{paymentRef}/status
func (h *Handler) UpdateContributionStatus(w http.ResponseWriter, r *http.Request) {
	var req ContributionStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.ledger.UpdateContributionStatus(r.Context(), ActorFrom(r.Context()),
		chi.URLParam(r, "paymentRef"), model.ContributionStatus(req.Status), req.ConfirmedAt)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Positions ---

// ListPositions handles GET /api/v1/positions?status=pending
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := model.PositionStatus(r.URL.Query().Get("status"))
	positions, err := h.ledger.ListPositions(r.Context(), ActorFrom(r.Context()), status)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": nonNil(positions), "count": len(positions)})
}

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := ledger.PositionInput{
		Stake:   req.Stake,
		Odds:    req.Odds,
		EventAt: req.EventAt,
		Note:    req.Note,
	}
	if req.SnapshotAt != nil {
		in.SnapshotAt = *req.SnapshotAt
	}
	detail, err := h.ledger.OpenPosition(r.Context(), ActorFrom(r.Context()), in)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	detail, err := h.ledger.GetPosition(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "positionID"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// SettlePosition handles POST /api/v1/positions/{positionID}/settle
func (h *Handler) SettlePosition(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.ledger.Settle(r.Context(), ActorFrom(r.Context()),
		chi.URLParam(r, "positionID"), model.PositionStatus(strings.ToLower(req.Status)), req.Score)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RedistributePosition handles POST /api/v1/positions/{positionID}/redistribute
func (h *Handler) RedistributePosition(w http.ResponseWriter, r *http.Request) {
	dists, err := h.ledger.Redistribute(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "positionID"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributions": nonNil(dists)})
}

// --- Investors ---

// GetBalance handles GET /api/v1/investors/{investorID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.ledger.AvailableBalance(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "investorID"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// ListContributions handles GET /api/v1/investors/{investorID}/contributions
func (h *Handler) ListContributions(w http.ResponseWriter, r *http.Request) {
	out, err := h.ledger.ListContributions(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "investorID"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contributions": nonNil(out)})
}

// ListDistributions handles GET /api/v1/investors/{investorID}/distributions
func (h *Handler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	out, err := h.ledger.ListDistributions(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "investorID"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributions": nonNil(out)})
}

// ListWithdrawals handles GET /api/v1/investors/{investorID}/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	out, err := h.ledger.ListWithdrawals(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "investorID"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": nonNil(out)})
}

// RequestWithdrawal handles POST /api/v1/investors/{investorID}/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	wr, err := h.ledger.RequestWithdrawal(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "investorID"), req.Amount)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// GetWithdrawal handles GET /api/v1/withdrawals/{withdrawalID}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.ledger.GetWithdrawal(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "withdrawalID"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// ResolveWithdrawal handles POST /api/v1/withdrawals/{withdrawalID}/resolve
func (h *Handler) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ResolveWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	wr, err := h.ledger.ResolveWithdrawal(r.Context(), ActorFrom(r.Context()),
		chi.URLParam(r, "withdrawalID"), model.WithdrawalStatus(req.Status))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// PoolSummary handles GET /api/v1/pool
func (h *Handler) PoolSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.ledger.PoolSummary(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Helpers ---

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// statusFor maps a ledger error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidStake),
		errors.Is(err, ledger.ErrInvalidOdds),
		errors.Is(err, ledger.ErrInvalidInvestor),
		errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDuplicateContribution),
		errors.Is(err, ledger.ErrContributionFinal),
		errors.Is(err, ledger.ErrWithdrawalFinal):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrNoEligibleInvestors),
		errors.Is(err, ledger.ErrLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "ledger request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
		writeError(w, ledger.ErrUnavailable.Error(), status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
