/*
handlers.go - HTTP API handlers for the reward ledger

PURPOSE:
  Exposes the reward engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the facade.

ENDPOINTS:
  Users:
    POST   /api/users/{id}/earn         Award points for an activity
    POST   /api/users/{id}/deduct       Charge points for an activity
    POST   /api/users/{id}/convert      Exchange between denominations
    GET    /api/users/{id}/summary      Balance + lifetime totals + badge
    GET    /api/users/{id}/transactions Paginated transaction history
    GET    /api/users/{id}/conversions  Conversion records
    GET    /api/users/{id}/badges       Earned badges

  Rules:
    GET    /api/rules                   List the activity catalog
    POST   /api/rules                   Create/update a rule
    POST   /api/rules/{code}/deactivate Soft-deactivate a rule

  Badges:
    GET    /api/badges                  List the badge hierarchy
    POST   /api/badges                  Create a badge tier

  Admin:
    POST   /api/admin/users/{id}/adjustments Manual balance correction
    POST   /api/admin/users/{id}/reconcile   Replay the ledger, report drift
    GET    /api/admin/settings               Read flags
    PUT    /api/admin/settings               Update flags

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (bad amount, inactive rule, unsupported pair)
  - 402: Insufficient balance
  - 404: Unknown rule or user
  - 409: Duplicate badge rank
  - 503: Contention (transient, retryable)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/smartrx/reward-engine/catalog"
	"github.com/smartrx/reward-engine/ledger"
	"github.com/smartrx/reward-engine/reward"
	"github.com/smartrx/reward-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *reward.Service
	Store   *sqlite.Store
}

// NewHandler creates a handler over the facade and the admin store.
func NewHandler(service *reward.Service, store *sqlite.Store) *Handler {
	return &Handler{Service: service, Store: store}
}

// =============================================================================
// USER MUTATION HANDLERS
// =============================================================================

// Earn awards points for an activity code.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req EarnRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Service.Earn(r.Context(), userID, req.ActivityCode, ledger.Context{
		PrescriptionID: req.PrescriptionID,
		PatientID:      req.PatientID,
		SourceID:       req.SourceID,
	}, req.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MutationResultDTO{
		TransactionID: int64(res.TransactionID),
		Balance:       toBalanceDTO(res.Balance),
		PromotedTo:    promotedName(res.PromotedTo),
	})
}

// Deduct charges points for an activity code.
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req EarnRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Service.Deduct(r.Context(), userID, req.ActivityCode, ledger.Context{
		PrescriptionID: req.PrescriptionID,
		PatientID:      req.PatientID,
		SourceID:       req.SourceID,
	}, req.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MutationResultDTO{
		TransactionID: int64(res.TransactionID),
		Balance:       toBalanceDTO(res.Balance),
		PromotedTo:    promotedName(res.PromotedTo),
	})
}

// Convert exchanges an amount between denominations.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req ConvertRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.Service.Convert(r.Context(), userID,
		ledger.Denomination(req.From), ledger.Denomination(req.To), amount, req.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ConversionResultDTO{
		ConversionID: int64(res.ConversionID),
		Rate:         res.Rate.String(),
		Converted:    res.Converted.String(),
		Balance:      toBalanceDTO(res.Balance),
		PromotedTo:   promotedName(res.PromotedTo),
	})
}

// =============================================================================
// USER READ HANDLERS
// =============================================================================

// GetSummary returns balances, lifetime totals, and the current badge.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	summary, err := h.Service.Summary(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// GetTransactions returns a filtered, paginated history listing.
// Query parameters: kind=all|earned|consumed, from, to (RFC3339),
// page, page_size, sort=asc|desc.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	filter := ledger.HistoryFilter{Kind: ledger.HistoryAll}
	switch q.Get("kind") {
	case "earned":
		filter.Kind = ledger.HistoryEarned
	case "consumed":
		filter.Kind = ledger.HistoryConsumed
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'from' date", err)
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'to' date", err)
			return
		}
		filter.To = &t
	}

	page := ledger.Page{
		Number:   atoiDefault(q.Get("page"), 1),
		Size:     atoiDefault(q.Get("page_size"), 20),
		SortDesc: q.Get("sort") != "asc",
	}

	result, err := h.Service.History(r.Context(), userID, filter, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history", err)
		return
	}

	dtos := make([]TransactionDTO, len(result.Transactions))
	for i, tx := range result.Transactions {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, HistoryPageDTO{
		Transactions: dtos,
		Total:        result.Total,
		Page:         result.Page.Number,
		PageSize:     result.Page.Size,
	})
}

// GetConversions returns the user's exchange records.
func (h *Handler) GetConversions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	conversions, err := h.Service.Conversions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load conversions", err)
		return
	}

	dtos := make([]ConversionDTO, len(conversions))
	for i, c := range conversions {
		dtos[i] = toConversionDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUserBadges returns the user's earned badges.
func (h *Handler) GetUserBadges(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	awards, err := h.Store.Awards(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load badges", err)
		return
	}

	dtos := make([]AwardDTO, len(awards))
	for i, a := range awards {
		dtos[i] = toAwardDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns the activity catalog.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.Rules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = RuleDTO{
			Code:       rule.Code,
			Name:       rule.Name,
			Points:     rule.Points.String(),
			Deductible: rule.Deductible,
			Active:     rule.Active,
			Visible:    rule.Visible,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveRule creates or updates a rule.
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	var req RuleDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "Rule code is required", nil)
		return
	}
	points, err := decimal.NewFromString(req.Points)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid points amount", err)
		return
	}

	rule := catalog.Rule{
		Code:       req.Code,
		Name:       req.Name,
		Points:     points,
		Deductible: req.Deductible,
		Active:     req.Active,
		Visible:    req.Visible,
	}
	if err := h.Store.SaveRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// DeactivateRule soft-deletes a rule.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	if err := h.Store.DeactivateRule(r.Context(), code); err != nil {
		if errors.Is(err, catalog.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to deactivate rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BADGE HANDLERS
// =============================================================================

// ListBadges returns the hierarchy ordered by rank.
func (h *Handler) ListBadges(w http.ResponseWriter, r *http.Request) {
	badges, err := h.Store.Badges(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list badges", err)
		return
	}

	dtos := make([]BadgeInfoDTO, len(badges))
	for i, b := range badges {
		dtos[i] = toBadgeInfoDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBadge inserts a badge tier.
func (h *Handler) CreateBadge(w http.ResponseWriter, r *http.Request) {
	var req BadgeDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "Badge id and name are required", nil)
		return
	}

	b := catalog.Badge{
		ID:   req.ID,
		Name: req.Name,
		Rank: req.Rank,
		Type: req.Type,
	}
	if req.RequiredPoints != nil {
		d, err := decimal.NewFromString(*req.RequiredPoints)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid required points", err)
			return
		}
		b.RequiredPoints = &d
	}
	if req.RequiredActivities != nil {
		b.RequiredActivities = req.RequiredActivities
	}
	if req.BonusPoints != nil {
		d, err := decimal.NewFromString(*req.BonusPoints)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid bonus points", err)
			return
		}
		b.BonusPoints = &d
	}

	if err := h.Store.SaveBadge(r.Context(), b); err != nil {
		switch {
		case errors.Is(err, catalog.ErrDuplicateRank):
			writeError(w, http.StatusConflict, "Badge rank already taken", err)
		case errors.Is(err, catalog.ErrMissingRank):
			writeError(w, http.StatusBadRequest, "Badge rank must be positive", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to create badge", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment applies a manual balance correction.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req AdjustRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	delta, err := decimal.NewFromString(req.Delta)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid delta", err)
		return
	}

	res, err := h.Service.Adjust(r.Context(), userID,
		ledger.Denomination(req.Denomination), delta, req.Remarks, req.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MutationResultDTO{
		TransactionID: int64(res.TransactionID),
		Balance:       toBalanceDTO(res.Balance),
		PromotedTo:    promotedName(res.PromotedTo),
	})
}

// Reconcile replays the ledger and reports drift.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	report, err := h.Service.Reconcile(r.Context(), userID)
	if err != nil && !errors.Is(err, reward.ErrBalanceDrift) {
		writeError(w, http.StatusInternalServerError, "Failed to reconcile", err)
		return
	}

	status := http.StatusOK
	if !report.Clean {
		// Drift means the invariant is broken; surface loudly.
		status = http.StatusConflict
	}
	drift := report.Drift()
	driftNames := make([]string, len(drift))
	for i, d := range drift {
		driftNames[i] = string(d)
	}
	writeJSON(w, status, ReconcileReportDTO{
		UserID:   string(report.UserID),
		Stored:   toBalanceDTO(report.Stored),
		Replayed: toBalanceDTO(report.Replayed),
		Clean:    report.Clean,
		Drift:    driftNames,
	})
}

// GetSettings reads the flags.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Store.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, SettingsDTO{
		AllowNegativeBalance: settings.AllowNegativeBalance,
		PromotionBadgeType:   settings.PromotionBadgeType,
	})
}

// UpdateSettings upserts the flags.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Store.SaveSettings(r.Context(), reward.Settings{
		AllowNegativeBalance: req.AllowNegativeBalance,
		PromotionBadgeType:   req.PromotionBadgeType,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// writeDomainError maps engine errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "Unknown activity code", err)
	case errors.Is(err, catalog.ErrRuleInactive):
		writeError(w, http.StatusBadRequest, "Activity is no longer active", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "User not found", err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "Insufficient balance", err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "Busy, please retry", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		writeError(w, http.StatusInternalServerError, "Operation failed", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Code = errCode(err)
	}
	writeJSON(w, status, resp)
}

func errCode(err error) string {
	switch {
	case errors.Is(err, catalog.ErrRuleNotFound):
		return "rule_not_found"
	case errors.Is(err, catalog.ErrRuleInactive):
		return "rule_inactive"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrUnsupportedConversion):
		return "unsupported_conversion"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrContention):
		return "contention"
	case ledger.IsNotFound(err):
		return "user_not_found"
	}
	return ""
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
