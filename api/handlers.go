/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Transactions:
    POST   /api/transactions           Process one transaction

  Holders:
    GET    /api/holders/{id}/campaigns/{cid}/balance      Current balance
    GET    /api/holders/{id}/campaigns/{cid}/adjustments  Balance-change ledger
    GET    /api/holders/{id}/campaigns/{cid}/pending      Pending rewards
    GET    /api/holders/{id}/campaigns/{cid}/rewards      Issued rewards

  Campaigns:
    GET    /api/campaigns              List configured campaigns
    GET    /api/campaigns/{id}         Campaign details

  Health:
    GET    /healthz                    Liveness probe

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate transaction ID)
  - 422: Business rule violation (terminated campaign, unsupported path)
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public;
  deploy behind a gateway that handles auth.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - issuer.go: Background issuance dispatcher
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     loyalty.Store
	Issued    loyalty.IssuedRewardStore
	Processor *loyalty.Processor

	// Campaigns is the configured campaign set, loaded at startup.
	Campaigns map[loyalty.CampaignID]loyalty.Campaign
}

// NewHandler creates a handler around the given store and campaign set.
func NewHandler(store loyalty.Store, issued loyalty.IssuedRewardStore, campaigns map[loyalty.CampaignID]loyalty.Campaign) *Handler {
	return &Handler{
		Store:     store,
		Issued:    issued,
		Processor: loyalty.NewProcessor(store),
		Campaigns: campaigns,
	}
}

func (h *Handler) campaign(id string) (loyalty.Campaign, bool) {
	c, ok := h.Campaigns[loyalty.CampaignID(id)]
	return c, ok
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ProcessTransaction runs one transaction through the pipeline.
// POST /api/transactions
func (h *Handler) ProcessTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.AccountHolderID == "" || req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "id, account_holder_id and campaign_id are required", nil)
		return
	}

	campaign, ok := h.campaign(req.CampaignID)
	if !ok {
		writeError(w, http.StatusNotFound, "Campaign not found", nil)
		return
	}

	occurredAt := time.Now()
	if req.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at format (use RFC3339)", err)
			return
		}
		occurredAt = parsed
	}

	timer := prometheus.NewTimer(txLatency.WithLabelValues(req.CampaignID))
	defer timer.ObserveDuration()

	result, err := h.Processor.Process(r.Context(), campaign, loyalty.Transaction{
		ID:              req.ID,
		AccountHolderID: loyalty.AccountHolderID(req.AccountHolderID),
		CampaignID:      campaign.ID,
		Amount:          req.Amount,
		OccurredAt:      occurredAt,
	})
	if err != nil {
		var dup *loyalty.DuplicateTransactionError
		switch {
		case errors.As(err, &dup):
			txProcessed.WithLabelValues(req.CampaignID, "duplicate").Inc()
			writeError(w, http.StatusConflict, "Transaction already processed", err)
		case errors.Is(err, loyalty.ErrCampaignTerminated):
			txProcessed.WithLabelValues(req.CampaignID, "terminated").Inc()
			writeError(w, http.StatusUnprocessableEntity, "Campaign is cancelled or ended", err)
		case errors.Is(err, loyalty.ErrImmediateIssuance):
			txProcessed.WithLabelValues(req.CampaignID, "unsupported").Inc()
			writeError(w, http.StatusUnprocessableEntity, "Immediate issuance is not supported", err)
		default:
			txProcessed.WithLabelValues(req.CampaignID, "error").Inc()
			writeError(w, http.StatusInternalServerError, "Failed to process transaction", err)
		}
		return
	}

	resp := TransactionResponse{
		TransactionID: result.TransactionID,
		Eligible:      result.Adjustment.Eligible,
		Reason:        result.Adjustment.Reason,
		Adjustment:    result.Adjustment.Amount,
		Pending:       toPendingDTO(result.Pending),
		Refund:        toRefundDTO(result.Refund),
	}
	outcome := "rejected"
	if result.Adjustment.Eligible {
		balance := result.NewBalance
		resp.NewBalance = &balance
		outcome = "applied"
	}
	if result.Refund != nil && result.Refund.NotRecouped > 0 {
		refundNotRecouped.WithLabelValues(req.CampaignID).Add(float64(result.Refund.NotRecouped))
	}
	txProcessed.WithLabelValues(req.CampaignID, outcome).Inc()

	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HOLDER HANDLERS
// =============================================================================

// GetBalance returns the current balance for one holder/campaign pair.
// GET /api/holders/{id}/campaigns/{cid}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	holder := loyalty.AccountHolderID(chi.URLParam(r, "id"))
	campaign := loyalty.CampaignID(chi.URLParam(r, "cid"))

	row, err := h.Store.Balance(r.Context(), holder, campaign)
	if errors.Is(err, loyalty.ErrBalanceNotFound) {
		// No activity yet reads as zero, not as an error.
		row = loyalty.CampaignBalance{AccountHolderID: holder, CampaignID: campaign}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountHolderID: string(row.AccountHolderID),
		CampaignID:      string(row.CampaignID),
		Balance:         row.Balance,
		ResetDate:       optTimeDTO(row.ResetDate),
	})
}

// GetAdjustments returns the append-only ledger for one balance.
// GET /api/holders/{id}/campaigns/{cid}/adjustments
func (h *Handler) GetAdjustments(w http.ResponseWriter, r *http.Request) {
	holder := loyalty.AccountHolderID(chi.URLParam(r, "id"))
	campaign := loyalty.CampaignID(chi.URLParam(r, "cid"))

	records, err := h.Store.Adjustments(r.Context(), holder, campaign)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read adjustments", err)
		return
	}

	dtos := make([]AdjustmentDTO, len(records))
	for i, rec := range records {
		dtos[i] = AdjustmentDTO{
			ID:          rec.ID,
			Delta:       rec.Delta,
			Type:        string(rec.Type),
			ReferenceID: rec.ReferenceID,
			Reason:      rec.Reason,
			CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPendingRewards lists a holder's pending rewards for one campaign.
// GET /api/holders/{id}/campaigns/{cid}/pending
func (h *Handler) GetPendingRewards(w http.ResponseWriter, r *http.Request) {
	holder := loyalty.AccountHolderID(chi.URLParam(r, "id"))
	campaign := loyalty.CampaignID(chi.URLParam(r, "cid"))

	rows, err := h.Store.PendingRewards(r.Context(), holder, campaign)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read pending rewards", err)
		return
	}

	dtos := make([]PendingRewardDTO, len(rows))
	for i := range rows {
		dtos[i] = *toPendingDTO(&rows[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetIssuedRewards lists a holder's issued rewards for one campaign.
// GET /api/holders/{id}/campaigns/{cid}/rewards
func (h *Handler) GetIssuedRewards(w http.ResponseWriter, r *http.Request) {
	holder := loyalty.AccountHolderID(chi.URLParam(r, "id"))
	campaign := loyalty.CampaignID(chi.URLParam(r, "cid"))

	rows, err := h.Issued.IssuedRewards(r.Context(), holder, campaign)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read issued rewards", err)
		return
	}

	now := time.Now()
	dtos := make([]IssuedRewardDTO, len(rows))
	for i, reward := range rows {
		dtos[i] = IssuedRewardDTO{
			ID:            reward.ID,
			Code:          reward.Code,
			Status:        string(reward.Status(now)),
			IssuedDate:    optTimeDTO(reward.IssuedDate),
			ExpiryDate:    optTimeDTO(reward.ExpiryDate),
			AssociatedURL: reward.AssociatedURL,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CAMPAIGN HANDLERS
// =============================================================================

// ListCampaigns returns the configured campaign set.
// GET /api/campaigns
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	dtos := make([]CampaignDTO, 0, len(h.Campaigns))
	for _, c := range h.Campaigns {
		dtos = append(dtos, toCampaignDTO(c))
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].ID < dtos[j].ID })
	writeJSON(w, http.StatusOK, dtos)
}

// GetCampaign returns a single campaign.
// GET /api/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.campaign(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Campaign not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignDTO(c))
}

func toCampaignDTO(c loyalty.Campaign) CampaignDTO {
	return CampaignDTO{
		ID:             string(c.ID),
		Name:           c.Name,
		Model:          string(c.Model),
		Status:         string(c.Status),
		RewardConfigID: string(c.RewardConfigID),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz is the liveness probe.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
