package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	loyaltystore "github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

var apiTestNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCampaigns() map[loyalty.CampaignID]loyalty.Campaign {
	return map[loyalty.CampaignID]loyalty.Campaign{
		"points": {
			ID:     "points",
			Name:   "Spend Points",
			Status: loyalty.CampaignActive,
			Model:  loyalty.ModelAccumulator,
			Reward: loyalty.RewardRule{
				RewardGoal:           250,
				AllocationWindowDays: 7,
			},
			RewardConfigID: "voucher-pool",
		},
		"ended": {
			ID:     "ended",
			Name:   "Last Year",
			Status: loyalty.CampaignEnded,
			Model:  loyalty.ModelAccumulator,
			Reward: loyalty.RewardRule{
				RewardGoal:           100,
				AllocationWindowDays: 7,
			},
		},
	}
}

type apiHarness struct {
	store   *loyaltystore.Memory
	handler *Handler
	router  http.Handler
}

func newAPIHarness() *apiHarness {
	store := loyaltystore.NewMemory()
	h := NewHandler(store, store, testCampaigns())
	h.Processor.Now = func() time.Time { return apiTestNow }
	return &apiHarness{store: store, handler: h, router: NewRouter(h)}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func txnBody(id string, amount int64) TransactionRequest {
	return TransactionRequest{
		ID:              id,
		AccountHolderID: "holder-1",
		CampaignID:      "points",
		Amount:          amount,
		OccurredAt:      apiTestNow.Format(time.RFC3339),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestProcessTransaction_EarnWithPending(t *testing.T) {
	// GIVEN a fresh holder on an accumulator campaign with goal 250
	h := newAPIHarness()

	// WHEN a 400-unit transaction is posted
	rec := h.do(t, http.MethodPost, "/api/transactions", txnBody("tx-1", 400))

	// THEN the adjustment applies, one reward unit is pending, and the
	// pending cost is already withheld from the reported balance
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TransactionResponse](t, rec)
	assert.Equal(t, "tx-1", resp.TransactionID)
	assert.True(t, resp.Eligible)
	assert.Equal(t, int64(400), resp.Adjustment)
	require.NotNil(t, resp.NewBalance)
	assert.Equal(t, int64(150), *resp.NewBalance)
	require.NotNil(t, resp.Pending)
	assert.Equal(t, int64(1), resp.Pending.Count)
	assert.Equal(t, int64(250), resp.Pending.TotalCostToUser)
	assert.Nil(t, resp.Refund)
}

func TestProcessTransaction_Duplicate(t *testing.T) {
	h := newAPIHarness()
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/transactions", txnBody("tx-1", 100)).Code)

	// Same transaction ID again conflicts and moves nothing.
	rec := h.do(t, http.MethodPost, "/api/transactions", txnBody("tx-1", 100))
	assert.Equal(t, http.StatusConflict, rec.Code)

	row, err := h.store.Balance(context.Background(), "holder-1", "points")
	require.NoError(t, err)
	assert.Equal(t, int64(100), row.Balance)
}

func TestProcessTransaction_RefundReport(t *testing.T) {
	// GIVEN an earn that created a pending bundle
	h := newAPIHarness()
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/transactions", txnBody("tx-1", 400)).Code)

	// WHEN a refund exceeds the remaining balance
	rec := h.do(t, http.MethodPost, "/api/transactions", txnBody("tx-2", -300))

	// THEN the absorption report rides on the response
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TransactionResponse](t, rec)
	require.NotNil(t, resp.Refund)
	assert.True(t, resp.Refund.FullyRecouped)
	assert.Equal(t, int64(150), resp.Refund.Shortfall)
}

func TestProcessTransaction_Validation(t *testing.T) {
	h := newAPIHarness()

	cases := []struct {
		name string
		body TransactionRequest
		want int
	}{
		{"missing id", TransactionRequest{AccountHolderID: "h", CampaignID: "points"}, http.StatusBadRequest},
		{"missing holder", TransactionRequest{ID: "t", CampaignID: "points"}, http.StatusBadRequest},
		{"unknown campaign", TransactionRequest{ID: "t", AccountHolderID: "h", CampaignID: "nope"}, http.StatusNotFound},
		{"bad occurred_at", TransactionRequest{ID: "t", AccountHolderID: "h", CampaignID: "points", OccurredAt: "yesterday"}, http.StatusBadRequest},
		{"terminated campaign", TransactionRequest{ID: "t", AccountHolderID: "h", CampaignID: "ended", Amount: 50}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/transactions", tc.body)
			assert.Equal(t, tc.want, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestProcessTransaction_MalformedBody(t *testing.T) {
	h := newAPIHarness()
	req := httptest.NewRequest(http.MethodPost, "/api/transactions", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HOLDER LOOKUPS
// =============================================================================

func TestGetBalance_NoActivityReadsAsZero(t *testing.T) {
	h := newAPIHarness()

	rec := h.do(t, http.MethodGet, "/api/holders/holder-9/campaigns/points/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	dto := decode[BalanceDTO](t, rec)
	assert.Equal(t, "holder-9", dto.AccountHolderID)
	assert.Equal(t, int64(0), dto.Balance)
}

func TestGetAdjustments_LedgerOrder(t *testing.T) {
	h := newAPIHarness()
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/transactions", txnBody("tx-1", 400)).Code)

	rec := h.do(t, http.MethodGet, "/api/holders/holder-1/campaigns/points/adjustments", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The earn plus the cost-basis withhold, in insertion order.
	dtos := decode[[]AdjustmentDTO](t, rec)
	require.Len(t, dtos, 2)
	assert.Equal(t, int64(400), dtos[0].Delta)
	assert.Equal(t, int64(-250), dtos[1].Delta)
}

func TestGetPendingRewards(t *testing.T) {
	h := newAPIHarness()
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/transactions", txnBody("tx-1", 400)).Code)

	rec := h.do(t, http.MethodGet, "/api/holders/holder-1/campaigns/points/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	dtos := decode[[]PendingRewardDTO](t, rec)
	require.Len(t, dtos, 1)
	assert.Equal(t, int64(1), dtos[0].Count)
	assert.Equal(t, apiTestNow.AddDate(0, 0, 7).Format(time.RFC3339), dtos[0].ConversionDate)
}

func TestGetIssuedRewards(t *testing.T) {
	h := newAPIHarness()
	issued := apiTestNow.AddDate(0, 0, -1)
	expiry := apiTestNow.AddDate(1, 0, 0)
	err := h.store.SaveIssued(context.Background(), loyalty.IssuedReward{
		ID:              "r-1",
		AccountHolderID: "holder-1",
		CampaignID:      "points",
		Code:            "CODE-777",
		IssuedDate:      &issued,
		ExpiryDate:      &expiry,
	}, "card-ref-1")
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/holders/holder-1/campaigns/points/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	dtos := decode[[]IssuedRewardDTO](t, rec)
	require.Len(t, dtos, 1)
	assert.Equal(t, "CODE-777", dtos[0].Code)
	assert.Equal(t, string(loyalty.RewardIssued), dtos[0].Status)
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func TestListCampaigns_Sorted(t *testing.T) {
	h := newAPIHarness()

	rec := h.do(t, http.MethodGet, "/api/campaigns", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	dtos := decode[[]CampaignDTO](t, rec)
	require.Len(t, dtos, 2)
	assert.Equal(t, "ended", dtos[0].ID)
	assert.Equal(t, "points", dtos[1].ID)
}

func TestGetCampaign(t *testing.T) {
	h := newAPIHarness()

	rec := h.do(t, http.MethodGet, "/api/campaigns/points", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[CampaignDTO](t, rec)
	assert.Equal(t, "Spend Points", dto.Name)
	assert.Equal(t, "accumulator", dto.Model)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/campaigns/nope", nil).Code)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness()
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
