/*
handlers_test.go - HTTP tests for the redemption API

Tests for:
- Middleware: CSRF double submit, actor header, rate limiting
- Error mapping (statusFor)
- Points holders, catalogue and the request lifecycle end to end over SQLite
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
	"github.com/azz-ii/points-redemption-system-sub004/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	testPassword = "step-up-secret"
	testToken    = "test-csrf-token"
	testActor    = "admin"
)

type testServer struct {
	router *chi.Mux
	eng    *engine.Engine
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	eng, err := engine.New(store, engine.Options{
		StepUp:             &engine.BcryptStepUp{Hash: hash},
		AutoApproveUngated: true,
		NodeID:             1,
		LowStockThreshold:  2,
	})
	require.NoError(t, err)

	router, err := NewRouter(NewHandler(eng), opts)
	require.NoError(t, err)
	return &testServer{router: router, eng: eng}
}

func defaultOptions() RouterOptions {
	return RouterOptions{CSRF: true, BulkRateLimit: "1000-M"}
}

// do sends a request with the actor header and a matching CSRF pair.
func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, testActor)
	req.Header.Set(csrfHeader, testToken)
	req.AddCookie(&http.Cookie{Name: csrfCookie, Value: testToken})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) user(t *testing.T, name string, points int64) EntityDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/users/", CreateEntityRequest{Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	e := decode[EntityDTO](t, rec)
	if points > 0 {
		rec = s.do(t, http.MethodPut, fmt.Sprintf("/api/users/%d/points", e.ID), map[string]any{"points": points})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		e = decode[SetPointsResponse](t, rec).Entity
	}
	return e
}

func (s *testServer) item(t *testing.T, name string, stock int64, ppi string) CatalogueItemDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/catalogue/", map[string]any{
		"name": name, "stock": stock, "points_per_item": ppi,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CatalogueItemDTO](t, rec)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCSRF_DoubleSubmit(t *testing.T) {
	// GIVEN: CSRF protection is on
	// WHEN: A POST arrives without the token, then with a token from /api/csrf
	// THEN: The first is forbidden, the second succeeds

	s := newTestServer(t, defaultOptions())

	req := httptest.NewRequest(http.MethodPost, "/api/users/", bytes.NewBufferString(`{"name":"ana"}`))
	req.Header.Set(actorHeader, testActor)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	token := decode[map[string]string](t, rec)["csrf_token"]
	assert.Equal(t, cookies[0].Value, token)

	req = httptest.NewRequest(http.MethodPost, "/api/users/", bytes.NewBufferString(`{"name":"ana"}`))
	req.Header.Set(actorHeader, testActor)
	req.Header.Set(csrfHeader, token)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/users/", bytes.NewBufferString(`{"name":"ben"}`))
	req.Header.Set(csrfHeader, "forged")
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMutationsRequireActor(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	u := s.user(t, "ana", 0)

	req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/api/users/%d/points", u.ID), bytes.NewBufferString(`{"points":5}`))
	req.Header.Set(csrfHeader, testToken)
	req.AddCookie(&http.Cookie{Name: csrfCookie, Value: testToken})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulkRoutesAreRateLimited(t *testing.T) {
	// GIVEN: A bulk rate limit of 2 per minute
	// WHEN: Calling a bulk route three times from one client
	// THEN: The third call gets 429 and changes nothing

	s := newTestServer(t, RouterOptions{CSRF: true, BulkRateLimit: "2-M"})
	u := s.user(t, "ana", 100)
	body := BulkPointsRequest{IDs: []int64{u.ID}, Delta: 10, Password: testPassword}

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/api/users/bulk_update_points", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := s.do(t, http.MethodPost, "/api/users/bulk_update_points", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d", u.ID), nil)
	assert.Equal(t, int64(120), decode[EntityDTO](t, rec).Points)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&engine.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", engine.ErrUnauthorized), http.StatusUnauthorized},
		{fmt.Errorf("request 9: %w", engine.ErrNotFound), http.StatusNotFound},
		{&engine.InsufficientStockError{ItemID: 1}, http.StatusConflict},
		{&engine.InsufficientPointsError{}, http.StatusConflict},
		{engine.ErrInvalidState, http.StatusConflict},
		{engine.ErrAlreadyFinalized, http.StatusConflict},
		{engine.ErrConcurrentModification, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), "%v", tc.err)
	}
}

// =============================================================================
// POINTS HOLDERS
// =============================================================================

func TestSetPoints_AuditAndNoop(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	u := s.user(t, "ana", 0)
	path := fmt.Sprintf("/api/users/%d/points", u.ID)

	rec := s.do(t, http.MethodPut, path, map[string]any{"points": 250, "reason": "opening"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SetPointsResponse](t, rec)
	assert.Equal(t, int64(250), resp.Entity.Points)
	require.NotNil(t, resp.Audit)
	assert.Equal(t, "INDIVIDUAL_SET", resp.Audit.ActionType)
	assert.Equal(t, int64(250), resp.Audit.PointsDelta)

	rec = s.do(t, http.MethodPut, path, map[string]any{"points": 250})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[SetPointsResponse](t, rec).Audit, "same value writes no row")

	rec = s.do(t, http.MethodPut, path, map[string]any{"points": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/users/999/points", map[string]any{"points": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/points-audit?entity_type=user&entity_id=%d", u.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[PageResponse[AuditLogDTO]](t, rec)
	assert.Equal(t, 1, page.Count)
}

func TestBatchUpdatePoints_PartialFailure(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	a := s.user(t, "ana", 0)
	b := s.user(t, "ben", 0)

	rec := s.do(t, http.MethodPost, "/api/users/batch_update_points", BatchPointsRequest{
		Updates: []PointsUpdateDTO{{ID: a.ID, Points: 10}, {ID: b.ID, Points: -5}, {ID: 404, Points: 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	assert.Equal(t, 1, resp.UpdatedCount)
	assert.Equal(t, 2, resp.FailedCount)
	assert.Equal(t, []int64{a.ID}, resp.UpdatedIDs)
}

func TestBulkUpdatePoints_StepUp(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	a := s.user(t, "ana", 1000)
	b := s.user(t, "ben", 300)

	rec := s.do(t, http.MethodPost, "/api/users/bulk_update_points", BulkPointsRequest{IDs: []int64{a.ID}, Delta: -1, Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/users/bulk_update_points", BulkPointsRequest{IDs: []int64{a.ID, b.ID}, Delta: -500, Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	assert.Equal(t, []int64{a.ID}, resp.UpdatedIDs)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, b.ID, resp.Failed[0].ID)
	assert.NotEmpty(t, resp.BatchID)
}

func TestResetAllPoints(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	a := s.user(t, "ana", 70)
	b := s.user(t, "ben", 0)

	rec := s.do(t, http.MethodPost, "/api/dashboard/reset-all-points", ResetPointsRequest{EntityType: "USER", Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, resp.UpdatedIDs)
	assert.Equal(t, 0, resp.SkippedCount)
	assert.Equal(t, 2, resp.TotalAffected)
}

func TestListEntities_Pagination(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	for i := 0; i < 5; i++ {
		s.user(t, fmt.Sprintf("user-%d", i), 0)
	}

	rec := s.do(t, http.MethodGet, "/api/users/?page=2&page_size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[PageResponse[EntityDTO]](t, rec)
	assert.Equal(t, 5, page.Count)
	assert.Len(t, page.Results, 2)
	require.NotNil(t, page.Next)
	require.NotNil(t, page.Previous)
	assert.Contains(t, *page.Next, "page=3")
	assert.Contains(t, *page.Previous, "page=1")

	rec = s.do(t, http.MethodGet, "/api/users/?page=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CATALOGUE
// =============================================================================

func TestCatalogue_CreateAndStock(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	it := s.item(t, "umbrella", 10, "40")
	assert.True(t, it.HasStock)
	assert.Equal(t, int64(10), it.AvailableStock)

	rec := s.do(t, http.MethodPost, "/api/inventory/batch_update_stock", BatchStockRequest{
		Updates: []StockUpdateDTO{{ID: it.ID, Stock: 15}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/inventory/bulk_update_stock", BulkStockRequest{Delta: 5, Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bulk := decode[BatchResponse](t, rec)
	assert.Equal(t, 1, bulk.UpdatedCount)
	assert.Equal(t, 0, bulk.FailedCount)
	assert.Equal(t, 1, bulk.TotalAffected)
	assert.Contains(t, rec.Body.String(), `"total_affected":1`)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/catalogue/%d", it.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(20), decode[CatalogueItemDTO](t, rec).Stock)

	rec = s.do(t, http.MethodPost, "/api/catalogue/", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/catalogue/", map[string]any{"name": "x", "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

// =============================================================================
// REQUEST LIFECYCLE
// =============================================================================

func TestRequestLifecycle(t *testing.T) {
	// GIVEN: A user with 1000 points and a shirt with 5 in stock
	// WHEN: A sales-gated request for 2 shirts is created, approved and processed
	// THEN: Points are held at creation, stock is committed then consumed,
	//       and a repeat process call reports already_processed

	s := newTestServer(t, defaultOptions())
	u := s.user(t, "ana", 1000)
	shirt := s.item(t, "shirt", 5, "100")

	rec := s.do(t, http.MethodPost, "/api/redemption-requests/", CreateRedemptionRequest{
		RequestedBy:           u.ID,
		RequiresSalesApproval: true,
		Items:                 []LineItemRequest{{CatalogueItemID: shirt.ID, Quantity: 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[RequestDTO](t, rec)
	assert.Equal(t, "PENDING", created.Status)
	assert.True(t, created.RequiresSalesApproval)
	assert.Equal(t, "PENDING", created.SalesApprovalStatus)
	assert.False(t, created.RequiresMarketingApproval)
	assert.Equal(t, int64(200), created.TotalPoints)
	assert.Equal(t, "SELF", created.PointsDeductedFrom)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/catalogue/%d", shirt.ID), nil)
	assert.Equal(t, int64(2), decode[CatalogueItemDTO](t, rec).CommittedStock)

	base := fmt.Sprintf("/api/redemption-requests/%d", created.ID)
	rec = s.do(t, http.MethodPost, base+"/decisions", DecisionRequest{Channel: "sales", Decision: "approved"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[RequestDTO](t, rec)
	assert.Equal(t, "APPROVED", approved.Status)
	assert.Equal(t, testActor, approved.SalesApprovedBy)
	require.NotNil(t, approved.SalesApprovalDate)

	rec = s.do(t, http.MethodPost, base+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	processed := decode[ProcessResponse](t, rec)
	assert.Equal(t, 1, processed.ProcessedCount)
	assert.True(t, processed.Results[0].RequestProcessed)

	itemPath := fmt.Sprintf("%s/items/%d/process", base, created.Items[0].ID)
	rec = s.do(t, http.MethodPost, itemPath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "already_processed", decode[ItemOutcomeDTO](t, rec).Status)

	rec = s.do(t, http.MethodGet, base, nil)
	final := decode[RequestDTO](t, rec)
	assert.Equal(t, "PROCESSED", final.ProcessingStatus)
	require.NotNil(t, final.ProcessedAt)

	rec = s.do(t, http.MethodPost, base+"/cancel", CancelRequest{Reason: "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d", u.ID), nil)
	assert.Equal(t, int64(800), decode[EntityDTO](t, rec).Points)

	rec = s.do(t, http.MethodGet, "/api/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsDTO](t, rec)
	assert.Equal(t, 1, stats.ProcessedRequests)
	assert.Equal(t, int64(800), stats.PointsOutstanding["USER"])
}

func TestCreateRequest_Errors(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	u := s.user(t, "ana", 50)
	mug := s.item(t, "mug", 1, "10")

	rec := s.do(t, http.MethodPost, "/api/redemption-requests/", CreateRedemptionRequest{
		RequestedBy: u.ID,
		Items:       []LineItemRequest{{CatalogueItemID: mug.ID, Quantity: 2}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "insufficient stock")

	rec = s.do(t, http.MethodPost, "/api/redemption-requests/", CreateRedemptionRequest{
		RequestedBy: u.ID,
		Items:       []LineItemRequest{{CatalogueItemID: mug.ID, Quantity: 0}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/redemption-requests/77", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectAndCancel_ReturnStockAndPoints(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	u := s.user(t, "ana", 500)
	hat := s.item(t, "cap", 4, "50")

	create := func() RequestDTO {
		rec := s.do(t, http.MethodPost, "/api/redemption-requests/", CreateRedemptionRequest{
			RequestedBy:               u.ID,
			RequiresMarketingApproval: true,
			Items:                     []LineItemRequest{{CatalogueItemID: hat.ID, Quantity: 2}},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decode[RequestDTO](t, rec)
	}

	first := create()
	rec := s.do(t, http.MethodPost, fmt.Sprintf("/api/redemption-requests/%d/decisions", first.ID),
		DecisionRequest{Channel: "MARKETING", Decision: "REJECTED"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "rejection needs a reason")

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/redemption-requests/%d/decisions", first.ID),
		DecisionRequest{Channel: "MARKETING", Decision: "REJECTED", Reason: "off brand"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rejected := decode[RequestDTO](t, rec)
	assert.Equal(t, "REJECTED", rejected.Status)
	assert.Equal(t, "off brand", rejected.MarketingRejectionReason)

	second := create()
	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/redemption-requests/%d/cancel", second.ID), CancelRequest{Reason: "changed mind"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decode[RequestDTO](t, rec).ProcessingStatus)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/catalogue/%d", hat.ID), nil)
	item := decode[CatalogueItemDTO](t, rec)
	assert.Equal(t, int64(0), item.CommittedStock)
	assert.Equal(t, int64(4), item.Stock)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d", u.ID), nil)
	assert.Equal(t, int64(500), decode[EntityDTO](t, rec).Points)

	rec = s.do(t, http.MethodGet, "/api/redemption-requests/?status=rejected", nil)
	page := decode[PageResponse[RequestDTO]](t, rec)
	require.Equal(t, 1, page.Count)
	assert.Equal(t, first.ID, page.Results[0].ID)
}

func TestProcessItems_AcrossRequests(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	u := s.user(t, "ana", 1000)
	pen := s.item(t, "pen", 10, "5")

	var refs []ItemRefDTO
	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/api/redemption-requests/", CreateRedemptionRequest{
			RequestedBy: u.ID,
			Items:       []LineItemRequest{{CatalogueItemID: pen.ID, Quantity: 1}},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		r := decode[RequestDTO](t, rec)
		assert.Equal(t, "APPROVED", r.Status, "ungated requests auto-approve")
		refs = append(refs, ItemRefDTO{RequestID: r.ID, ItemID: r.Items[0].ID})
	}
	refs = append(refs, ItemRefDTO{RequestID: 999, ItemID: 1})

	rec := s.do(t, http.MethodPost, "/api/redemption-requests/process-items", ProcessItemsRequest{Items: refs})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ProcessResponse](t, rec)
	assert.Equal(t, 2, resp.ProcessedCount)
	assert.Equal(t, 1, resp.FailedCount)
	assert.Equal(t, "failed", resp.Results[2].Status)

	rec = s.do(t, http.MethodPost, "/api/redemption-requests/process-items", ProcessItemsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
