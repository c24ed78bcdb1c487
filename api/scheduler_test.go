package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsScheduler_RefreshPublishesGauges(t *testing.T) {
	// GIVEN: A pending gated request and one item at the low stock threshold
	// WHEN: The scheduler refreshes
	// THEN: The gauges mirror the dashboard stats

	s := newTestServer(t, defaultOptions())
	u := s.user(t, "ana", 1000)
	mug := s.item(t, "mug", 3, "10")
	rec := s.do(t, http.MethodPost, "/api/redemption-requests/", CreateRedemptionRequest{
		RequestedBy:           u.ID,
		RequiresSalesApproval: true,
		Items:                 []LineItemRequest{{CatalogueItemID: mug.ID, Quantity: 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sched := NewStatsScheduler(s.eng)
	sched.Refresh()

	assert.Equal(t, float64(1), testutil.ToFloat64(requestsGauge.WithLabelValues("pending")))
	assert.Equal(t, float64(1), testutil.ToFloat64(lowStockGauge))
	assert.Equal(t, float64(990), testutil.ToFloat64(pointsOutstandingGauge.WithLabelValues("USER")))
}

func TestStatsScheduler_StartStop(t *testing.T) {
	s := newTestServer(t, defaultOptions())
	sched := NewStatsScheduler(s.eng)
	sched.Interval = 10 * time.Millisecond

	sched.Start()
	sched.Start()
	time.Sleep(30 * time.Millisecond)
	sched.Stop()
	sched.Stop()
}
