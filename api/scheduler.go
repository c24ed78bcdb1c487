/*
scheduler.go - Periodic dashboard gauge refresh

PURPOSE:
  Periodically reads the dashboard aggregates and publishes them as
  Prometheus gauges, so alerts can fire on a growing approval backlog or
  low stock without anyone opening the dashboard.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on Start
  - Each refresh has its own timeout; a failed refresh is logged and the
    previous gauge values stay

USAGE:
  s := NewStatsScheduler(eng)
  s.Start()
  // ... later
  s.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

var (
	requestsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redemption_requests",
		Help: "Redemption requests by dashboard bucket",
	}, []string{"bucket"})

	pointsOutstandingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redemption_points_outstanding",
		Help: "Sum of points balances by entity type",
	}, []string{"entity_type"})

	lowStockGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redemption_low_stock_items",
		Help: "Active stock-tracked items at or below the low stock threshold",
	})
)

// StatsScheduler refreshes dashboard gauges on an interval.
type StatsScheduler struct {
	Engine   *engine.Engine
	Interval time.Duration
	Timeout  time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewStatsScheduler(eng *engine.Engine) *StatsScheduler {
	return &StatsScheduler{
		Engine:   eng,
		Interval: time.Minute,
		Timeout:  10 * time.Second,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *StatsScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	zap.L().Info("stats scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for an in-flight refresh.
func (s *StatsScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	zap.L().Info("stats scheduler stopped")
}

func (s *StatsScheduler) run() {
	defer s.wg.Done()

	s.Refresh()
	for {
		select {
		case <-s.ticker.C:
			s.Refresh()
		case <-s.stop:
			return
		}
	}
}

// Refresh reads the aggregates once and publishes them.
func (s *StatsScheduler) Refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	stats, err := s.Engine.DashboardStats(ctx)
	if err != nil {
		zap.L().Error("refresh dashboard stats", zap.Error(err))
		return
	}

	requestsGauge.WithLabelValues("pending").Set(float64(stats.PendingRequests))
	requestsGauge.WithLabelValues("approved_unprocessed").Set(float64(stats.ApprovedUnprocessed))
	requestsGauge.WithLabelValues("processed").Set(float64(stats.ProcessedRequests))
	requestsGauge.WithLabelValues("rejected").Set(float64(stats.RejectedRequests))
	requestsGauge.WithLabelValues("cancelled").Set(float64(stats.CancelledRequests))
	for t, v := range stats.PointsOutstanding {
		pointsOutstandingGauge.WithLabelValues(string(t)).Set(float64(v))
	}
	lowStockGauge.Set(float64(stats.LowStockItems))

	if stats.LowStockItems > 0 {
		zap.L().Warn("catalogue items low on stock", zap.Int("items", stats.LowStockItems))
	}
}
