package engine_test

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// =============================================================================
// INDIVIDUAL SET
// =============================================================================

func TestLedger_IndividualSet_RoundTrip(t *testing.T) {
	// GIVEN: A user with 0 points
	// WHEN: Setting the balance to 1200
	// THEN: Reading the balance returns 1200 and one consistent audit row exists

	f := newFixture(t)
	u := f.user(t, 0)

	log, err := f.eng.Ledger.ApplyIndividualSet(f.ctx, u, 1200, admin, "quarterly award")
	require.NoError(t, err)
	require.NotNil(t, log)

	assert.Equal(t, int64(1200), f.points(t, u))
	assert.Equal(t, engine.ActionIndividualSet, log.Action)
	assert.Equal(t, int64(0), log.PreviousPoints)
	assert.Equal(t, int64(1200), log.PointsDelta)
	assert.Equal(t, int64(1200), log.NewPoints)
	assert.True(t, log.Consistent())
	assert.Len(t, f.audit(t, u), 1)
}

func TestLedger_IndividualSet_SameValue_NoRow(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 500)

	log, err := f.eng.Ledger.ApplyIndividualSet(f.ctx, u, 500, admin, "")
	require.NoError(t, err)
	assert.Nil(t, log)
	assert.Len(t, f.audit(t, u), 1, "only the opening balance row")
}

func TestLedger_IndividualSet_Negative_Rejected(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 100)

	_, err := f.eng.Ledger.ApplyIndividualSet(f.ctx, u, -1, admin, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrValidation))
	assert.Equal(t, int64(100), f.points(t, u))
}

func TestLedger_IndividualSet_UnknownEntity(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Ledger.ApplyIndividualSet(f.ctx, engine.EntityRef{Type: engine.EntityUser, ID: 99}, 10, admin, "")
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// BATCH SET
// =============================================================================

func TestLedger_BatchSet_PartialFailure(t *testing.T) {
	// GIVEN: Two distributors
	// WHEN: A batch sets both, a negative value, an unknown id and a duplicate
	// THEN: Valid rows apply; every bad row is reported and changed nothing

	f := newFixture(t)
	a := f.distributor(t, 10)
	b := f.distributor(t, 20)

	report, err := f.eng.Ledger.BatchSet(f.ctx, engine.EntityDistributor, []engine.PointsUpdate{
		{ID: a.ID, Points: 100},
		{ID: b.ID, Points: -5},
		{ID: 404, Points: 1},
		{ID: a.ID, Points: 7},
	}, admin, "re-sync")
	require.NoError(t, err)

	assert.Equal(t, []int64{a.ID}, report.UpdatedIDs)
	assert.Equal(t, 3, report.FailedCount())
	assert.Equal(t, int64(100), f.points(t, a))
	assert.Equal(t, int64(20), f.points(t, b))
}

func TestLedger_BatchSet_UnchangedRowsSkipped(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, 40)

	report, err := f.eng.Ledger.BatchSet(f.ctx, engine.EntityUser, []engine.PointsUpdate{{ID: a.ID, Points: 40}}, admin, "")
	require.NoError(t, err)
	assert.Empty(t, report.UpdatedIDs)
	assert.Equal(t, []int64{a.ID}, report.SkippedIDs)
	assert.Equal(t, 0, report.FailedCount())
}

// =============================================================================
// BULK DELTA
// =============================================================================

func TestLedger_BulkDelta_PartialFailure(t *testing.T) {
	// GIVEN: Distributors A=1000, B=300, C=800
	// WHEN: applyBulkDelta([A,B,C], -500)
	// THEN: B fails with insufficient points; A and C get the delta and share a batch id

	f := newFixture(t)
	a := f.distributor(t, 1000)
	b := f.distributor(t, 300)
	c := f.distributor(t, 800)

	report, err := f.eng.Ledger.ApplyBulkDelta(f.ctx, []engine.EntityRef{a, b, c}, -500, admin, testPassword)
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, b.ID, report.Failed[0].ID)
	assert.True(t, errors.Is(report.Failed[0].Err, engine.ErrInsufficientPoints))
	assert.ElementsMatch(t, []int64{a.ID, c.ID}, report.UpdatedIDs)
	assert.NotEmpty(t, report.BatchID)

	assert.Equal(t, int64(500), f.points(t, a))
	assert.Equal(t, int64(300), f.points(t, b))
	assert.Equal(t, int64(300), f.points(t, c))

	for _, ref := range []engine.EntityRef{a, c} {
		latest := f.audit(t, ref)[0]
		assert.Equal(t, engine.ActionBulkDelta, latest.Action)
		assert.Equal(t, report.BatchID, latest.BatchID)
		assert.Equal(t, int64(-500), latest.PointsDelta)
	}
	assert.Equal(t, engine.ActionIndividualSet, f.audit(t, b)[0].Action, "no row for the failed entity")
}

func TestLedger_BulkDelta_WrongPassword_TouchesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, 50)

	_, err := f.eng.Ledger.ApplyBulkDelta(f.ctx, []engine.EntityRef{a}, 10, admin, "guess")
	assert.True(t, errors.Is(err, engine.ErrUnauthorized))

	_, err = f.eng.Ledger.ApplyBulkDelta(f.ctx, []engine.EntityRef{a}, 10, admin, "")
	assert.True(t, errors.Is(err, engine.ErrUnauthorized))

	assert.Equal(t, int64(50), f.points(t, a))
	assert.Len(t, f.audit(t, a), 1)
}

func TestLedger_BulkDelta_DuplicateRefsAppliedOnce(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, 50)

	report, err := f.eng.Ledger.ApplyBulkDelta(f.ctx, []engine.EntityRef{a, a}, 25, admin, testPassword)
	require.NoError(t, err)
	assert.Equal(t, 1, report.UpdatedCount())
	assert.Equal(t, int64(75), f.points(t, a))
}

func TestLedger_BulkDelta_OverflowIsValidationError(t *testing.T) {
	// GIVEN: A user near the top of the points range
	// WHEN: A bulk delta would push the balance past it
	// THEN: The entity fails with a validation error, not insufficient points

	f := newFixture(t)
	a := f.user(t, math.MaxInt64-5)

	report, err := f.eng.Ledger.ApplyBulkDelta(f.ctx, []engine.EntityRef{a}, 10, admin, testPassword)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.True(t, errors.Is(report.Failed[0].Err, engine.ErrValidation))
	assert.False(t, errors.Is(report.Failed[0].Err, engine.ErrInsufficientPoints))
	assert.Equal(t, int64(math.MaxInt64-5), f.points(t, a))
	assert.Len(t, f.audit(t, a), 1)
}

func TestLedger_BulkDelta_ZeroDeltaRejected(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, 50)

	_, err := f.eng.Ledger.ApplyBulkDelta(f.ctx, []engine.EntityRef{a}, 0, admin, testPassword)
	assert.True(t, errors.Is(err, engine.ErrValidation))
}

// =============================================================================
// RESET ALL
// =============================================================================

func TestLedger_ResetAll_OneRowPerEntity(t *testing.T) {
	// GIVEN: Three users, one already at zero
	// WHEN: Resetting all user points
	// THEN: Every user gets one BULK_RESET row; the zero balance gets a zero-delta row

	f := newFixture(t)
	a := f.user(t, 120)
	zero := f.user(t, 0)
	c := f.user(t, 9)
	d := f.distributor(t, 70)

	report, err := f.eng.Ledger.ResetAll(f.ctx, engine.EntityUser, admin, testPassword)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{a.ID, zero.ID, c.ID}, report.UpdatedIDs)
	assert.Empty(t, report.SkippedIDs)
	assert.Equal(t, 0, report.FailedCount())

	assert.Equal(t, int64(0), f.points(t, a))
	assert.Equal(t, int64(0), f.points(t, c))
	assert.Equal(t, int64(70), f.points(t, d), "other entity types untouched")

	reset := f.audit(t, a)[0]
	assert.Equal(t, engine.ActionBulkReset, reset.Action)
	assert.Equal(t, int64(-120), reset.PointsDelta)
	assert.Equal(t, report.BatchID, reset.BatchID)

	zeroRows := f.audit(t, zero)
	require.Len(t, zeroRows, 1)
	assert.Equal(t, engine.ActionBulkReset, zeroRows[0].Action)
	assert.Equal(t, int64(0), zeroRows[0].PointsDelta)
	assert.Equal(t, int64(0), zeroRows[0].NewPoints)
	assert.Equal(t, report.BatchID, zeroRows[0].BatchID)
}

func TestLedger_ResetAll_PagesThroughEveryEntity(t *testing.T) {
	f := newFixture(t)
	const n = 230
	for i := 0; i < n; i++ {
		f.entity(t, engine.EntityCustomer, fmt.Sprintf("customer-%d", i), int64(i%3))
	}

	report, err := f.eng.Ledger.ResetAll(f.ctx, engine.EntityCustomer, admin, testPassword)
	require.NoError(t, err)
	assert.Equal(t, n, report.TotalAffected())

	stats, err := f.eng.DashboardStats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PointsOutstanding[engine.EntityCustomer])
}

func TestLedger_ResetAll_RequiresPassword(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, 10)

	_, err := f.eng.Ledger.ResetAll(f.ctx, engine.EntityUser, admin, "nope")
	assert.True(t, errors.Is(err, engine.ErrUnauthorized))
	assert.Equal(t, int64(10), f.points(t, a))
}

// =============================================================================
// HISTORY
// =============================================================================

func TestLedger_History_NewestFirstAndReplays(t *testing.T) {
	// GIVEN: A sequence of sets and deltas on one entity
	// WHEN: Reading its history
	// THEN: Rows come newest first and chain previous -> new without gaps

	f := newFixture(t)
	u := f.user(t, 100)
	_, err := f.eng.Ledger.ApplyIndividualSet(f.ctx, u, 250, admin, "")
	require.NoError(t, err)
	_, err = f.eng.Ledger.ApplyBulkDelta(f.ctx, []engine.EntityRef{u}, -50, admin, testPassword)
	require.NoError(t, err)

	logs := f.audit(t, u)
	require.Len(t, logs, 3)
	assert.Equal(t, engine.ActionBulkDelta, logs[0].Action)
	assert.Equal(t, engine.ActionIndividualSet, logs[2].Action)

	var balance int64
	for i := len(logs) - 1; i >= 0; i-- {
		assert.Equal(t, balance, logs[i].PreviousPoints)
		assert.True(t, logs[i].Consistent())
		balance = logs[i].NewPoints
	}
	assert.Equal(t, f.points(t, u), balance)
}

func TestLedger_History_Paginates(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, 0)
	for i := int64(1); i <= 5; i++ {
		_, err := f.eng.Ledger.ApplyIndividualSet(f.ctx, u, i*10, admin, "")
		require.NoError(t, err)
	}

	page, total, err := f.eng.Ledger.History(f.ctx, u, engine.PageRequest{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(30), page[0].NewPoints)
	assert.Equal(t, int64(20), page[1].NewPoints)
}
