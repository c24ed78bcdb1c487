package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
	"github.com/azz-ii/points-redemption-system-sub004/engine/store"
	"github.com/azz-ii/points-redemption-system-sub004/store/sqlite"
)

// =============================================================================
// BACKENDS - every test here runs against both stores
// =============================================================================

type backend struct {
	name      string
	open      func(t *testing.T) engine.TxStore
	movements func(t *testing.T, s engine.TxStore, itemID int64) []engine.StockMovement
}

var backends = []backend{
	{
		name: "memory",
		open: func(t *testing.T) engine.TxStore { return store.NewTxMemory() },
		movements: func(t *testing.T, s engine.TxStore, itemID int64) []engine.StockMovement {
			return s.(*store.TxMemory).Movements(itemID)
		},
	},
	{
		name: "sqlite",
		open: func(t *testing.T) engine.TxStore {
			db, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		},
		movements: func(t *testing.T, s engine.TxStore, itemID int64) []engine.StockMovement {
			rows, err := s.(*sqlite.Store).Movements(context.Background(), itemID)
			require.NoError(t, err)
			return rows
		},
	},
}

func engineOn(t *testing.T, s engine.TxStore) *engine.Engine {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	eng, err := engine.New(s, engine.Options{
		StepUp:             &engine.BcryptStepUp{Hash: hash},
		AutoApproveUngated: true,
		BulkConcurrency:    4,
		Clock:              tickingClock(),
	})
	require.NoError(t, err)
	return eng
}

func fundedUser(t *testing.T, eng *engine.Engine, name string, points int64) engine.EntityRef {
	t.Helper()
	ctx := context.Background()
	e, err := eng.CreateEntity(ctx, engine.EntityUser, name)
	require.NoError(t, err)
	_, err = eng.Ledger.ApplyIndividualSet(ctx, e.Ref(), points, admin, "opening balance")
	require.NoError(t, err)
	return e.Ref()
}

// race starts n goroutines together and waits for all of them.
func race(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

// =============================================================================
// CONCURRENT WRITERS
// =============================================================================

func TestConcurrentCreate_NeverOvercommitsStock(t *testing.T) {
	// GIVEN: An item with stock 5 and 20 users who can each afford one
	// WHEN: All 20 create a qty-1 request at the same time
	// THEN: Exactly 5 succeed, the rest fail with insufficient stock and committed is 5

	const n, stock = 20, 5
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			eng := engineOn(t, b.open(t))
			it := &engine.InventoryItem{Name: "jacket", HasStock: true, Stock: stock, PointsPerItem: decimal.NewFromInt(10)}
			require.NoError(t, eng.Inventory.Create(ctx, it, admin))

			users := make([]engine.EntityRef, n)
			for i := range users {
				users[i] = fundedUser(t, eng, fmt.Sprintf("rep-%d", i), 100)
			}

			errs := make([]error, n)
			race(n, func(i int) {
				_, errs[i] = eng.Requests.Create(ctx, engine.CreateRequestInput{
					RequestedBy: users[i].ID,
					Items:       []engine.LineInput{line(it.ID, 1)},
					Actor:       "rep@example.com",
				})
			})

			var created, short int
			for _, err := range errs {
				switch {
				case err == nil:
					created++
				case errors.Is(err, engine.ErrInsufficientStock):
					short++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, stock, created)
			assert.Equal(t, n-stock, short)

			got, err := eng.Inventory.Get(ctx, it.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(stock), got.CommittedStock)
			assert.Equal(t, int64(stock), got.Stock)
			assert.Zero(t, got.AvailableStock())

			_, total, err := eng.Requests.List(ctx, engine.RequestFilter{}, engine.PageRequest{})
			require.NoError(t, err)
			assert.Equal(t, stock, total)
		})
	}
}

func TestConcurrentCreate_NeverOverdrawsPoints(t *testing.T) {
	// GIVEN: A user with 30 points and a made-to-order item at 10 points
	// WHEN: Ten requests for that user are created at the same time
	// THEN: Exactly three are held and the balance ends at zero, never below

	const n = 10
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			eng := engineOn(t, b.open(t))
			u := fundedUser(t, eng, "ana", 30)
			it := &engine.InventoryItem{Name: "signage", PointsPerItem: decimal.NewFromInt(10)}
			require.NoError(t, eng.Inventory.Create(ctx, it, admin))

			errs := make([]error, n)
			race(n, func(i int) {
				_, errs[i] = eng.Requests.Create(ctx, engine.CreateRequestInput{
					RequestedBy: u.ID,
					Items:       []engine.LineInput{line(it.ID, 1)},
					Actor:       "rep@example.com",
				})
			})

			var held, short int
			for _, err := range errs {
				switch {
				case err == nil:
					held++
				case errors.Is(err, engine.ErrInsufficientPoints):
					short++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 3, held)
			assert.Equal(t, n-3, short)

			bal, err := eng.Ledger.Balance(ctx, u)
			require.NoError(t, err)
			assert.Zero(t, bal.Points)

			logs, total, err := eng.Ledger.History(ctx, u, engine.PageRequest{PageSize: engine.MaxPageSize})
			require.NoError(t, err)
			assert.Equal(t, 4, total, "opening balance plus three holds")
			for _, l := range logs {
				assert.True(t, l.Consistent())
				assert.GreaterOrEqual(t, l.NewPoints, int64(0))
			}
		})
	}
}

func TestConcurrentMarkItemProcessed_FinalizesOnce(t *testing.T) {
	// GIVEN: An approved request for qty 2 of an item with stock 5
	// WHEN: Ten processors mark the same item at the same time
	// THEN: One processes it, nine see AlreadyProcessed, and there is one FINALIZE movement

	const n = 10
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			eng := engineOn(t, s)
			u := fundedUser(t, eng, "ana", 100)
			it := &engine.InventoryItem{Name: "umbrella", HasStock: true, Stock: 5, PointsPerItem: decimal.NewFromInt(10)}
			require.NoError(t, eng.Inventory.Create(ctx, it, admin))

			r, err := eng.Requests.Create(ctx, engine.CreateRequestInput{
				RequestedBy: u.ID,
				Items:       []engine.LineInput{line(it.ID, 2)},
				Actor:       "rep@example.com",
			})
			require.NoError(t, err)
			require.Equal(t, engine.RequestApproved, r.Status)
			itemID := r.Items[0].ID

			outcomes := make([]engine.ItemOutcome, n)
			errs := make([]error, n)
			race(n, func(i int) {
				outcomes[i], errs[i] = eng.Requests.MarkItemProcessed(ctx, r.ID, itemID, fmt.Sprintf("processor-%d", i))
			})

			counts := make(map[engine.ItemOutcomeStatus]int)
			for i, out := range outcomes {
				assert.NoError(t, errs[i])
				counts[out.Status]++
			}
			assert.Equal(t, 1, counts[engine.ItemProcessed])
			assert.Equal(t, n-1, counts[engine.ItemAlreadyProcessed])

			got, err := eng.Inventory.Get(ctx, it.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.Stock)
			assert.Equal(t, int64(0), got.CommittedStock)

			var finalized int
			for _, mv := range b.movements(t, s, it.ID) {
				if mv.Kind == engine.MovementFinalize {
					finalized++
				}
			}
			assert.Equal(t, 1, finalized)

			bal, err := eng.Ledger.Balance(ctx, u)
			require.NoError(t, err)
			assert.Equal(t, int64(80), bal.Points)

			done, err := eng.Requests.Get(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, engine.Processed, done.ProcessingStatus)
		})
	}
}
