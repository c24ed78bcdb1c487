package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
	"github.com/azz-ii/points-redemption-system-sub004/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	testPassword = "step-up-secret"
	admin        = "admin@example.com"
)

type fixture struct {
	ctx context.Context
	eng *engine.Engine
	mem *store.TxMemory
}

// tickingClock advances one second per call so audit ordering is stable.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newFixture(t *testing.T, opts ...func(*engine.Options)) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	o := engine.Options{
		StepUp:             &engine.BcryptStepUp{Hash: hash},
		AutoApproveUngated: true,
		BulkConcurrency:    4,
		LowStockThreshold:  2,
		Clock:              tickingClock(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	mem := store.NewTxMemory()
	eng, err := engine.New(mem, o)
	require.NoError(t, err)
	return &fixture{ctx: context.Background(), eng: eng, mem: mem}
}

// entity creates a holder of type typ with the given starting balance.
func (f *fixture) entity(t *testing.T, typ engine.EntityType, name string, points int64) engine.EntityRef {
	t.Helper()
	e, err := f.eng.CreateEntity(f.ctx, typ, name)
	require.NoError(t, err)
	if points > 0 {
		_, err = f.eng.Ledger.ApplyIndividualSet(f.ctx, e.Ref(), points, admin, "opening balance")
		require.NoError(t, err)
	}
	return e.Ref()
}

func (f *fixture) user(t *testing.T, points int64) engine.EntityRef {
	return f.entity(t, engine.EntityUser, "sales rep", points)
}

func (f *fixture) distributor(t *testing.T, points int64) engine.EntityRef {
	return f.entity(t, engine.EntityDistributor, "acme trading", points)
}

func (f *fixture) item(t *testing.T, name string, stock int64, pointsPerItem int64) *engine.InventoryItem {
	t.Helper()
	it := &engine.InventoryItem{
		Name:          name,
		HasStock:      true,
		Stock:         stock,
		PricingType:   engine.PricingFixed,
		PointsPerItem: decimal.NewFromInt(pointsPerItem),
	}
	require.NoError(t, f.eng.Inventory.Create(f.ctx, it, admin))
	return it
}

func (f *fixture) points(t *testing.T, ref engine.EntityRef) int64 {
	t.Helper()
	e, err := f.eng.Ledger.Balance(f.ctx, ref)
	require.NoError(t, err)
	return e.Points
}

func (f *fixture) stock(t *testing.T, id int64) *engine.InventoryItem {
	t.Helper()
	it, err := f.eng.Inventory.Get(f.ctx, id)
	require.NoError(t, err)
	return it
}

// request creates a self-funded request for the given lines.
func (f *fixture) request(t *testing.T, by engine.EntityRef, gates []engine.GateKind, lines ...engine.LineInput) *engine.Request {
	t.Helper()
	in := engine.CreateRequestInput{
		RequestedBy:        by.ID,
		PointsDeductedFrom: engine.PointsFromSelf,
		Items:              lines,
		Actor:              "rep@example.com",
	}
	for _, g := range gates {
		switch g {
		case engine.GateSales:
			in.RequiresSalesApproval = true
		case engine.GateMarketing:
			in.RequiresMarketingApproval = true
		}
	}
	r, err := f.eng.Requests.Create(f.ctx, in)
	require.NoError(t, err)
	return r
}

func line(itemID, qty int64) engine.LineInput {
	return engine.LineInput{CatalogueItemID: itemID, Quantity: qty}
}

func (f *fixture) audit(t *testing.T, ref engine.EntityRef) []engine.AuditLog {
	t.Helper()
	logs, _, err := f.eng.Ledger.History(f.ctx, ref, engine.PageRequest{PageSize: engine.MaxPageSize})
	require.NoError(t, err)
	return logs
}
