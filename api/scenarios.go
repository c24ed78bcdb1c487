/*
scenarios.go - Demo scenario loaders for local runs and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the engine with realistic
	data so the dashboard has something to show. Each scenario creates
	points holders, catalogue items and requests through the engine, so
	every row carries a proper audit trail.

AVAILABLE SCENARIOS:

	catalogue-basics:  Users and distributors with points, a mixed catalogue
	approval-backlog:  catalogue-basics plus gated requests awaiting decisions
	low-stock:         Items nearly sold out, with stock committed to requests

HOW SCENARIOS WORK:
 1. Create points holders and give them opening balances
 2. Create catalogue items (fixed, dynamic, made to order)
 3. Optionally create requests that hold points and commit stock

Scenarios never reset anything: ledgers are append-only, so loading adds
data next to what is already there.

USAGE VIA API (only mounted when demo scenarios are enabled):

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "approval-backlog"}

SEE ALSO:
  - server.go: RouterOptions.Scenarios
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO `json:"scenario"`
	Entities int         `json:"entities"`
	Items    int         `json:"items"`
	Requests int         `json:"requests"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "catalogue-basics",
		Name:        "Catalogue Basics",
		Description: "Sales users and distributors with points, and a mixed catalogue",
	},
	{
		ID:          "approval-backlog",
		Name:        "Approval Backlog",
		Description: "Gated requests waiting on sales and marketing decisions",
	},
	{
		ID:          "low-stock",
		Name:        "Low Stock",
		Description: "Nearly sold out items with stock committed to open requests",
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds one scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := LoadScenario(r.Context(), h.Engine, req.ScenarioID, actor)
	if err != nil {
		respondError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// LoadScenario seeds the named scenario through the engine.
func LoadScenario(ctx context.Context, eng *engine.Engine, id, actor string) (*LoadScenarioResponse, error) {
	s := &seeder{ctx: ctx, eng: eng, actor: actor}
	switch id {
	case "catalogue-basics":
		s.basics()
	case "approval-backlog":
		s.basics()
		s.backlog()
	case "low-stock":
		s.lowStock()
	default:
		return nil, &engine.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id)}
	}
	if s.err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, s.err)
	}

	resp := &LoadScenarioResponse{Entities: s.entities, Items: s.items, Requests: s.requests}
	for _, sc := range scenarios {
		if sc.ID == id {
			resp.Scenario = sc
		}
	}
	return resp, nil
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder stops at the first error; later calls become no-ops.
type seeder struct {
	ctx   context.Context
	eng   *engine.Engine
	actor string
	err   error

	users        []*engine.Entity
	distributors []*engine.Entity
	catalogue    []*engine.InventoryItem

	entities, items, requests int
}

func (s *seeder) entity(t engine.EntityType, name string, points int64) *engine.Entity {
	if s.err != nil {
		return nil
	}
	e, err := s.eng.CreateEntity(s.ctx, t, name)
	if err != nil {
		s.err = err
		return nil
	}
	if points > 0 {
		if _, err := s.eng.Ledger.ApplyIndividualSet(s.ctx, e.Ref(), points, s.actor, "opening balance"); err != nil {
			s.err = err
			return nil
		}
	}
	s.entities++
	return e
}

func (s *seeder) item(it engine.InventoryItem) *engine.InventoryItem {
	if s.err != nil {
		return nil
	}
	if err := s.eng.Inventory.Create(s.ctx, &it, s.actor); err != nil {
		s.err = err
		return nil
	}
	s.items++
	s.catalogue = append(s.catalogue, &it)
	return &it
}

func (s *seeder) request(in engine.CreateRequestInput) *engine.Request {
	if s.err != nil {
		return nil
	}
	in.Actor = s.actor
	r, err := s.eng.Requests.Create(s.ctx, in)
	if err != nil {
		s.err = err
		return nil
	}
	s.requests++
	return r
}

func (s *seeder) basics() {
	s.users = append(s.users,
		s.entity(engine.EntityUser, "Maria Santos", 2500),
		s.entity(engine.EntityUser, "Jose Reyes", 1200),
	)
	s.distributors = append(s.distributors,
		s.entity(engine.EntityDistributor, "Northpoint Trading", 10000),
		s.entity(engine.EntityDistributor, "Eastbay Supplies", 4000),
	)
	s.entity(engine.EntityCustomer, "Walk-in Hardware", 300)

	s.item(engine.InventoryItem{Name: "Branded Polo Shirt", HasStock: true, Stock: 40, PointsPerItem: decimal.NewFromInt(150)})
	s.item(engine.InventoryItem{Name: "Insulated Tumbler", HasStock: true, Stock: 25, PointsPerItem: decimal.NewFromInt(90), MaxOrderQty: 10})
	s.item(engine.InventoryItem{Name: "Tarpaulin Print (per sq ft)", PricingType: engine.PricingDynamic, PointsPerItem: decimal.RequireFromString("2.5")})
	s.item(engine.InventoryItem{Name: "Custom Store Signage", PointsPerItem: decimal.NewFromInt(1800)})
}

func (s *seeder) backlog() {
	if s.err != nil || len(s.catalogue) < 3 {
		return
	}
	polo, tumbler, tarp := s.catalogue[0], s.catalogue[1], s.catalogue[2]
	area := decimal.NewFromInt(24)

	s.request(engine.CreateRequestInput{
		RequestedBy:           s.users[0].ID,
		RequiresSalesApproval: true,
		Remarks:               "Store opening giveaways",
		Items:                 []engine.LineInput{{CatalogueItemID: polo.ID, Quantity: 5}},
	})
	s.request(engine.CreateRequestInput{
		RequestedBy:               s.users[1].ID,
		RequestedFor:              s.distributors[0].ID,
		PointsDeductedFrom:        engine.PointsFromDistributor,
		RequiresSalesApproval:     true,
		RequiresMarketingApproval: true,
		Items: []engine.LineInput{
			{CatalogueItemID: tumbler.ID, Quantity: 4},
			{CatalogueItemID: tarp.ID, Quantity: 1, DynamicQuantity: &area},
		},
	})
	s.request(engine.CreateRequestInput{
		RequestedBy:               s.users[0].ID,
		RequestedFor:              s.distributors[1].ID,
		PointsDeductedFrom:        engine.PointsFromDistributor,
		RequiresMarketingApproval: true,
		Items:                     []engine.LineInput{{CatalogueItemID: tarp.ID, Quantity: 2, DynamicQuantity: &area}},
	})
}

func (s *seeder) lowStock() {
	u := s.entity(engine.EntityUser, "Ana Cruz", 3000)
	capItem := s.item(engine.InventoryItem{Name: "Embroidered Cap", HasStock: true, Stock: 4, PointsPerItem: decimal.NewFromInt(120)})
	s.item(engine.InventoryItem{Name: "Umbrella", HasStock: true, Stock: 1, PointsPerItem: decimal.NewFromInt(200)})
	if s.err != nil {
		return
	}
	s.request(engine.CreateRequestInput{
		RequestedBy:           u.ID,
		RequiresSalesApproval: true,
		Items:                 []engine.LineInput{{CatalogueItemID: capItem.ID, Quantity: 3}},
	})
}
