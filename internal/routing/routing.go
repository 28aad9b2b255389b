// Package routing selects exactly one vendor for a product and quantity,
// balances load across the vendor pool, and schedules deadline-driven
// reassignment when a vendor does not respond.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ranking weights. They sum to 1.
const (
	weightAvailability = 0.30
	weightProximity    = 0.20
	weightWorkload     = 0.15
	weightPrice        = 0.20
	weightReliability  = 0.15
)

// scores within this distance of the leader tie and go to the strategy
const tieTolerance = 0.5

type Service struct {
	store  *store.Store
	cfg    config.RoutingConfig
	logger core.ILogger
	clock  core.IClock
}

func NewService(st *store.Store, cfg config.RoutingConfig, logger core.ILogger, clock core.IClock) *Service {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Service{store: st, cfg: cfg, logger: logger, clock: clock}
}

// SelectionRequest describes one routing decision.
type SelectionRequest struct {
	ProductID        string
	Quantity         decimal.Decimal
	OrderID          string
	RetailerZone     string
	RetailerDistrict string
	Exclude          []string
}

// Candidate is one ranked vendor with its subscores, snapshotted into the
// decision log.
type Candidate struct {
	VendorID     string             `json:"vendor_id"`
	VendorName   string             `json:"vendor_name"`
	Score        float64            `json:"score"`
	Subscores    map[string]float64 `json:"subscores"`
	Price        decimal.Decimal    `json:"price"`
	Stock        decimal.Decimal    `json:"stock"`
	ActiveOrders int                `json:"active_orders"`
}

// Selection is the outcome of one routing decision.
type Selection struct {
	Vendor     *core.Vendor
	Price      decimal.Decimal
	Shortlist  []Candidate
	Reason     string
	Strategy   string
	DecisionID string
}

// Select filters, ranks and picks one vendor, persisting the decision. The
// eligibility filter is hard; the soft filters fall back to the previous set
// when they empty it.
func (s *Service) Select(ctx context.Context, req SelectionRequest) (*Selection, error) {
	offers, err := s.store.VendorsForProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	// hard eligibility
	var eligible []store.VendorOffer
	for _, o := range offers {
		if excluded[o.Vendor.ID] {
			continue
		}
		if !o.Vendor.IsApproved || !o.Vendor.IsActive || !o.IsAvailable {
			continue
		}
		if o.Stock.LessThan(req.Quantity) {
			continue
		}
		if o.MinOrderQty.IsPositive() && req.Quantity.LessThan(o.MinOrderQty) {
			continue
		}
		if o.MaxOrderQty.IsPositive() && req.Quantity.GreaterThan(o.MaxOrderQty) {
			continue
		}
		eligible = append(eligible, o)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: product %s qty %s", apperrors.ErrVendorUnavailable, req.ProductID, req.Quantity)
	}

	eligible = s.softFilter(eligible, "working_hours", func(o store.VendorOffer) bool {
		return !s.cfg.WorkingHoursEnabled || o.Vendor.WorkingHours.Contains(now)
	})

	loads := make(map[string]store.VendorLoad, len(eligible))
	for _, o := range eligible {
		load, err := s.store.GetVendorLoad(ctx, o.Vendor.ID)
		if err != nil {
			return nil, err
		}
		loads[o.Vendor.ID] = load
	}
	eligible = s.softFilter(eligible, "load_capacity", func(o store.VendorOffer) bool {
		load := loads[o.Vendor.ID]
		return load.ActiveOrders < s.maxActive(&o.Vendor) && load.PendingOrders < s.maxPending(&o.Vendor)
	})

	since := now.Add(-30 * 24 * time.Hour)
	shares := make(map[string]float64, len(eligible))
	for _, o := range eligible {
		share, err := s.store.MarketShare(ctx, o.Vendor.ID, req.ProductID, since)
		if err != nil {
			return nil, err
		}
		shares[o.Vendor.ID] = share
	}
	eligible = s.softFilter(eligible, "monopoly_prevention", func(o store.VendorOffer) bool {
		return shares[o.Vendor.ID] < s.cfg.MonopolyThreshold
	})

	shortlist := s.rank(eligible, req, loads)
	winner, reason, err := s.pick(ctx, req.ProductID, shortlist)
	if err != nil {
		return nil, err
	}

	var winnerOffer store.VendorOffer
	for _, o := range eligible {
		if o.Vendor.ID == winner.VendorID {
			winnerOffer = o
			break
		}
	}

	sel := &Selection{
		Vendor:     &winnerOffer.Vendor,
		Price:      winnerOffer.Price,
		Shortlist:  shortlist,
		Reason:     reason,
		Strategy:   s.cfg.LoadBalancingStrategy,
		DecisionID: uuid.NewString(),
	}
	if err := s.persistDecision(ctx, req, sel); err != nil {
		return nil, err
	}

	s.logger.Info("vendor selected",
		"product_id", req.ProductID, "vendor_id", sel.Vendor.ID,
		"strategy", sel.Strategy, "candidates", len(shortlist), "reason", reason)
	return sel, nil
}

// softFilter applies pred, falling back to the input set with a warning when
// the result would be empty.
func (s *Service) softFilter(in []store.VendorOffer, name string, pred func(store.VendorOffer) bool) []store.VendorOffer {
	var out []store.VendorOffer
	for _, o := range in {
		if pred(o) {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		s.logger.Warn("filter emptied the candidate set, skipping it", "filter", name, "candidates", len(in))
		return in
	}
	return out
}

// rank scores every candidate and sorts descending.
func (s *Service) rank(offers []store.VendorOffer, req SelectionRequest, loads map[string]store.VendorLoad) []Candidate {
	maxHeadroom := decimal.Zero
	priceSum := decimal.Zero
	for _, o := range offers {
		if h := o.Stock.Sub(req.Quantity); h.GreaterThan(maxHeadroom) {
			maxHeadroom = h
		}
		priceSum = priceSum.Add(o.Price)
	}
	marketAvg := priceSum.Div(decimal.NewFromInt(int64(len(offers))))

	out := make([]Candidate, 0, len(offers))
	for _, o := range offers {
		sub := map[string]float64{
			"availability": availabilityScore(o.Stock.Sub(req.Quantity), maxHeadroom),
			"proximity":    proximityScore(&o.Vendor, req),
			"workload":     workloadScore(loads[o.Vendor.ID].ActiveOrders, s.maxActive(&o.Vendor)),
			"price":        priceScore(o.Price, marketAvg),
			"reliability":  float64(o.Vendor.ReliabilityScore),
		}
		score := weightAvailability*sub["availability"] +
			weightProximity*sub["proximity"] +
			weightWorkload*sub["workload"] +
			weightPrice*sub["price"] +
			weightReliability*sub["reliability"]

		out = append(out, Candidate{
			VendorID:     o.Vendor.ID,
			VendorName:   o.Vendor.Name,
			Score:        score,
			Subscores:    sub,
			Price:        o.Price,
			Stock:        o.Stock,
			ActiveOrders: loads[o.Vendor.ID].ActiveOrders,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// pick applies the configured strategy among tied leaders.
func (s *Service) pick(ctx context.Context, productID string, shortlist []Candidate) (Candidate, string, error) {
	if len(shortlist) == 0 {
		return Candidate{}, "", apperrors.ErrVendorUnavailable
	}

	var tied []Candidate
	top := shortlist[0].Score
	for _, c := range shortlist {
		if top-c.Score <= tieTolerance {
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return tied[0], fmt.Sprintf("highest score %.1f", tied[0].Score), nil
	}

	switch s.cfg.LoadBalancingStrategy {
	case "round-robin":
		prev, err := s.store.VendorDecisions(ctx, productID, 1)
		if err != nil {
			return Candidate{}, "", err
		}
		if len(prev) > 0 {
			for i, c := range tied {
				if c.VendorID == prev[0].SelectedVendor {
					next := tied[(i+1)%len(tied)]
					return next, fmt.Sprintf("round-robin after %s among %d tied", c.VendorName, len(tied)), nil
				}
			}
		}
		return tied[0], fmt.Sprintf("round-robin start among %d tied", len(tied)), nil
	default: // least-loaded
		sort.SliceStable(tied, func(i, j int) bool {
			if tied[i].ActiveOrders != tied[j].ActiveOrders {
				return tied[i].ActiveOrders < tied[j].ActiveOrders
			}
			ri, rj := tied[i].Subscores["reliability"], tied[j].Subscores["reliability"]
			if ri != rj {
				return ri > rj
			}
			return tied[i].Price.LessThan(tied[j].Price)
		})
		return tied[0], fmt.Sprintf("least-loaded among %d tied", len(tied)), nil
	}
}

func (s *Service) persistDecision(ctx context.Context, req SelectionRequest, sel *Selection) error {
	shortlist, _ := json.Marshal(sel.Shortlist)
	snapshot, _ := json.Marshal(map[string]interface{}{
		"strategy":           s.cfg.LoadBalancingStrategy,
		"monopoly_threshold": s.cfg.MonopolyThreshold,
		"working_hours":      s.cfg.WorkingHoursEnabled,
		"weights": map[string]float64{
			"availability": weightAvailability,
			"proximity":    weightProximity,
			"workload":     weightWorkload,
			"price":        weightPrice,
			"reliability":  weightReliability,
		},
	})
	return s.store.InsertVendorDecision(ctx, &core.VendorDecision{
		ID:             sel.DecisionID,
		ProductID:      req.ProductID,
		OrderID:        req.OrderID,
		SelectedVendor: sel.Vendor.ID,
		Shortlist:      shortlist,
		ConfigSnapshot: snapshot,
		Reason:         sel.Reason,
		Strategy:       sel.Strategy,
		CreatedAt:      s.clock.Now().UTC(),
	})
}

func (s *Service) maxActive(v *core.Vendor) int {
	if v.MaxActiveOrders > 0 {
		return v.MaxActiveOrders
	}
	return s.cfg.MaxActiveOrdersPerVendor
}

func (s *Service) maxPending(v *core.Vendor) int {
	if v.MaxPendingOrders > 0 {
		return v.MaxPendingOrders
	}
	return s.cfg.MaxPendingOrdersPerVendor
}

func availabilityScore(headroom, maxHeadroom decimal.Decimal) float64 {
	if !maxHeadroom.IsPositive() {
		return 100
	}
	f, _ := headroom.Div(maxHeadroom).Float64()
	return clamp(100 * f)
}

func proximityScore(v *core.Vendor, req SelectionRequest) float64 {
	for _, z := range v.DeliveryZones {
		if z == req.RetailerZone && z != "" {
			return 100
		}
	}
	if v.District != "" && v.District == req.RetailerDistrict {
		return 70
	}
	return 30
}

func workloadScore(active, maxActive int) float64 {
	if maxActive <= 0 {
		return 100
	}
	return clamp(100 * (1 - float64(active)/float64(maxActive)))
}

func priceScore(price, marketAvg decimal.Decimal) float64 {
	if !marketAvg.IsPositive() {
		return 100
	}
	over := price.Sub(marketAvg)
	if !over.IsPositive() {
		return 100
	}
	f, _ := over.Div(marketAvg).Float64()
	return clamp(100 * (1 - f))
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return f
}
