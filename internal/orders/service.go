// Package orders orchestrates the order pipeline: raw input through parsing,
// vendor selection, credit-checked atomic creation, assignment, and the
// durable fulfillment workflow. Request handlers call into this package and
// nothing below it.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/credit"
	"wholesale_backend/internal/jobs"
	"wholesale_backend/internal/notify"
	"wholesale_backend/internal/parser"
	"wholesale_backend/internal/routing"
	"wholesale_backend/internal/store"
	"wholesale_backend/internal/workflow"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WorkflowFulfillment drives the post-creation notifications for one order.
const WorkflowFulfillment = "order_fulfillment"

// EventSink receives order lifecycle events for the live ops feed. A nil sink
// is valid and drops everything.
type EventSink interface {
	Publish(event string, data interface{})
}

type Service struct {
	store     *store.Store
	parser    *parser.Service
	extractor core.IExtractor
	credit    *credit.Service
	routing   *routing.Service
	engine    *workflow.Engine
	fabric    core.IJobFabric
	sender    core.IMessageSender
	live      EventSink
	cfg       config.RoutingConfig
	logger    core.ILogger
	clock     core.IClock
}

func NewService(st *store.Store, ps *parser.Service, ex core.IExtractor,
	cr *credit.Service, rt *routing.Service, eng *workflow.Engine,
	fab core.IJobFabric, sender core.IMessageSender, live EventSink,
	cfg config.RoutingConfig, logger core.ILogger, clock core.IClock) *Service {
	if clock == nil {
		clock = core.SystemClock{}
	}
	s := &Service{
		store:     st,
		parser:    ps,
		extractor: ex,
		credit:    cr,
		routing:   rt,
		engine:    eng,
		fabric:    fab,
		sender:    sender,
		live:      live,
		cfg:       cfg,
		logger:    logger.WithField("component", "orders"),
		clock:     clock,
	}
	s.defineFulfillment()
	return s
}

func (s *Service) publish(event string, data interface{}) {
	if s.live != nil {
		s.live.Publish(event, data)
	}
}

// PlaceRequest is one order placement attempt from any input channel.
type PlaceRequest struct {
	RetailerID     string
	Source         string // text | whatsapp | ocr
	RawInput       string
	IdempotencyKey string
	Actor          string
}

// PlaceResult carries the parse outcome and, when the parse auto-accepted,
// the created orders. A low-confidence parse returns with no orders and the
// clarification questions instead.
type PlaceResult struct {
	Parse  *parser.Result `json:"parse"`
	Orders []*core.Order  `json:"orders,omitempty"`
}

// Place runs the full pipeline on raw input. Credit rejections surface as a
// *apperrors.CreditRejection so callers can render the retailer-facing text.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if req.RetailerID == "" {
		return nil, fmt.Errorf("%w: retailer_id is required", apperrors.ErrValidation)
	}

	res, err := s.parser.Parse(ctx, req.Source, req.RawInput, req.RetailerID)
	if err != nil {
		return nil, err
	}
	if res.Decision != "accepted" {
		return &PlaceResult{Parse: res}, nil
	}

	orders, err := s.createFromItems(ctx, req, res.Items)
	if err != nil {
		s.notifyRejection(ctx, req.RetailerID, err)
		return nil, err
	}
	return &PlaceResult{Parse: res, Orders: orders}, nil
}

// ConfirmSession places an order from a previously clarified parse session.
func (s *Service) ConfirmSession(ctx context.Context, sessionID, idempotencyKey, actor string) (*PlaceResult, error) {
	sess, err := s.store.GetParseSession(ctx, sessionID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	var res parser.Result
	if err := json.Unmarshal(sess.Result, &res); err != nil {
		return nil, fmt.Errorf("corrupt parse session %s: %w", sessionID, err)
	}
	if res.Decision != "accepted" {
		return nil, fmt.Errorf("%w: session %s is not ready to order (decision %s)",
			apperrors.ErrValidation, sessionID, res.Decision)
	}

	req := PlaceRequest{
		RetailerID:     sess.RetailerID,
		Source:         sess.Source,
		RawInput:       sess.RawInput,
		IdempotencyKey: idempotencyKey,
		Actor:          actor,
	}
	orders, err := s.createFromItems(ctx, req, res.Items)
	if err != nil {
		s.notifyRejection(ctx, sess.RetailerID, err)
		return nil, err
	}
	return &PlaceResult{Parse: &res, Orders: orders}, nil
}

// Clarify answers open questions on a parse session.
func (s *Service) Clarify(ctx context.Context, sessionID string, answers []parser.Answer) (*parser.Result, error) {
	return s.parser.Clarify(ctx, sessionID, answers)
}

// Transition applies one status move on behalf of a vendor or operator. A
// vendor confirming a PENDING order also closes the open assignment so the
// deadline sweep stops tracking it.
func (s *Service) Transition(ctx context.Context, orderID string, to core.OrderStatus, actor, reason string) (*core.Order, error) {
	if to == core.OrderConfirmed {
		if a, err := s.store.PendingAssignmentForOrder(ctx, orderID); err == nil {
			if err := s.routing.AcceptAssignment(ctx, a); err != nil {
				return nil, err
			}
			return s.afterTransition(ctx, orderID, to, actor)
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	if err := s.store.TransitionOrderStatus(ctx, orderID, to, actor, reason); err != nil {
		return nil, err
	}
	return s.afterTransition(ctx, orderID, to, actor)
}

func (s *Service) afterTransition(ctx context.Context, orderID string, to core.OrderStatus, actor string) (*core.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.publish("order.status", map[string]interface{}{
		"order_id": orderID, "status": string(to), "actor": actor,
	})
	return order, nil
}

// vendorGroup accumulates the items one vendor will fulfill.
type vendorGroup struct {
	vendorID string
	items    []core.OrderItem
}

// createFromItems routes every item to a vendor and creates one order per
// vendor. An item goes to an already-chosen vendor when that vendor carries
// it; otherwise selection runs again and opens a new group.
func (s *Service) createFromItems(ctx context.Context, req PlaceRequest, items []parser.Item) ([]*core.Order, error) {
	var groups []*vendorGroup
	for _, it := range items {
		if it.ProductID == "" {
			return nil, fmt.Errorf("%w: item %q is not matched to a product", apperrors.ErrValidation, it.RawText)
		}
		qty := it.NormalizedQty
		unit := it.NormalizedUnit
		if !qty.IsPositive() {
			qty = it.Qty
			unit = it.Unit
		}

		group, price, err := s.placeItem(ctx, groups, it.ProductID, qty)
		if err != nil {
			return nil, err
		}
		group.items = append(group.items, core.OrderItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			SKU:         it.SKU,
			Quantity:    qty,
			Unit:        unit,
			UnitPrice:   price,
		})
		if !containsGroup(groups, group) {
			groups = append(groups, group)
		}
	}

	orders := make([]*core.Order, 0, len(groups))
	for i, g := range groups {
		key := req.IdempotencyKey
		if key != "" && i > 0 {
			key = fmt.Sprintf("%s-%d", key, i+1)
		}
		order, err := s.credit.CreateOrder(ctx, credit.CreateOrderRequest{
			RetailerID:     req.RetailerID,
			VendorID:       g.vendorID,
			Items:          g.items,
			IdempotencyKey: key,
			RawInput:       req.RawInput,
			Actor:          req.Actor,
		})
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)

		// a replayed idempotency key returns an order that was already
		// assigned and scheduled; doing either again would double-drive it
		attempt, err := s.store.LatestAssignmentAttempt(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if attempt > 0 {
			continue
		}

		if _, err := s.routing.Assign(ctx, order.ID, g.vendorID); err != nil {
			return nil, err
		}
		s.publish("order.created", map[string]string{
			"order_id": order.ID, "order_number": order.OrderNumber,
			"retailer_id": order.RetailerID, "vendor_id": order.VendorID,
			"total": order.Total.String(),
		})

		payload, _ := json.Marshal(map[string]string{"order_id": order.ID})
		if _, err := s.fabric.Enqueue(ctx, jobs.QueueOrderProcessing, JobFulfillOrder, payload); err != nil {
			// creation stands; the recovery sweep re-drives the fulfillment
			s.logger.Error("failed to enqueue fulfillment",
				"order_id", order.ID, "error", err)
		}
	}
	return orders, nil
}

// placeItem finds the group that can absorb the item, running vendor
// selection when no chosen vendor carries it.
func (s *Service) placeItem(ctx context.Context, groups []*vendorGroup, productID string, qty decimal.Decimal) (*vendorGroup, decimal.Decimal, error) {
	offers, err := s.store.VendorsForProduct(ctx, productID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	for _, g := range groups {
		for _, o := range offers {
			if o.Vendor.ID == g.vendorID && o.IsAvailable && !o.Stock.LessThan(qty) {
				return g, o.Price, nil
			}
		}
	}

	sel, err := s.routing.Select(ctx, routing.SelectionRequest{ProductID: productID, Quantity: qty})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return &vendorGroup{vendorID: sel.Vendor.ID}, sel.Price, nil
}

func containsGroup(groups []*vendorGroup, g *vendorGroup) bool {
	for _, x := range groups {
		if x == g {
			return true
		}
	}
	return false
}

// notifyRejection queues the retailer-facing message for a credit rejection.
// Infrastructure errors send nothing; the retailer never sees internals.
func (s *Service) notifyRejection(ctx context.Context, retailerID string, cause error) {
	rej, ok := apperrors.AsCreditRejection(cause)
	if !ok {
		return
	}
	r, err := s.store.GetRetailer(ctx, retailerID)
	if err != nil || r.Phone == "" {
		return
	}
	s.enqueueText(ctx, r.Phone, notify.CreditRejectionMessage(rej))
	s.publish("order.rejected", map[string]string{
		"retailer_id": retailerID, "reason": string(rej.Reason),
	})
}

// enqueueText hands an outbound message to the whatsapp queue so the provider
// rate cap applies.
func (s *Service) enqueueText(ctx context.Context, phone, body string) {
	payload, _ := json.Marshal(map[string]string{"phone": phone, "body": body})
	if _, err := s.fabric.Enqueue(ctx, jobs.QueueWhatsAppMessages, JobSendMessage, payload); err != nil {
		s.logger.Error("failed to enqueue outbound message", "phone", phone, "error", err)
	}
}

// UploadImage accepts an order image and schedules the extraction pipeline.
// The caller polls the returned upload id for status.
func (s *Service) UploadImage(ctx context.Context, retailerID, imageURL string) (*core.UploadedOrder, error) {
	if retailerID == "" || imageURL == "" {
		return nil, fmt.Errorf("%w: retailer_id and image_url are required", apperrors.ErrValidation)
	}
	if _, err := s.store.GetRetailer(ctx, retailerID); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	u := &core.UploadedOrder{
		ID:         uuid.NewString(),
		RetailerID: retailerID,
		ImageURL:   imageURL,
		Status:     "processing",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateUploadedOrder(ctx, u); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"upload_id": u.ID})
	if _, err := s.fabric.Enqueue(ctx, jobs.QueueImageProcessing, JobExtractImage, payload); err != nil {
		return nil, err
	}
	return u, nil
}

// UploadStatus returns the current state of an image upload.
func (s *Service) UploadStatus(ctx context.Context, uploadID string) (*core.UploadedOrder, error) {
	return s.store.GetUploadedOrder(ctx, uploadID)
}

// defineFulfillment registers the post-creation workflow: tell the vendor,
// then confirm to the retailer. Both steps are idempotent sends.
func (s *Service) defineFulfillment() {
	s.engine.Define(WorkflowFulfillment,
		workflow.Step{Name: "notify_vendor", Fn: s.stepNotifyVendor},
		workflow.Step{Name: "confirm_retailer", Fn: s.stepConfirmRetailer},
	)
}

func (s *Service) fulfillmentOrder(ctx context.Context, run *workflow.Run) (*core.Order, error) {
	var orderID string
	if ok, err := run.Get("order_id", &orderID); err != nil || !ok {
		return nil, apperrors.Permanent(fmt.Errorf("fulfillment run has no order_id"))
	}
	return s.store.GetOrder(ctx, orderID)
}

func (s *Service) stepNotifyVendor(ctx context.Context, run *workflow.Run) error {
	order, err := s.fulfillmentOrder(ctx, run)
	if err != nil {
		return err
	}
	if order.Status != core.OrderPending {
		// the vendor already responded; nothing left to announce
		return nil
	}
	v, err := s.store.GetVendor(ctx, order.VendorID)
	if err != nil {
		return err
	}
	if v.Phone == "" || s.sender == nil {
		return nil
	}
	_, err = s.sender.SendText(ctx, v.Phone,
		notify.VendorAssignmentMessage(order.OrderNumber, itemSummary(order.Items), s.cfg.ResponseDeadlineHours))
	return err
}

func (s *Service) stepConfirmRetailer(ctx context.Context, run *workflow.Run) error {
	order, err := s.fulfillmentOrder(ctx, run)
	if err != nil {
		return err
	}
	r, err := s.store.GetRetailer(ctx, order.RetailerID)
	if err != nil {
		return err
	}
	v, err := s.store.GetVendor(ctx, order.VendorID)
	if err != nil {
		return err
	}
	if r.Phone == "" || s.sender == nil {
		return nil
	}
	_, err = s.sender.SendText(ctx, r.Phone,
		notify.OrderConfirmationMessage(order.OrderNumber, v.Name, order.Total, itemSummary(order.Items)))
	return err
}

func itemSummary(items []core.OrderItem) string {
	var out string
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %s %s", it.Quantity, it.Unit, it.ProductName)
	}
	return out
}

// startOrResumeFulfillment is what the fulfillment job runs. A retried job
// must not spawn a second workflow for the same order.
func (s *Service) startOrResumeFulfillment(ctx context.Context, orderID string) error {
	wf, err := s.store.LatestWorkflowForEntity(ctx, orderID)
	if err == nil && wf.Type == WorkflowFulfillment {
		switch wf.Status {
		case core.WorkflowCompleted:
			return nil
		case core.WorkflowInProgress, core.WorkflowPaused:
			return s.engine.Resume(ctx, wf)
		}
	} else if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	_, err = s.engine.Start(ctx, WorkflowFulfillment, orderID,
		map[string]interface{}{"order_id": orderID})
	return err
}
