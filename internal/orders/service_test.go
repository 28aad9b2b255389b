package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"wholesale_backend/internal/analytics"
	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/credit"
	"wholesale_backend/internal/jobs"
	"wholesale_backend/internal/ledger"
	"wholesale_backend/internal/notify"
	"wholesale_backend/internal/parser"
	"wholesale_backend/internal/routing"
	"wholesale_backend/internal/store"
	"wholesale_backend/internal/workflow"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeSender struct {
	mu   sync.Mutex
	sent []struct{ Phone, Body string }
}

func (f *fakeSender) SendTemplate(ctx context.Context, phone, template string, vars map[string]string) (string, error) {
	return f.SendText(ctx, phone, template)
}

func (f *fakeSender) SendText(ctx context.Context, phone, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct{ Phone, Body string }{phone, body})
	return fmt.Sprintf("wamid-%d", len(f.sent)), nil
}

func (f *fakeSender) messages() []struct{ Phone, Body string } {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]struct{ Phone, Body string }(nil), f.sent...)
}

type fakeExtractor struct{ text string }

func (f *fakeExtractor) Extract(ctx context.Context, source, input string) (string, string, error) {
	if source != "ocr" {
		return input, source, nil
	}
	return f.text, "ocr", nil
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeSender, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, p := range []*core.Product{
		{ID: "p-rice", SKU: "RICE-5KG", Name: "Rice", Unit: "kg"},
		{ID: "p-sugar", SKU: "SUGAR-1KG", Name: "Sugar", Unit: "kg"},
	} {
		require.NoError(t, st.CreateProduct(ctx, p))
	}
	require.NoError(t, st.CreateRetailer(ctx, &core.Retailer{
		ID: "r1", Name: "Kumar Stores", Phone: "+9477000001",
		CreditLimit: decimal.NewFromInt(100000), IsApproved: true, IsActive: true,
		WorkingHours: core.WorkingHours{EndHour: 24, Timezone: "UTC"},
	}))

	clock := &fakeClock{now: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)}
	log := logging.NewNopLogger()

	ps, err := parser.NewService(ctx, st, config.DefaultConfig().Parser, log, clock)
	require.NoError(t, err)
	lg := ledger.NewService(st, log, clock)
	cr := credit.NewService(st, lg, config.CreditConfig{HighRiskAlert: 70, OverdueBlockDays: 30}, log, clock)
	routingCfg := config.RoutingConfig{
		MaxActiveOrdersPerVendor:  10,
		MaxPendingOrdersPerVendor: 5,
		MonopolyThreshold:         0.40,
		LoadBalancingStrategy:     "least-loaded",
		ResponseDeadlineHours:     2,
		MaxVendorAttempts:         5,
	}
	rt := routing.NewService(st, routingCfg, log, clock)
	eng := workflow.NewEngine(st, log, clock)
	fab := jobs.New("", st, log, clock)
	sender := &fakeSender{}
	alerter := notify.NewAlerter(nil, st, nil, log, clock)
	an := analytics.NewService(st, lg, alerter, log, clock)

	svc := NewService(st, ps, &fakeExtractor{text: "10 kg rice"}, cr, rt, eng,
		fab, sender, nil, routingCfg, log, clock)
	svc.RegisterHandlers(fab, an)
	return svc, st, sender, clock
}

func addVendor(t *testing.T, st *store.Store, id string, products ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateVendor(ctx, &core.Vendor{
		ID: id, Name: "Vendor " + id, Phone: "+94710000" + id,
		IsApproved: true, IsActive: true, ReliabilityScore: 90,
		MaxActiveOrders: 10, MaxPendingOrders: 5,
		WorkingHours: core.WorkingHours{StartHour: 0, EndHour: 24, Timezone: "UTC"},
	}))
	for _, pid := range products {
		_, err := st.UpsertVendorProduct(ctx, &core.VendorProduct{
			VendorID: id, ProductID: pid,
			Price: decimal.NewFromInt(50), Stock: decimal.NewFromInt(500), IsAvailable: true,
		})
		require.NoError(t, err)
	}
}

func TestPlaceCreatesOrderAndNotifies(t *testing.T) {
	svc, st, sender, _ := newTestService(t)
	addVendor(t, st, "v1", "p-rice")
	ctx := context.Background()

	res, err := svc.Place(ctx, PlaceRequest{
		RetailerID: "r1", Source: "text", RawInput: "10 kg rice",
		IdempotencyKey: "key-1", Actor: "retailer",
	})
	require.NoError(t, err)
	require.Equal(t, "accepted", res.Parse.Decision)
	require.Len(t, res.Orders, 1)

	order := res.Orders[0]
	require.Equal(t, "v1", order.VendorID)
	require.Equal(t, core.OrderPending, order.Status)
	require.True(t, order.Total.Equal(decimal.NewFromInt(500)))

	// the assignment carries a response deadline for the vendor
	attempt, err := st.LatestAssignmentAttempt(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, 1, attempt)

	// sync fabric ran the fulfillment inline: both parties were messaged
	wf, err := st.LatestWorkflowForEntity(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowCompleted, wf.Status)

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "+94710000v1", msgs[0].Phone)
	require.Contains(t, msgs[0].Body, order.OrderNumber)
	require.Equal(t, "+9477000001", msgs[1].Phone)
	require.Contains(t, msgs[1].Body, order.OrderNumber)
}

func TestLowConfidenceReturnsClarifications(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	addVendor(t, st, "v1", "p-rice")

	res, err := svc.Place(context.Background(), PlaceRequest{
		RetailerID: "r1", Source: "text", RawInput: "rice",
	})
	require.NoError(t, err)
	require.Empty(t, res.Orders)
	require.True(t, res.Parse.NeedsClarification)
	require.NotEmpty(t, res.Parse.SessionID)
}

func TestCreditRejectionNotifiesRetailer(t *testing.T) {
	svc, st, sender, clock := newTestService(t)
	addVendor(t, st, "v1", "p-rice")
	ctx := context.Background()

	require.NoError(t, st.CreateRetailer(ctx, &core.Retailer{
		ID: "r2", Name: "Small Shop", Phone: "+9477000002",
		CreditLimit: decimal.NewFromInt(100), IsApproved: true, IsActive: true,
		WorkingHours: core.WorkingHours{EndHour: 24, Timezone: "UTC"},
		CreatedAt:    clock.now,
	}))

	_, err := svc.Place(ctx, PlaceRequest{
		RetailerID: "r2", Source: "text", RawInput: "10 kg rice",
	})
	require.Error(t, err)
	rej, ok := apperrors.AsCreditRejection(err)
	require.True(t, ok)
	require.Equal(t, apperrors.ReasonCreditLimitExceeded, rej.Reason)

	// the rejection was filed for review and the retailer was told in plain words
	rejected, err := st.UnreviewedRejections(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "+9477000002", msgs[0].Phone)
	require.Contains(t, msgs[0].Body, "credit")
	require.NotContains(t, msgs[0].Body, "CREDIT_LIMIT_EXCEEDED")
}

func TestMultiProductOrderSplitsByVendor(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	addVendor(t, st, "v1", "p-rice")
	addVendor(t, st, "v2", "p-sugar")
	ctx := context.Background()

	res, err := svc.Place(ctx, PlaceRequest{
		RetailerID: "r1", Source: "text", RawInput: "10 kg rice, 5 kg sugar",
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	require.NotEqual(t, res.Orders[0].VendorID, res.Orders[1].VendorID)
}

func TestSingleVendorKeepsMultiProductOrderTogether(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	addVendor(t, st, "v1", "p-rice", "p-sugar")
	ctx := context.Background()

	res, err := svc.Place(ctx, PlaceRequest{
		RetailerID: "r1", Source: "text", RawInput: "10 kg rice, 5 kg sugar",
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	require.Len(t, res.Orders[0].Items, 2)
}

func TestUploadImagePipeline(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	addVendor(t, st, "v1", "p-rice")
	ctx := context.Background()

	u, err := svc.UploadImage(ctx, "r1", "https://cdn.example.com/orders/o1.jpg")
	require.NoError(t, err)

	// sync fabric already ran the extraction job
	got, err := svc.UploadStatus(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "parsed", got.Status)
	require.NotEmpty(t, got.ParseSessionID)

	sess, err := st.GetParseSession(ctx, got.ParseSessionID, svc.clock.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "ocr", sess.Source)
}

func TestConfirmSessionPlacesOrder(t *testing.T) {
	svc, st, _, clock := newTestService(t)
	addVendor(t, st, "v1", "p-rice")
	ctx := context.Background()

	res := parser.Result{
		Items: []parser.Item{{
			ProductID: "p-rice", SKU: "RICE-5KG", ProductName: "Rice",
			Qty: decimal.NewFromInt(10), Unit: "kg",
			NormalizedQty: decimal.NewFromInt(10), NormalizedUnit: "kg",
			Confidence: 100, BaseConfidence: 100,
		}},
		OverallConfidence: 100,
		Decision:          "accepted",
	}
	payload, err := json.Marshal(&res)
	require.NoError(t, err)
	require.NoError(t, st.CreateParseSession(ctx, &core.ParseSession{
		ID: "sess-1", Source: "whatsapp", RetailerID: "r1",
		RawInput: "10 kg rice", Result: payload, Status: "accepted",
		ExpiresAt: clock.now.Add(30 * time.Minute), CreatedAt: clock.now,
	}))

	placed, err := svc.ConfirmSession(ctx, "sess-1", "key-9", "retailer")
	require.NoError(t, err)
	require.Len(t, placed.Orders, 1)
	require.Equal(t, "v1", placed.Orders[0].VendorID)

	// replaying the same key returns the same order, not a second one
	again, err := svc.ConfirmSession(ctx, "sess-1", "key-9", "retailer")
	require.NoError(t, err)
	require.Equal(t, placed.Orders[0].ID, again.Orders[0].ID)
}
