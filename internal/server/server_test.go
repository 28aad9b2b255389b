package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wholesale_backend/internal/analytics"
	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/credit"
	"wholesale_backend/internal/infrastructure/health"
	"wholesale_backend/internal/jobs"
	"wholesale_backend/internal/ledger"
	"wholesale_backend/internal/notify"
	"wholesale_backend/internal/orders"
	"wholesale_backend/internal/parser"
	"wholesale_backend/internal/recovery"
	"wholesale_backend/internal/routing"
	"wholesale_backend/internal/store"
	"wholesale_backend/internal/webhook"
	"wholesale_backend/internal/workflow"
	"wholesale_backend/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testAppSecret = "test-app-secret"

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type nullSender struct{}

func (nullSender) SendTemplate(ctx context.Context, phone, template string, vars map[string]string) (string, error) {
	return "wamid-t", nil
}
func (nullSender) SendText(ctx context.Context, phone, body string) (string, error) {
	return "wamid-x", nil
}

type echoExtractor struct{}

func (echoExtractor) Extract(ctx context.Context, source, input string) (string, string, error) {
	return input, source, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.CreateProduct(ctx, &core.Product{
		ID: "p-rice", SKU: "RICE-5KG", Name: "Rice", Unit: "kg",
	}))
	require.NoError(t, st.CreateRetailer(ctx, &core.Retailer{
		ID: "r1", Name: "Kumar Stores", Phone: "+9477000001",
		CreditLimit: decimal.NewFromInt(100000), IsApproved: true, IsActive: true,
		WorkingHours: core.WorkingHours{EndHour: 24, Timezone: "UTC"},
	}))
	require.NoError(t, st.CreateVendor(ctx, &core.Vendor{
		ID: "v1", Name: "Vendor One", Phone: "+94710000001",
		IsApproved: true, IsActive: true, ReliabilityScore: 90,
		MaxActiveOrders: 10, MaxPendingOrders: 5,
		WorkingHours: core.WorkingHours{StartHour: 0, EndHour: 24, Timezone: "UTC"},
	}))
	_, err = st.UpsertVendorProduct(ctx, &core.VendorProduct{
		VendorID: "v1", ProductID: "p-rice",
		Price: decimal.NewFromInt(50), Stock: decimal.NewFromInt(500), IsAvailable: true,
	})
	require.NoError(t, err)

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
	alerter := notify.NewAlerter(nil, st, nil, log, clock)
	an := analytics.NewService(st, lg, alerter, log, clock)

	recoveryCfg := config.RecoveryConfig{
		WebhookMaxRetries:      3,
		WorkflowTimeoutMinutes: 5,
		SweepIntervalSeconds:   60,
		MaxRecoveryAttempts:    3,
		StuckWebhookMinutes:    10,
	}
	wh := webhook.NewProcessor(st, recoveryCfg, log, clock)

	svc := orders.NewService(st, ps, echoExtractor{}, cr, rt, eng,
		fab, nullSender{}, nil, routingCfg, log, clock)
	svc.RegisterHandlers(fab, an)
	svc.RegisterInbound(wh)

	worker := recovery.NewWorker(st, wh, eng, rt, alerter, recoveryCfg, log, clock)

	hm := health.NewManager(log)
	hm.Register("database", health.DatabaseCheck(st.DB()))

	srv := New(Deps{
		Orders:   svc,
		Recovery: worker,
		Fabric:   fab,
		Webhooks: wh,
		Health:   hm,
		Store:    st,
	}, config.ServerConfig{Port: 0}, config.WhatsAppConfig{
		VerifyToken: "verify-me", AppSecret: testAppSecret,
	}, false, log)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPlaceOrderEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]string{
		"retailer_id": "r1", "raw_input": "10 kg rice",
	}, map[string]string{"Idempotency-Key": "http-key-1"})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, true, env["success"])

	data := env["data"].(map[string]interface{})
	created := data["orders"].([]interface{})
	require.Len(t, created, 1)
	order := created[0].(map[string]interface{})
	require.Equal(t, "v1", order["vendor_id"])
}

func TestPlaceOrderValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]string{
		"raw_input": "10 kg rice",
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, false, env["success"])
	errBody := env["error"].(map[string]interface{})
	require.Equal(t, "VALIDATION", errBody["code"])
}

func TestCreditRejectionCarriesStructuredDetails(t *testing.T) {
	ts, st := newTestServer(t)
	require.NoError(t, st.CreateRetailer(context.Background(), &core.Retailer{
		ID: "r2", Name: "Small Shop", Phone: "+9477000002",
		CreditLimit: decimal.NewFromInt(100), IsApproved: true, IsActive: true,
		WorkingHours: core.WorkingHours{EndHour: 24, Timezone: "UTC"},
	}))

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]string{
		"retailer_id": "r2", "raw_input": "10 kg rice",
	}, nil)

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	errBody := env["error"].(map[string]interface{})
	require.Equal(t, "CREDIT_REJECTED", errBody["code"])
	details := errBody["details"].(map[string]interface{})
	require.Equal(t, "CREDIT_LIMIT_EXCEEDED", details["reason"])
}

func TestOrderTransitionEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", map[string]string{
		"retailer_id": "r1", "raw_input": "10 kg rice",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	order := env["data"].(map[string]interface{})["orders"].([]interface{})[0].(map[string]interface{})
	orderID := order["id"].(string)

	resp = postJSON(t, ts.URL+"/api/v1/orders/"+orderID+"/status", map[string]string{
		"status": "CONFIRMED", "actor": "vendor",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env = decodeEnvelope(t, resp)
	require.Equal(t, "CONFIRMED", env["data"].(map[string]interface{})["status"])

	// skipping straight to DELIVERED is illegal from CONFIRMED
	resp = postJSON(t, ts.URL+"/api/v1/orders/"+orderID+"/status", map[string]string{
		"status": "DELIVERED", "actor": "vendor",
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebhookHandshake(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL +
		"/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	require.Equal(t, "12345", buf.String())

	resp, err = http.Get(ts.URL +
		"/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testAppSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookEventPersistedBeforeAck(t *testing.T) {
	ts, st := newTestServer(t)

	payload := []byte(`{"entry":[{"changes":[{"value":{"messages":[` +
		`{"id":"wamid.1","from":"9477000001","type":"text","text":{"body":"10 kg rice"}}]}}]}]}`)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/whatsapp/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Hub-Signature-256", signBody(payload))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	webhookID := env["data"].(map[string]interface{})["webhook_id"].(string)
	require.NotEmpty(t, webhookID)

	// persisted as pending; nothing processed inline
	counts, err := st.CountWebhooksByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts["pending"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ts, _ := newTestServer(t)

	payload := []byte(`{"entry":[]}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/whatsapp/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRecoveryEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/recovery/dashboard")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	data := env["data"].(map[string]interface{})
	require.Contains(t, data, "webhooks")
	require.Contains(t, data, "recoveries")

	resp = postJSON(t, ts.URL+"/api/v1/self-healing/run-cycle", map[string]string{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env = decodeEnvelope(t, resp)
	require.Equal(t, true, env["success"])
}

func TestQueueStatsAndDeadLetters(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/queues/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "sync", env["data"].(map[string]interface{})["mode"])

	resp, err = http.Get(ts.URL + "/api/v1/queues/dead-letters")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProduction5xxHidesInternalText(t *testing.T) {
	log := logging.NewNopLogger()
	s := New(Deps{}, config.ServerConfig{}, config.WhatsAppConfig{}, true, log)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	s.writeError(rec, req, fmt.Errorf("sqlite: disk I/O error at /var/db"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var env map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	errBody := env["error"].(map[string]interface{})
	require.NotEmpty(t, errBody["errorId"])
	require.NotContains(t, rec.Body.String(), "disk I/O")
	_, hasMessage := errBody["message"]
	require.False(t, hasMessage)
}
