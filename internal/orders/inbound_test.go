package orders

import (
	"context"
	"testing"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/webhook"
	"wholesale_backend/pkg/logging"

	"github.com/stretchr/testify/require"
)

func newInboundProcessor(t *testing.T, svc *Service, clock *fakeClock) *webhook.Processor {
	t.Helper()
	wh := webhook.NewProcessor(svc.store, config.RecoveryConfig{
		WebhookMaxRetries:   3,
		StuckWebhookMinutes: 10,
	}, logging.NewNopLogger(), clock)
	svc.RegisterInbound(wh)
	return wh
}

func TestInboundTextMessageCreatesOrder(t *testing.T) {
	svc, st, _, clock := newTestService(t)
	addVendor(t, st, "v1", "p-rice")
	wh := newInboundProcessor(t, svc, clock)
	ctx := context.Background()

	payload := []byte(`{"entry":[{"changes":[{"value":{"messages":[` +
		`{"id":"wamid.100","from":"9477000001","type":"text","text":{"body":"10 kg rice"}}]}}]}]}`)
	_, err := wh.Receive(ctx, "whatsapp", payload, nil)
	require.NoError(t, err)

	n, err := wh.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	created, err := st.OrdersByRetailer(ctx, "r1", clock.now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, "v1", created[0].VendorID)

	// redelivery of the same provider message replays the idempotency key
	_, err = wh.Receive(ctx, "whatsapp", payload, nil)
	require.NoError(t, err)
	_, err = wh.ProcessDue(ctx)
	require.NoError(t, err)

	created, err = st.OrdersByRetailer(ctx, "r1", clock.now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, created, 1)
}

func TestInboundMessageFromUnknownNumberIsIgnored(t *testing.T) {
	svc, st, _, clock := newTestService(t)
	addVendor(t, st, "v1", "p-rice")
	wh := newInboundProcessor(t, svc, clock)
	ctx := context.Background()

	payload := []byte(`{"entry":[{"changes":[{"value":{"messages":[` +
		`{"id":"wamid.101","from":"15550000000","type":"text","text":{"body":"10 kg rice"}}]}}]}]}`)
	_, err := wh.Receive(ctx, "whatsapp", payload, nil)
	require.NoError(t, err)

	n, err := wh.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	created, err := st.OrdersByRetailer(ctx, "r1", clock.now.Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, created)
}

func TestInboundLowConfidenceAsksForClarification(t *testing.T) {
	svc, st, sender, clock := newTestService(t)
	addVendor(t, st, "v1", "p-rice")
	wh := newInboundProcessor(t, svc, clock)
	ctx := context.Background()

	payload := []byte(`{"entry":[{"changes":[{"value":{"messages":[` +
		`{"id":"wamid.102","from":"9477000001","type":"text","text":{"body":"rice"}}]}}]}]}`)
	_, err := wh.Receive(ctx, "whatsapp", payload, nil)
	require.NoError(t, err)

	_, err = wh.ProcessDue(ctx)
	require.NoError(t, err)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "+9477000001", msgs[0].Phone)
}
