package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/logging"

	"github.com/stretchr/testify/require"
)

func TestSenderSignsRequestsWithAccessToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	t.Cleanup(srv.Close)

	s := NewWhatsAppSender(config.WhatsAppConfig{
		APIURL:       srv.URL,
		AccessToken:  "secret-token",
		SendTimeoutS: 5,
	}, logging.NewNopLogger())

	id, err := s.SendText(context.Background(), "+94771234567", "hello")
	require.NoError(t, err)
	require.Equal(t, "wamid.1", id)
	require.Equal(t, "Bearer secret-token", gotAuth.Load())
}

type countingSender struct {
	calls    atomic.Int32
	failures int32
}

func (c *countingSender) SendTemplate(ctx context.Context, phone, template string, vars map[string]string) (string, error) {
	return "", nil
}

func (c *countingSender) SendText(ctx context.Context, phone, body string) (string, error) {
	if c.calls.Add(1) <= c.failures {
		return "", apperrors.Transient(context.DeadlineExceeded)
	}
	return "msg-1", nil
}

func TestAlertDeliveryRetriesTransientFailures(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sender := &countingSender{failures: 2}
	a := NewAlerter(sender, st, []string{"+94770000001"}, logging.NewNopLogger(), nil)
	a.DeadLetterBacklog(context.Background(), 7)

	require.EqualValues(t, 3, sender.calls.Load())
}
