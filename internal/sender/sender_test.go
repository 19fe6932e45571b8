package sender

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivo/webhook-engine/internal/model"
)

func testDelivery(target string) *model.WebhookDelivery {
	return &model.WebhookDelivery{
		ID:        uuid.New(),
		WebhookID: uuid.New(),
		TenantID:  uuid.New(),
		EventID:   uuid.New(),
		EventType: model.EventOrderPaid,
		TargetURL: target,
		Payload:   []byte(`{"id":"evt_1","type":"order.paid"}`),
		Signature: "t=1700000000,v1=abc",
		CreatedAt: time.Now(),
	}
}

func TestValidateURLPolicy(t *testing.T) {
	s := New(false)
	ctx := context.Background()

	tests := []struct {
		name string
		url  string
		want error
	}{
		{"ftp scheme", "ftp://example.com/x", ErrSchemeNotAllowed},
		{"plain http", "http://example.com/x", ErrInsecureScheme},
		{"loopback", "https://127.0.0.1/hooks", ErrPrivateAddress},
		{"rfc1918 ten", "https://10.0.0.8/hooks", ErrPrivateAddress},
		{"rfc1918 c", "https://192.168.1.20/hooks", ErrPrivateAddress},
		{"link local", "https://169.254.169.254/latest/meta-data", ErrPrivateAddress},
		{"ipv6 loopback", "https://[::1]/hooks", ErrPrivateAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateURL(ctx, tt.url)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// public address, no DNS needed
	assert.NoError(t, s.ValidateURL(ctx, "https://93.184.216.34/hooks"))
}

func TestValidateURLInsecureMode(t *testing.T) {
	s := New(true)
	ctx := context.Background()

	assert.NoError(t, s.ValidateURL(ctx, "http://127.0.0.1:9999/hooks"))
	assert.NoError(t, s.ValidateURL(ctx, "http://10.1.2.3/hooks"))
	assert.ErrorIs(t, s.ValidateURL(ctx, "gopher://example.com"), ErrSchemeNotAllowed)
}

func TestSendSuccessAndHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	s := New(true)
	d := testDelivery(srv.URL)
	res := s.Send(context.Background(), d, map[string]string{
		"X-Custom":   "festival-42",
		"User-Agent": "custom-agent",
	}, 5*time.Second)

	require.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `{"received":true}`, res.ResponseBody)
	assert.Empty(t, res.Error)

	assert.Equal(t, d.Payload, []byte(gotBody))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, d.Signature, gotHeaders.Get("X-Webhook-Signature"))
	assert.Equal(t, d.EventID.String(), gotHeaders.Get("X-Webhook-Event-ID"))
	assert.Equal(t, "order.paid", gotHeaders.Get("X-Webhook-Event-Type"))
	assert.Equal(t, d.ID.String(), gotHeaders.Get("X-Webhook-Delivery-ID"))
	assert.NotEmpty(t, gotHeaders.Get("X-Webhook-Timestamp"))
	assert.Equal(t, "festival-42", gotHeaders.Get("X-Custom"))
	// custom headers win on collision
	assert.Equal(t, "custom-agent", gotHeaders.Get("User-Agent"))
}

func TestSendNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	res := New(true).Send(context.Background(), testDelivery(srv.URL), nil, 5*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "HTTP 500", res.Error)
	assert.Equal(t, "boom", res.ResponseBody)
}

func TestSendDoesNotFollowRedirects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "http://127.0.0.1:1/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	res := New(true).Send(context.Background(), testDelivery(srv.URL), nil, 5*time.Second)
	assert.False(t, res.Success, "a redirect is the final response")
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSendBoundsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 256*1024)))
	}))
	defer srv.Close()

	res := New(true).Send(context.Background(), testDelivery(srv.URL), nil, 5*time.Second)
	require.True(t, res.Success)
	assert.Len(t, res.ResponseBody, 64*1024)
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	res := New(true).Send(context.Background(), testDelivery(srv.URL), nil, 30*time.Millisecond)
	assert.False(t, res.Success)
	assert.False(t, res.PolicyViolation)
	assert.NotEmpty(t, res.Error)
}

func TestSendPolicyViolationMakesNoCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	// strict sender: the loopback httptest URL must be blocked before dialing
	res := New(false).Send(context.Background(), testDelivery(srv.URL), nil, 5*time.Second)
	assert.False(t, res.Success)
	assert.True(t, res.PolicyViolation)
	assert.Equal(t, int32(0), hits.Load())
}
