package openfinance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain/adapter"
)

func TestClient_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   adapter.ErrorClass
	}{
		{"unauthorized", http.StatusUnauthorized, adapter.ClassAuthExpired},
		{"forbidden", http.StatusForbidden, adapter.ClassInvalidCredentials},
		{"rate limited", http.StatusTooManyRequests, adapter.ClassRateLimited},
		{"gateway timeout", http.StatusGatewayTimeout, adapter.ClassNetworkTimeout},
		{"maintenance", http.StatusServiceUnavailable, adapter.ClassMaintenance},
		{"server error", http.StatusInternalServerError, adapter.ClassServerError},
		{"bad request", http.StatusBadRequest, adapter.ClassInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"success":false,"error":"failed","message":"nope"}`))
			}))
			defer srv.Close()

			c := NewClient(ClientConfig{InstitutionID: "acme", BaseURL: srv.URL})
			_, err := call[struct{}](context.Background(), c, request{op: "list_accounts", method: http.MethodGet, path: "/accounts"})

			require.Error(t, err)
			assert.Equal(t, tt.want, adapter.ClassOf(err))
		})
	}
}

func TestClient_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{InstitutionID: "acme", BaseURL: srv.URL})
	_, err := call[struct{}](context.Background(), c, request{op: "get_balance", method: http.MethodGet, path: "/x"})

	assert.Equal(t, adapter.ClassRateLimited, adapter.ClassOf(err))
	assert.Equal(t, 5*time.Second, adapter.RetryAfterOf(err))
}

func TestClient_RetryAfterHeaders(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(ClientConfig{BaseURL: "http://unused"})
	c.now = func() time.Time { return now }

	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"seconds", http.Header{"Retry-After": {"30"}}, 30 * time.Second},
		{"http date", http.Header{"Retry-After": {now.Add(time.Minute).Format(http.TimeFormat)}}, time.Minute},
		{"reset epoch", http.Header{"X-Ratelimit-Reset": {"1777636810"}}, 10 * time.Second},
		{"past date", http.Header{"Retry-After": {now.Add(-time.Minute).Format(http.TimeFormat)}}, 0},
		{"none", http.Header{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.retryAfter(tt.header))
		})
	}
}

func TestClient_SanitizesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`upstream said access_token=abc123 is invalid`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{InstitutionID: "acme", BaseURL: srv.URL})
	_, err := call[struct{}](context.Background(), c, request{op: "list_accounts", method: http.MethodGet, path: "/accounts"})

	require.Error(t, err)
	assert.NotContains(t, err.Error(), "abc123")
}

func TestClient_UnsuccessfulEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"try later"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{InstitutionID: "acme", BaseURL: srv.URL})
	_, err := call[struct{}](context.Background(), c, request{op: "list_accounts", method: http.MethodGet, path: "/accounts"})

	assert.Equal(t, adapter.ClassServerError, adapter.ClassOf(err))
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{InstitutionID: "acme", BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := call[struct{}](context.Background(), c, request{op: "list_accounts", method: http.MethodGet, path: "/accounts"})

	assert.Equal(t, adapter.ClassNetworkTimeout, adapter.ClassOf(err))
}

func TestClient_RateLimiterPaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{}}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{InstitutionID: "acme", BaseURL: srv.URL, RateLimit: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := call[struct{}](context.Background(), c, request{op: "x", method: http.MethodGet, path: "/"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
