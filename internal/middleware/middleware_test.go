package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bizsync-p2p/pkg/jwt"
)

type stubValidator map[string]string

func (s stubValidator) ValidateToken(token string) (*jwt.Claims, error) {
	id, ok := s[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return &jwt.Claims{DeviceID: id}, nil
}

func echoDevice(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetDeviceID(r)))
}

func TestAuthMiddleware(t *testing.T) {
	h := AuthMiddleware(stubValidator{"good": "till-1"})(http.HandlerFunc(echoDevice))

	tests := []struct {
		name   string
		method string
		header string
		want   int
		body   string
	}{
		{"valid bearer", http.MethodGet, "Bearer good", http.StatusOK, "till-1"},
		{"lowercase scheme", http.MethodGet, "bearer good", http.StatusOK, "till-1"},
		{"missing header", http.MethodGet, "", http.StatusUnauthorized, ""},
		{"wrong scheme", http.MethodGet, "Basic good", http.StatusUnauthorized, ""},
		{"unknown token", http.MethodGet, "Bearer bad", http.StatusUnauthorized, ""},
		{"preflight passes", http.MethodOptions, "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"http://till.local"}, []string{"GET", "POST"}, []string{"Authorization"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://till.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "http://till.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://elsewhere")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewRateLimiter(60)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		assert.True(t, l.allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, l.allow("10.0.0.1"), "one token refills per second")
	assert.False(t, l.allow("10.0.0.1"))

	now = now.Add(2 * limiterIdle)
	l.allow("10.0.0.3")
	l.mu.Lock()
	_, kept := l.visitors["10.0.0.1"]
	l.mu.Unlock()
	assert.False(t, kept, "idle buckets are dropped")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.20:51234"
	assert.Equal(t, "192.168.1.20", clientIP(req))

	req.Header.Set("X-Forwarded-For", "10.1.1.1, 10.2.2.2")
	assert.Equal(t, "10.1.1.1", clientIP(req))
}
