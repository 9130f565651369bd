package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newLimited(t *testing.T, cfg RateLimitConfig) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return RateLimit(ctx, cfg)(okHandler())
}

func send(h http.Handler, setup func(r *http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if setup != nil {
		setup(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	h := newLimited(t, RateLimitConfig{Max: 5, Window: time.Minute})

	for i := range 5 {
		w := send(h, nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(4-i), w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := newLimited(t, RateLimitConfig{Max: 2, Window: time.Minute})

	for range 2 {
		require.Equal(t, http.StatusOK, send(h, nil).Code)
	}

	w := send(h, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var (
		code int
		msg  string
	)
	err := jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			code, err = d.Int()
		case "message":
			msg, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", msg)
}

func TestRateLimit_Keys(t *testing.T) {
	tests := []struct {
		name   string
		first  func(r *http.Request)
		second func(r *http.Request)
		want   int
	}{
		{
			name:   "different ips",
			first:  func(r *http.Request) { r.RemoteAddr = "10.0.0.1:1" },
			second: func(r *http.Request) { r.RemoteAddr = "10.0.0.2:1" },
			want:   http.StatusOK,
		},
		{
			name:   "same ip different port",
			first:  func(r *http.Request) { r.RemoteAddr = "10.0.0.1:1" },
			second: func(r *http.Request) { r.RemoteAddr = "10.0.0.1:2" },
			want:   http.StatusTooManyRequests,
		},
		{
			name:   "terminals behind one ip",
			first:  func(r *http.Request) { r.Header.Set(TerminalHeader, "till-1") },
			second: func(r *http.Request) { r.Header.Set(TerminalHeader, "till-2") },
			want:   http.StatusOK,
		},
		{
			name:   "same terminal",
			first:  func(r *http.Request) { r.Header.Set(TerminalHeader, "till-1") },
			second: func(r *http.Request) { r.Header.Set(TerminalHeader, "till-1"); r.RemoteAddr = "10.9.9.9:1" },
			want:   http.StatusTooManyRequests,
		},
		{
			name:   "forwarded for",
			first:  func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18") },
			second: func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.50"); r.RemoteAddr = "10.0.0.9:1" },
			want:   http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newLimited(t, RateLimitConfig{Max: 1, Window: time.Minute})
			require.Equal(t, http.StatusOK, send(h, tt.first).Code)
			assert.Equal(t, tt.want, send(h, tt.second).Code)
		})
	}
}

func TestTerminalKey(t *testing.T) {
	key := TerminalKey("/api/terminals/")
	tests := []struct {
		name   string
		target string
		setup  func(r *http.Request)
		want   string
	}{
		{name: "path terminal", target: "/api/terminals/till-1/cart", want: "terminal:till-1"},
		{name: "path terminal only", target: "/api/terminals/till-2", want: "terminal:till-2"},
		{name: "path wins over header", target: "/api/terminals/till-1/settle",
			setup: func(r *http.Request) { r.Header.Set(TerminalHeader, "till-9") }, want: "terminal:till-1"},
		{name: "header outside prefix", target: "/api/sales",
			setup: func(r *http.Request) { r.Header.Set(TerminalHeader, "till-9") }, want: "terminal:till-9"},
		{name: "ip outside prefix", target: "/api/articles", want: "ip:10.0.0.1"},
		{name: "empty segment", target: "/api/terminals/", want: "ip:10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.RemoteAddr = "10.0.0.1:1234"
			if tt.setup != nil {
				tt.setup(req)
			}
			assert.Equal(t, tt.want, key(req))
		})
	}
}

func TestRateLimit_TerminalsBehindOneIP(t *testing.T) {
	h := newLimited(t, RateLimitConfig{Max: 1, Window: time.Minute, KeyFunc: TerminalKey("/api/terminals/")})

	req := func(target string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, target, nil)
		r.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	require.Equal(t, http.StatusOK, req("/api/terminals/till-1/settle").Code)
	assert.Equal(t, http.StatusOK, req("/api/terminals/till-2/settle").Code)
	assert.Equal(t, http.StatusTooManyRequests, req("/api/terminals/till-1/cart").Code)
}

func TestRateLimit_Refill(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 2, Window: time.Second})
	now := time.Now()

	_, _, ok := rl.reserve("k", now)
	require.True(t, ok)
	_, _, ok = rl.reserve("k", now)
	require.True(t, ok)

	_, wait, ok := rl.reserve("k", now)
	require.False(t, ok)
	assert.InDelta(t, 500*time.Millisecond, wait, float64(10*time.Millisecond))

	_, _, ok = rl.reserve("k", now.Add(600*time.Millisecond))
	assert.True(t, ok, "a token refills after Window/Max")
}

func TestRateLimit_Evict(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Second})
	now := time.Now()

	rl.reserve("a", now)
	rl.reserve("b", now.Add(time.Second))
	require.Equal(t, 2, rl.size())

	rl.evict(now.Add(2 * time.Second))
	assert.Equal(t, 1, rl.size())
}
