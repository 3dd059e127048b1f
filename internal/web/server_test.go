package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ehsanking/cipher-relay/internal/stats"
	"github.com/stretchr/testify/require"
)

func newTestHandler(user, pass string) (http.Handler, *stats.Manager) {
	metrics := stats.NewMetrics()
	m := stats.NewManager(metrics)
	return NewHandler(Options{User: user, Pass: pass}, m, metrics), m
}

func get(h http.Handler, path string, auth ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConnectionsAndStats(t *testing.T) {
	h, m := newTestHandler("", "")
	c := stats.NewConnection(stats.KindHTTPS, "127.0.0.1:5000", "example.com:443")
	m.Add(c)
	c.AddUpload(2048, 2076)

	rec := get(h, "/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	var conns []ConnectionJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conns))
	require.Len(t, conns, 1)
	require.Equal(t, "https", conns[0].Type)
	require.Equal(t, uint64(2048), conns[0].Upload)
	require.NotEmpty(t, conns[0].Sent)

	rec = get(h, "/stats")
	var targets []StatJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &targets))
	require.Len(t, targets, 1)
	require.Equal(t, "example.com:443", targets[0].Target)

	rec = get(h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cipher_relay_upstream_plain_bytes_total 2048")
}

func TestBasicAuth(t *testing.T) {
	h, _ := newTestHandler("admin", "secret")

	require.Equal(t, http.StatusUnauthorized, get(h, "/stats").Code)
	require.Equal(t, http.StatusUnauthorized, get(h, "/stats", "admin", "wrong").Code)
	require.Equal(t, http.StatusOK, get(h, "/stats", "admin", "secret").Code)
}

func TestKill(t *testing.T) {
	h, m := newTestHandler("", "")
	c := stats.NewConnection(stats.KindSocks5, "127.0.0.1:5000", "a:80")
	closed := false
	c.SetCloser(func() error {
		closed = true
		return nil
	})
	m.Add(c)

	require.Equal(t, http.StatusMethodNotAllowed, get(h, "/kill?id="+c.ID.String()).Code)

	req := httptest.NewRequest(http.MethodPost, "/kill?id="+c.ID.String(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, closed)

	req = httptest.NewRequest(http.MethodPost, "/kill?id=nope", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2)
	require.True(t, l.Allow("10.0.0.1:1000"))
	require.True(t, l.Allow("10.0.0.1:1001"))
	require.False(t, l.Allow("10.0.0.1:1002"))
	require.True(t, l.Allow("10.0.0.2:1000"))

	handler := l.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", strings.NewReader(""))
	req.RemoteAddr = "10.0.0.1:2000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
