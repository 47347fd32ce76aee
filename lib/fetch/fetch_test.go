package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crawlcompose/lib/composer"
	"crawlcompose/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func newServer(t testing.TB) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("x-method", r.Method)
		w.Header().Set("x-content-type", r.Header.Get("content-type"))
		w.Header().Set("x-user-agent", r.Header.Get("user-agent"))
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		http.Redirect(w, r, "/whoami", http.StatusFound)
	})
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		if err != nil {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(cookie.Value))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newClient(t testing.TB, cfg Config) *Client {
	t.Helper()
	client, err := NewClient(cfg, &telemetry.MemoryAPI{})
	require.NoError(t, err)
	return client
}

func TestFetchPOST(t *testing.T) {
	server := newServer(t)
	client := newClient(t, Config{UserAgent: "crawlctl-test"})

	req := composer.NewPOSTRequest(server.URL+"/echo", []byte("1,2,3"))
	req.Header.Set("content-type", "text/plain")

	res, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "1,2,3", string(res.Body))
	require.Equal(t, http.MethodPost, res.Header.Get("x-method"))
	require.Equal(t, "text/plain", res.Header.Get("x-content-type"))
	require.Equal(t, "crawlctl-test", res.Header.Get("x-user-agent"))
	require.Same(t, req, res.Request)
}

func TestFetchStatusIsNotAnError(t *testing.T) {
	server := newServer(t)
	client := newClient(t, Config{})

	res, err := client.Fetch(context.Background(), composer.NewRequest(server.URL+"/missing"))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.Status)

	_, err = client.Get(context.Background(), server.URL+"/missing")
	require.ErrorContains(t, err, "unexpected status 404")
}

func TestFetchCookiesAndRedirects(t *testing.T) {
	server := newServer(t)
	client := newClient(t, Config{MaxRedirects: 3})

	res, err := client.Fetch(context.Background(), composer.NewRequest(server.URL+"/login"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "abc", string(res.Body))
	require.Equal(t, server.URL+"/whoami", res.URL)

	body, err := client.Get(context.Background(), server.URL+"/whoami")
	require.NoError(t, err)
	require.Equal(t, "abc", string(body))
}

func TestFetchRateLimit(t *testing.T) {
	server := newServer(t)
	client := newClient(t, Config{RateLimit: 20, Burst: 1})

	start := time.Now()
	for range 3 {
		_, err := client.Get(context.Background(), server.URL+"/echo")
		require.NoError(t, err)
	}
	// the first request uses the burst, the other two wait 50ms each
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestFetchCancelled(t *testing.T) {
	server := newServer(t)
	client := newClient(t, Config{RateLimit: 1, Burst: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Fetch(ctx, composer.NewRequest(server.URL+"/echo"))
	require.Error(t, err)
}

func TestFetchDebugOutput(t *testing.T) {
	server := newServer(t)
	dir := t.TempDir()
	client := newClient(t, Config{DebugOutputDir: dir})

	_, err := client.Get(context.Background(), server.URL+"/echo")
	require.NoError(t, err)
}
