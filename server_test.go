package feedgate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/feedgate/api"
	"pkt.systems/feedgate/internal/storage/memory"
)

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, string, func(context.Context) error) {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatal("listener address not set")
	}
	return srv, "http://" + addr.String(), stop
}

func shapeRequest(t *testing.T, base, query string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, base+api.ShapesPathPrefix+"runs"+query, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(api.HeaderEnvironment, "env_1")
	req.Header.Set(api.HeaderOrganization, "org_1")
	req.Header.Set(api.HeaderClientVersion, "1.0.0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func TestServerProxiesShapeRequests(t *testing.T) {
	t.Parallel()
	var where atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != api.OriginShapePath {
			http.NotFound(w, r)
			return
		}
		where.Store(r.URL.Query().Get(api.OriginParamWhere))
		w.Header().Set(api.HeaderHandle, "h-1")
		w.Header().Set(api.HeaderOffset, "0_0")
		_, _ = io.WriteString(w, `[{"headers":{"control":"up-to-date"}}]`)
	}))
	t.Cleanup(origin.Close)

	_, base, stop := startTestServer(t, Config{Origins: []string{origin.URL}})
	t.Cleanup(func() { _ = stop(context.Background()) })

	resp := shapeRequest(t, base, "?window=1d")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(api.HeaderHandle); got != "h-1" {
		t.Fatalf("expected handle h-1, got %q", got)
	}
	if resp.Header.Get(api.HeaderCorrelationID) == "" {
		t.Fatal("expected correlation id on response")
	}
	clause, _ := where.Load().(string)
	if clause == "" {
		t.Fatal("origin did not receive a where clause")
	}
}

func TestServerHealthEndpoints(t *testing.T) {
	t.Parallel()
	origin := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(origin.Close)
	_, base, stop := startTestServer(t, Config{Origins: []string{origin.URL}, CheckpointStore: "mem://"})
	t.Cleanup(func() { _ = stop(context.Background()) })

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, name := range []string{"admission_store", "checkpoint_store"} {
		if health.Checks[name] != "ok" {
			t.Fatalf("expected %s ok, got %+v", name, health.Checks)
		}
	}
}

func TestServerShutdownCancelsStuckPolls(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{}, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-r.Context().Done()
	}))
	t.Cleanup(origin.Close)

	srv, base, stop := startTestServer(t, Config{
		Origins:      []string{origin.URL},
		DrainTimeout: 100 * time.Millisecond,
	}, WithAdmissionStore(memory.NewAdmissionStore()))

	done := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, base+api.ShapesPathPrefix+"runs?live=true&handle=h-1&offset=0_0", nil)
		req.Header.Set(api.HeaderEnvironment, "env_1")
		req.Header.Set(api.HeaderClientVersion, "1.0.0")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("live poll never reached the origin")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("client request did not finish after shutdown")
	}

	resp, err := http.Get(base + "/healthz")
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected listener to be closed after shutdown")
	}
	if srv.Shutdown(context.Background()) != nil {
		t.Fatal("second shutdown should be a no-op")
	}
}

func TestNewServerRejectsBadStores(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(Config{Origins: []string{"http://o"}, AdmissionStore: "ftp://x"}); err == nil {
		t.Fatal("expected unsupported admission store error")
	}
	if _, err := NewServer(Config{Origins: []string{"http://o"}, CheckpointStore: "ftp://x"}); err == nil {
		t.Fatal("expected unsupported checkpoint store error")
	}
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected missing origin error")
	}
}
