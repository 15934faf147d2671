package longpoll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/feedgate/api"
	"pkt.systems/feedgate/internal/admission"
	"pkt.systems/feedgate/internal/checkpoint"
	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/correlation"
	"pkt.systems/feedgate/internal/shape"
	"pkt.systems/feedgate/internal/storage"
	"pkt.systems/feedgate/internal/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type releaseCounter struct {
	*memory.AdmissionStore
	releases atomic.Int32
}

func (r *releaseCounter) Release(ctx context.Context, tenant, id string) error {
	r.releases.Add(1)
	return r.AdmissionStore.Release(ctx, tenant, id)
}

func newLease(t *testing.T) (*admission.Lease, *releaseCounter) {
	t.Helper()
	store := &releaseCounter{AdmissionStore: memory.NewAdmissionStore()}
	ctrl, err := admission.New(admission.Config{Store: store, Clock: clock.NewManual(epoch)})
	if err != nil {
		t.Fatalf("admission: %v", err)
	}
	lease, err := ctrl.Admit(context.Background(), "env", "req-1", 1, time.Minute)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return lease, store
}

func TestExecutePinsCheckpointForFreshSubscription(t *testing.T) {
	t.Parallel()

	var seen url.Values
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != api.OriginShapePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		seen = r.URL.Query()
		w.Header().Set(api.HeaderHandle, "H-1")
		w.Header().Set(api.HeaderOffset, "0_0")
		w.Header().Set("Access-Control-Expose-Headers", "Feedgate-Handle, Feedgate-Offset")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer origin.Close()

	clk := clock.NewManual(epoch)
	cache := checkpoint.New(checkpoint.Config{Store: memory.NewCheckpointStore(clk), Clock: clk})
	exec := New(Config{Checkpoints: cache})
	lease, store := newLease(t)
	cutoff := epoch.Add(-24 * time.Hour)
	resp, err := exec.Execute(context.Background(), Request{
		Origin:  origin.URL,
		Query:   shape.Query{Table: "runs", Where: `"env" = 'e'`, Columns: []string{"id"}, Live: true},
		Adapter: shape.ForVersion(""),
		Cutoff:  cutoff,
		Lease:   lease,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seen.Get(api.OriginParamTable) != "runs" || seen.Get(api.ParamLive) != "true" {
		t.Fatalf("unexpected upstream query %v", seen)
	}
	if resp.Handle != "H-1" {
		t.Fatalf("expected handle H-1, got %q", resp.Handle)
	}
	if resp.Header.Get(api.LegacyHeaderHandle) != "H-1" || resp.Header.Get(api.HeaderHandle) != "" {
		t.Fatalf("legacy caller expected renamed headers, got %v", resp.Header)
	}
	if got := resp.Header.Get("Access-Control-Expose-Headers"); got != "Shape-Id, Shape-Offset" {
		t.Fatalf("unexpected expose headers %q", got)
	}
	pinned, ok := cache.Get(context.Background(), "H-1")
	if !ok || !pinned.Equal(cutoff) {
		t.Fatalf("expected pinned cutoff %v, got %v ok=%v", cutoff, pinned, ok)
	}
	if n := store.releases.Load(); n != 1 {
		t.Fatalf("expected one release, got %d", n)
	}
}

func TestExecuteResumedRequestDoesNotRepin(t *testing.T) {
	t.Parallel()

	var handleParam atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleParam.Store(r.URL.Query().Get(api.ParamHandle))
		w.Header().Set(api.HeaderHandle, "H-2")
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	clk := clock.NewManual(epoch)
	cache := checkpoint.New(checkpoint.Config{Clock: clk})
	exec := New(Config{Checkpoints: cache})
	resp, err := exec.Execute(context.Background(), Request{
		Origin:  origin.URL,
		Query:   shape.Query{Table: "runs", Handle: "H-1"},
		Adapter: shape.ForVersion("1.0"),
		Cutoff:  epoch,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if handleParam.Load() != "H-1" {
		t.Fatalf("current caller handle param missing, got %v", handleParam.Load())
	}
	if resp.Header.Get(api.HeaderHandle) != "H-2" {
		t.Fatalf("current caller should keep header names, got %v", resp.Header)
	}
	if cache.Len() != 0 {
		t.Fatalf("resumed request must not pin, cache len %d", cache.Len())
	}
}

func TestExecuteProxiesOriginErrors(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"must refetch"}`))
	}))
	defer origin.Close()

	exec := New(Config{})
	lease, store := newLease(t)
	_, err := exec.Execute(context.Background(), Request{
		Origin:  origin.URL,
		Query:   shape.Query{Table: "runs", Live: true},
		Adapter: shape.ForVersion(""),
		Lease:   lease,
	})
	var oe *OriginError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OriginError, got %v", err)
	}
	if oe.Status != http.StatusConflict || string(oe.Body) != `{"message":"must refetch"}` || oe.Unreachable() {
		t.Fatalf("unexpected origin error %+v", oe)
	}
	if store.releases.Load() != 1 {
		t.Fatalf("expected release on origin error, got %d", store.releases.Load())
	}
}

func TestExecuteUnreachableOrigin(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.NotFoundHandler())
	addr := origin.URL
	origin.Close()

	exec := New(Config{})
	lease, store := newLease(t)
	_, err := exec.Execute(context.Background(), Request{Origin: addr, Query: shape.Query{Table: "runs"}, Lease: lease})
	var oe *OriginError
	if !errors.As(err, &oe) || !oe.Unreachable() {
		t.Fatalf("expected unreachable origin error, got %v", err)
	}
	if store.releases.Load() != 1 {
		t.Fatalf("expected release on network error, got %d", store.releases.Load())
	}
}

func TestExecuteCancellationPropagates(t *testing.T) {
	t.Parallel()

	upstreamDone := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer origin.Close()

	exec := New(Config{})
	lease, store := newLease(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := exec.Execute(ctx, Request{Origin: origin.URL, Query: shape.Query{Table: "runs", Live: true}, Lease: lease})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
	if store.releases.Load() != 1 {
		t.Fatalf("cancelled request leaked its slot, releases=%d", store.releases.Load())
	}
}

func TestExecuteForwardsCorrelationID(t *testing.T) {
	t.Parallel()

	var got atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get(api.HeaderCorrelationID))
	}))
	defer origin.Close()

	ctx := correlation.Set(context.Background(), "cid-123")
	if _, err := New(Config{}).Execute(ctx, Request{Origin: origin.URL, Query: shape.Query{Table: "runs"}}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Load() != "cid-123" {
		t.Fatalf("expected correlation id forwarded, got %v", got.Load())
	}
}

func TestExecuteRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer origin.Close()

	_, err := New(Config{MaxBody: 16}).Execute(context.Background(), Request{Origin: origin.URL, Query: shape.Query{Table: "runs"}})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestOriginURL(t *testing.T) {
	t.Parallel()

	got, err := originURL("http://origin:3000/base/", url.Values{"table": {"runs"}})
	if err != nil {
		t.Fatalf("origin url: %v", err)
	}
	if got != "http://origin:3000/base/v1/shape?table=runs" {
		t.Fatalf("unexpected url %q", got)
	}
	if _, err := originURL("origin:3000", nil); err == nil {
		t.Fatal("expected error for relative origin")
	}
}

var _ storage.AdmissionStore = (*releaseCounter)(nil)
