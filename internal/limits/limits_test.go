package limits

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/feedgate/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRateSpecParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    RateSpec
		want    Rate
		wantErr bool
	}{
		{name: "fixed", spec: RateSpec{Type: "fixed_window", Limit: 10, Window: "1m"}, want: FixedWindow{Limit: 10, Window: time.Minute}},
		{name: "sliding days", spec: RateSpec{Type: "sliding_window", Limit: 5, Window: "1d"}, want: SlidingWindow{Limit: 5, Window: 24 * time.Hour}},
		{name: "token bucket", spec: RateSpec{Type: "Token_Bucket", Rate: 100, Interval: "10s", Burst: 20}, want: TokenBucket{Rate: 100, Interval: 10 * time.Second, Burst: 20}},
		{name: "unknown type", spec: RateSpec{Type: "leaky"}, wantErr: true},
		{name: "missing window", spec: RateSpec{Type: "fixed_window", Limit: 1}, wantErr: true},
		{name: "zero limit", spec: RateSpec{Type: "sliding_window", Window: "1m"}, wantErr: true},
		{name: "zero burst", spec: RateSpec{Type: "token_bucket", Rate: 1, Interval: "1s"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.spec.Parse()
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if !tc.wantErr && got != tc.want {
				t.Fatalf("expected %#v, got %#v", tc.want, got)
			}
		})
	}
}

func TestSpecOfParsesBack(t *testing.T) {
	t.Parallel()

	for _, r := range []Rate{
		FixedWindow{Limit: 3, Window: time.Hour},
		SlidingWindow{Limit: 7, Window: 90 * time.Second},
		TokenBucket{Rate: 5, Interval: time.Minute, Burst: 2},
	} {
		got, err := SpecOf(r).Parse()
		if err != nil {
			t.Fatalf("%s: %v", r.Kind(), err)
		}
		if got != r {
			t.Fatalf("expected %#v, got %#v", r, got)
		}
	}
}

const overrides = `
default:
  concurrency: 50
environments:
  env_small:
    concurrency: 2
    rate: {type: fixed_window, limit: 10, window: 1m}
  env_broken:
    concurrency: 9
    rate: {type: fixed_window, limit: 0, window: 1m}
organizations:
  org_big:
    concurrency: 500
  org_rated:
    rate: {type: token_bucket, rate: 10, interval: 1s, burst: 5}
`

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "limits.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write overrides: %v", err)
	}
	return path
}

func TestFileProviderResolution(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), overrides)
	p, err := NewFileProvider(path, Policy{Concurrency: 100}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	tests := []struct {
		name     string
		env, org string
		wantConc int
		wantRate Rate
	}{
		{name: "default from file", env: "env_other", org: "org_other", wantConc: 50},
		{name: "environment override", env: "env_small", org: "org_big", wantConc: 2, wantRate: FixedWindow{Limit: 10, Window: time.Minute}},
		{name: "organization override", env: "env_other", org: "org_big", wantConc: 500},
		{name: "organization rate keeps default concurrency", env: "x", org: "org_rated", wantConc: 50, wantRate: TokenBucket{Rate: 10, Interval: time.Second, Burst: 5}},
		{name: "invalid entry falls back", env: "env_broken", org: "org_big", wantConc: 50},
	}
	for _, tc := range tests {
		got := p.Policy(tc.env, tc.org)
		if got.Concurrency != tc.wantConc || got.Rate != tc.wantRate {
			t.Fatalf("%s: expected {%d %#v}, got {%d %#v}", tc.name, tc.wantConc, tc.wantRate, got.Concurrency, got.Rate)
		}
	}
}

func TestFileProviderRejectsMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := NewFileProvider(filepath.Join(t.TempDir(), "absent.yaml"), Policy{}, nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileProviderWatchReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "default:\n  concurrency: 5\n")
	p, err := NewFileProvider(path, Policy{Concurrency: 100}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer p.Close()
	writeFile(t, dir, "default:\n  concurrency: 7\n")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.Policy("e", "o").Concurrency == 7 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("policy not reloaded, concurrency=%d", p.Policy("e", "o").Concurrency)
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	p := Static{Concurrency: 3}
	if got := p.Policy("a", "b"); got.Concurrency != 3 || got.Rate != nil {
		t.Fatalf("unexpected policy %+v", got)
	}
}

func TestEnforcerFixedWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	e := NewEnforcer(clk)
	r := FixedWindow{Limit: 2, Window: time.Minute}
	for i := 0; i < 2; i++ {
		if ok, _ := e.Allow("env", r); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	ok, retry := e.Allow("env", r)
	if ok || retry <= 0 || retry > time.Minute {
		t.Fatalf("expected rejection with retry in window, got ok=%v retry=%v", ok, retry)
	}
	if ok, _ := e.Allow("other", r); !ok {
		t.Fatal("keys must be isolated")
	}
	clk.Advance(time.Minute)
	if ok, _ := e.Allow("env", r); !ok {
		t.Fatal("next window should pass")
	}
}

func TestEnforcerSlidingWindowCarriesPreviousWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	e := NewEnforcer(clk)
	r := SlidingWindow{Limit: 4, Window: time.Minute}
	for i := 0; i < 4; i++ {
		if ok, _ := e.Allow("env", r); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	clk.Advance(time.Minute + 5*time.Second)
	if ok, _ := e.Allow("env", r); ok {
		t.Fatal("previous window should still weigh on the estimate")
	}
	clk.Advance(55 * time.Second)
	if ok, _ := e.Allow("env", r); !ok {
		t.Fatal("after a full quiet window the request should pass")
	}
}

func TestEnforcerTokenBucket(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	e := NewEnforcer(clk)
	r := TokenBucket{Rate: 1, Interval: time.Second, Burst: 2}
	for i := 0; i < 2; i++ {
		if ok, _ := e.Allow("env", r); !ok {
			t.Fatalf("burst request %d should pass", i)
		}
	}
	ok, retry := e.Allow("env", r)
	if ok || retry <= 0 || retry > time.Second {
		t.Fatalf("expected rejection with retry <= 1s, got ok=%v retry=%v", ok, retry)
	}
	clk.Advance(time.Second)
	if ok, _ := e.Allow("env", r); !ok {
		t.Fatal("refilled token should pass")
	}
}

func TestEnforcerReplacesLimiterOnRateChange(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	e := NewEnforcer(clk)
	tight := FixedWindow{Limit: 1, Window: time.Hour}
	if ok, _ := e.Allow("env", tight); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := e.Allow("env", tight); ok {
		t.Fatal("second request should be limited")
	}
	if ok, _ := e.Allow("env", FixedWindow{Limit: 5, Window: time.Hour}); !ok {
		t.Fatal("new rate should start a fresh limiter")
	}
	if ok, _ := e.Allow("env", nil); !ok {
		t.Fatal("nil rate always allows")
	}
}

func TestEnforcerPrune(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	e := NewEnforcer(clk)
	r := FixedWindow{Limit: 1, Window: time.Minute}
	e.Allow("a", r)
	clk.Advance(10 * time.Minute)
	e.Allow("b", r)
	if n := e.Prune(5 * time.Minute); n != 1 {
		t.Fatalf("expected one pruned limiter, got %d", n)
	}
	if e.Len() != 1 {
		t.Fatalf("expected one limiter left, got %d", e.Len())
	}
}
