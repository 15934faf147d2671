package feedgate

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Origins: []string{"http://origin-0:3000, http://origin-1:3000", " "}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Origins) != 2 || cfg.Origins[1] != "http://origin-1:3000" {
		t.Fatalf("unexpected origins %v", cfg.Origins)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.AdmissionStore != DefaultAdmissionStore {
		t.Fatalf("expected admission store %q, got %q", DefaultAdmissionStore, cfg.AdmissionStore)
	}
	if cfg.LiveLimit != DefaultLiveLimit || cfg.LiveWindow != DefaultLiveWindow {
		t.Fatalf("unexpected live admission defaults %d/%s", cfg.LiveLimit, cfg.LiveWindow)
	}
	if cfg.AdmissionFailurePolicy != "closed" {
		t.Fatalf("expected fail-closed default, got %q", cfg.AdmissionFailurePolicy)
	}
	if cfg.CheckpointFresh != DefaultCheckpointFresh || cfg.CheckpointStale != DefaultCheckpointStale {
		t.Fatalf("unexpected checkpoint windows %s/%s", cfg.CheckpointFresh, cfg.CheckpointStale)
	}
	if cfg.HTTP2MaxConcurrentStreams != DefaultMaxConcurrentStreams {
		t.Fatalf("expected %d streams, got %d", DefaultMaxConcurrentStreams, cfg.HTTP2MaxConcurrentStreams)
	}
	if cfg.DrainTimeout != DefaultDrainTimeout {
		t.Fatalf("expected drain timeout %s, got %s", DefaultDrainTimeout, cfg.DrainTimeout)
	}
	if cfg.StorageRetryMultiplier != DefaultStorageRetryMultiplier {
		t.Fatalf("unexpected retry multiplier %v", cfg.StorageRetryMultiplier)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "no origins", cfg: Config{}, want: "at least one origin"},
		{name: "relative origin", cfg: Config{Origins: []string{"origin-0:3000/x"}}, want: "not an absolute URL"},
		{name: "bad policy", cfg: Config{Origins: []string{"http://o"}, AdmissionFailurePolicy: "sometimes"}, want: "config:"},
		{name: "stale before fresh", cfg: Config{Origins: []string{"http://o"}, CheckpointFresh: 48 * time.Hour, CheckpointStale: time.Hour}, want: "checkpoint-stale"},
		{name: "negative streams", cfg: Config{Origins: []string{"http://o"}, HTTP2MaxConcurrentStreams: -1}, want: "http2-max-streams"},
		{name: "negative drain", cfg: Config{Origins: []string{"http://o"}, DrainTimeout: -time.Second}, want: "drain-timeout"},
		{name: "live window under upstream timeout", cfg: Config{Origins: []string{"http://o"}, LiveWindow: 30 * time.Second, UpstreamTimeout: 90 * time.Second}, want: "live-window"},
		{name: "live window equals default upstream timeout", cfg: Config{Origins: []string{"http://o"}, LiveWindow: DefaultUpstreamTimeout}, want: "must exceed upstream-timeout"},
		{name: "profiling without metrics", cfg: Config{Origins: []string{"http://o"}, EnableProfilingMetrics: true}, want: "metrics-listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigValidateNormalizesPolicy(t *testing.T) {
	t.Parallel()
	cfg := Config{Origins: []string{"http://o"}, AdmissionFailurePolicy: " OPEN "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.AdmissionFailurePolicy != "open" {
		t.Fatalf("expected normalized policy, got %q", cfg.AdmissionFailurePolicy)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FEEDGATE_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
}
