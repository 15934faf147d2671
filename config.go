package feedgate

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/feedgate/internal/admission"
	"pkt.systems/feedgate/internal/checkpoint"
	"pkt.systems/feedgate/internal/longpoll"
	"pkt.systems/feedgate/internal/window"
)

const (
	// DefaultListen is the default TCP endpoint the gateway binds to.
	DefaultListen = ":9380"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultAdmissionStore keeps admission slots in process. Only correct
	// for a single gateway instance.
	DefaultAdmissionStore = "mem://"
	// DefaultCheckpointStore is empty: checkpoints live in the local tier only.
	DefaultCheckpointStore = ""
	// DefaultLiveLimit caps concurrent live requests per tenant.
	DefaultLiveLimit = admission.DefaultLimit
	// DefaultLiveWindow is how long an unreleased admission slot counts.
	DefaultLiveWindow = admission.DefaultWindow
	// DefaultAdmissionFailurePolicy rejects live requests when the admission
	// store is unreachable.
	DefaultAdmissionFailurePolicy = "closed"
	// DefaultMaxLookback clamps relative windows.
	DefaultMaxLookback = window.DefaultMaxLookback
	// DefaultCheckpointFresh is the age below which a checkpoint is fresh.
	DefaultCheckpointFresh = checkpoint.DefaultFresh
	// DefaultCheckpointStale is the total lifetime of a checkpoint.
	DefaultCheckpointStale = checkpoint.DefaultStale
	// DefaultCheckpointLocalSize bounds the local checkpoint tier.
	DefaultCheckpointLocalSize = checkpoint.DefaultLocalSize
	// DefaultUpstreamTimeout bounds one origin call, live polls included.
	DefaultUpstreamTimeout = longpoll.DefaultTimeout
	// DefaultUpstreamMaxBody caps a buffered origin response.
	DefaultUpstreamMaxBody = int64(longpoll.DefaultMaxBody)
	// DefaultMaxConcurrentStreams sets the HTTP/2 MaxConcurrentStreams. Live
	// polls hold a stream each, so this is well above the http2 default.
	DefaultMaxConcurrentStreams = 1024
	// DefaultDrainTimeout is how long in-flight polls may run after shutdown
	// begins before they are cancelled.
	DefaultDrainTimeout = 30 * time.Second
	// DefaultSweeperInterval sets how often expired checkpoints are swept
	// from stores that need it.
	DefaultSweeperInterval = 5 * time.Minute
	// DefaultLimiterIdle is how long an unused rate limiter is kept.
	DefaultLimiterIdle = 30 * time.Minute
	// DefaultStorageRetryMaxAttempts describes how many transient checkpoint
	// store errors are retried.
	DefaultStorageRetryMaxAttempts = 3
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a feedgate Server.
type Config struct {
	Listen        string
	MetricsListen string
	PprofListen   string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus
	// endpoint. Requires MetricsListen.
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	// Origins lists change-feed origin base URLs. Order matters: tenants are
	// placed by index.
	Origins    []string
	RouterSeed uint64

	AdmissionStore         string
	CheckpointStore        string
	LiveLimit              int
	LiveWindow             time.Duration
	AdmissionFailurePolicy string
	LimitsFile             string

	MaxLookback         time.Duration
	CheckpointFresh     time.Duration
	CheckpointStale     time.Duration
	CheckpointLocalSize int

	Tables          []string
	DefaultColumns  []string
	ReservedColumns []string
	TenantColumn    string
	EntityColumn    string
	TagsColumn      string
	TimeColumn      string

	UpstreamTimeout           time.Duration
	UpstreamMaxBody           int64
	HTTP2MaxConcurrentStreams int
	DrainTimeout              time.Duration
	SweeperInterval           time.Duration
	LimiterIdle               time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// AWSRegion applies to aws:// stores that omit ?region=.
	AWSRegion       string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	origins := make([]string, 0, len(c.Origins))
	for _, raw := range c.Origins {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			u, err := url.Parse(part)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("config: origin %q is not an absolute URL", part)
			}
			origins = append(origins, part)
		}
	}
	if len(origins) == 0 {
		return fmt.Errorf("config: at least one origin is required")
	}
	c.Origins = origins
	if c.AdmissionStore == "" {
		c.AdmissionStore = DefaultAdmissionStore
	}
	if c.LiveLimit <= 0 {
		c.LiveLimit = DefaultLiveLimit
	}
	if c.LiveWindow <= 0 {
		c.LiveWindow = DefaultLiveWindow
	}
	c.AdmissionFailurePolicy = strings.ToLower(strings.TrimSpace(c.AdmissionFailurePolicy))
	if c.AdmissionFailurePolicy == "" {
		c.AdmissionFailurePolicy = DefaultAdmissionFailurePolicy
	}
	if _, err := admission.ParseFailurePolicy(c.AdmissionFailurePolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxLookback <= 0 {
		c.MaxLookback = DefaultMaxLookback
	}
	if c.CheckpointFresh <= 0 {
		c.CheckpointFresh = DefaultCheckpointFresh
	}
	if c.CheckpointStale <= 0 {
		c.CheckpointStale = DefaultCheckpointStale
	}
	if c.CheckpointStale < c.CheckpointFresh {
		return fmt.Errorf("config: checkpoint-stale must be >= checkpoint-fresh")
	}
	if c.CheckpointLocalSize <= 0 {
		c.CheckpointLocalSize = DefaultCheckpointLocalSize
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.LiveWindow <= c.UpstreamTimeout {
		return fmt.Errorf("config: live-window (%s) must exceed upstream-timeout (%s)", c.LiveWindow, c.UpstreamTimeout)
	}
	if c.UpstreamMaxBody <= 0 {
		c.UpstreamMaxBody = DefaultUpstreamMaxBody
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2-max-streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("config: drain-timeout must be >= 0")
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.SweeperInterval <= 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.LimiterIdle <= 0 {
		c.LimiterIdle = DefaultLimiterIdle
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.feedgate).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FEEDGATE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".feedgate"), nil
}
