package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/feedgate"
	"pkt.systems/feedgate/internal/svcfields"
	"pkt.systems/feedgate/internal/window"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FEEDGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "feedgate")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if c, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if c == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := feedgate.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, feedgate.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg feedgate.Config

	cmd := &cobra.Command{
		Use:           "feedgate",
		Short:         "feedgate is a multi-tenant gateway in front of realtime change-feed origins",
		SilenceErrors: true,
		Example: `
  # Two origins, in-process admission, local checkpoints only
  feedgate --origins http://origin-0:3000,http://origin-1:3000

  # Shared admission in Redis, checkpoints in Postgres
  FEEDGATE_ADMISSION_STORE=redis://cache:6379/0 \
  FEEDGATE_CHECKPOINT_STORE='postgres://feedgate@db/feedgate?sslmode=disable' \
  feedgate --origins http://origin-0:3000

  # JetStream KV for both, fail open when NATS is unreachable
  feedgate --origins http://origin-0:3000 --admission-store nats://nats:4222 \
    --checkpoint-store nats://nats:4222 --admission-failure-policy open

  # Checkpoints in MinIO (append ?insecure=1 for HTTP)
  FEEDGATE_S3_ACCESS_KEY_ID=minioadmin FEEDGATE_S3_SECRET_ACCESS_KEY=minioadmin \
  feedgate --origins http://origin-0:3000 --checkpoint-store s3://localhost:9000/feedgate?insecure=1
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to feedgate",
				"app", "feedgate",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := feedgate.NewServer(cfg, feedgate.WithLogger(logger))
			if err != nil {
				return err
			}
			cliLogger.Info("server.limits",
				"upstream_max_body", humanizeBytes(cfg.UpstreamMaxBody),
				"upstream_timeout", cfg.UpstreamTimeout,
				"http2_max_streams", cfg.HTTP2MaxConcurrentStreams,
			)
			shutdown := func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}
			defer shutdown()
			go func() {
				<-ctx.Done()
				shutdown()
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.feedgate/"+feedgate.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", feedgate.DefaultListen, "listen address")
	flags.String("metrics-listen", feedgate.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", feedgate.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host[:port], grpc://, grpcs://, http:// or https://)")
	flags.StringSlice("origins", nil, "origin base URLs; tenants are placed by index so keep the order stable")
	flags.Uint64("router-seed", 0, "seed mixed into the tenant hash (changing it reshuffles placement)")
	flags.String("admission-store", feedgate.DefaultAdmissionStore, "admission store URL (mem://, redis://host:6379/0, nats://host:4222)")
	flags.String("checkpoint-store", feedgate.DefaultCheckpointStore, "shared checkpoint store URL (mem://, redis://, nats://, postgres://, s3://, aws://, azure://; empty keeps checkpoints local)")
	flags.Int("live-limit", feedgate.DefaultLiveLimit, "default concurrent live requests per environment")
	flags.Duration("live-window", feedgate.DefaultLiveWindow, "how long an unreleased admission slot counts")
	flags.String("admission-failure-policy", feedgate.DefaultAdmissionFailurePolicy, "behaviour when the admission store is unreachable (closed, open)")
	flags.String("limits-file", "", "YAML file with per-environment and per-organization overrides (hot-reloaded)")
	flags.String("max-lookback", window.Format(feedgate.DefaultMaxLookback), "maximum relative window (e.g. 30d)")
	flags.String("checkpoint-fresh", window.Format(feedgate.DefaultCheckpointFresh), "age below which a pinned checkpoint is fresh")
	flags.String("checkpoint-stale", window.Format(feedgate.DefaultCheckpointStale), "total lifetime of a pinned checkpoint")
	flags.Int("checkpoint-local-size", feedgate.DefaultCheckpointLocalSize, "maximum checkpoints kept in process")
	flags.StringSlice("tables", nil, "tables callers may subscribe to (empty allows any valid identifier)")
	flags.StringSlice("default-columns", nil, "columns requested from the origin unless skipped")
	flags.StringSlice("reserved-columns", nil, "columns that can never be skipped")
	flags.String("tenant-column", "", "column holding the environment id")
	flags.String("entity-column", "", "column matched by the entity filter")
	flags.String("tags-column", "", "array column matched by the tags filter")
	flags.String("time-column", "", "timestamp column bounded by the window cutoff")
	flags.Duration("upstream-timeout", feedgate.DefaultUpstreamTimeout, "timeout for one origin call, live polls included")
	flags.String("upstream-max-body", humanizeBytes(feedgate.DefaultUpstreamMaxBody), "maximum buffered origin response (e.g. 64MiB)")
	flags.Int("http2-max-streams", feedgate.DefaultMaxConcurrentStreams, "HTTP/2 MaxConcurrentStreams per connection")
	flags.Duration("drain-timeout", feedgate.DefaultDrainTimeout, "how long in-flight polls may run after shutdown begins")
	flags.Duration("sweeper-interval", feedgate.DefaultSweeperInterval, "interval for expiring checkpoints and idle rate limiters")
	flags.Duration("limiter-idle", feedgate.DefaultLimiterIdle, "how long an unused rate limiter is kept")
	flags.Int("storage-retry-attempts", feedgate.DefaultStorageRetryMaxAttempts, "checkpoint store attempts for transient errors")
	flags.Duration("storage-retry-base-delay", feedgate.DefaultStorageRetryBaseDelay, "base delay between checkpoint store retries")
	flags.Duration("storage-retry-max-delay", feedgate.DefaultStorageRetryMaxDelay, "maximum delay between checkpoint store retries")
	flags.Float64("storage-retry-multiplier", feedgate.DefaultStorageRetryMultiplier, "backoff multiplier between checkpoint store retries")
	flags.String("aws-region", "", "region for aws:// checkpoint stores without ?region=")
	flags.String("azure-key", "", "Azure storage account key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")

	lookup := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("FEEDGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"origins", "router-seed",
		"admission-store", "checkpoint-store", "live-limit", "live-window", "admission-failure-policy", "limits-file",
		"max-lookback", "checkpoint-fresh", "checkpoint-stale", "checkpoint-local-size",
		"tables", "default-columns", "reserved-columns", "tenant-column", "entity-column", "tags-column", "time-column",
		"upstream-timeout", "upstream-max-body", "http2-max-streams", "drain-timeout", "sweeper-interval", "limiter-idle",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"aws-region", "azure-key", "azure-endpoint", "azure-sas-token",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newRouteCommand())
	cmd.AddCommand(newWindowCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *feedgate.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.Origins = viper.GetStringSlice("origins")
	cfg.RouterSeed = viper.GetUint64("router-seed")
	cfg.AdmissionStore = viper.GetString("admission-store")
	cfg.CheckpointStore = viper.GetString("checkpoint-store")
	cfg.LiveLimit = viper.GetInt("live-limit")
	cfg.LiveWindow = viper.GetDuration("live-window")
	cfg.AdmissionFailurePolicy = viper.GetString("admission-failure-policy")
	cfg.LimitsFile = viper.GetString("limits-file")
	for _, w := range []struct {
		key string
		dst *time.Duration
	}{
		{"max-lookback", &cfg.MaxLookback},
		{"checkpoint-fresh", &cfg.CheckpointFresh},
		{"checkpoint-stale", &cfg.CheckpointStale},
	} {
		raw := strings.TrimSpace(viper.GetString(w.key))
		if raw == "" {
			continue
		}
		d, err := window.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", w.key, err)
		}
		*w.dst = d
	}
	cfg.CheckpointLocalSize = viper.GetInt("checkpoint-local-size")
	cfg.Tables = viper.GetStringSlice("tables")
	cfg.DefaultColumns = viper.GetStringSlice("default-columns")
	cfg.ReservedColumns = viper.GetStringSlice("reserved-columns")
	cfg.TenantColumn = viper.GetString("tenant-column")
	cfg.EntityColumn = viper.GetString("entity-column")
	cfg.TagsColumn = viper.GetString("tags-column")
	cfg.TimeColumn = viper.GetString("time-column")
	cfg.UpstreamTimeout = viper.GetDuration("upstream-timeout")
	if raw := strings.TrimSpace(viper.GetString("upstream-max-body")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse upstream-max-body: %w", err)
		}
		cfg.UpstreamMaxBody = int64(size)
	}
	cfg.HTTP2MaxConcurrentStreams = viper.GetInt("http2-max-streams")
	cfg.DrainTimeout = viper.GetDuration("drain-timeout")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.LimiterIdle = viper.GetDuration("limiter-idle")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
