package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/feedgate"
	"pkt.systems/feedgate/internal/window"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage feedgate configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.feedgate/" + feedgate.DefaultConfigFileName
	if dir, err := feedgate.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, feedgate.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default feedgate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := feedgate.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, feedgate.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the generated file back unchanged.
type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	Origins                []string `yaml:"origins"`
	RouterSeed             uint64   `yaml:"router-seed"`
	AdmissionStore         string   `yaml:"admission-store"`
	CheckpointStore        string   `yaml:"checkpoint-store"`
	LiveLimit              int      `yaml:"live-limit"`
	LiveWindow             string   `yaml:"live-window"`
	AdmissionFailurePolicy string   `yaml:"admission-failure-policy"`
	LimitsFile             string   `yaml:"limits-file"`
	MaxLookback            string   `yaml:"max-lookback"`
	CheckpointFresh        string   `yaml:"checkpoint-fresh"`
	CheckpointStale        string   `yaml:"checkpoint-stale"`
	CheckpointLocalSize    int      `yaml:"checkpoint-local-size"`
	Tables                 []string `yaml:"tables"`
	DefaultColumns         []string `yaml:"default-columns"`
	ReservedColumns        []string `yaml:"reserved-columns"`
	UpstreamTimeout        string   `yaml:"upstream-timeout"`
	UpstreamMaxBody        string   `yaml:"upstream-max-body"`
	HTTP2MaxStreams        int      `yaml:"http2-max-streams"`
	DrainTimeout           string   `yaml:"drain-timeout"`
	SweeperInterval        string   `yaml:"sweeper-interval"`
	LimiterIdle            string   `yaml:"limiter-idle"`
	StorageRetryAttempts   int      `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64  `yaml:"storage-retry-multiplier"`
	AWSRegion              string   `yaml:"aws-region"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:                 feedgate.DefaultListen,
		MetricsListen:          feedgate.DefaultMetricsListen,
		PprofListen:            feedgate.DefaultPprofListen,
		Origins:                []string{"http://127.0.0.1:3000"},
		AdmissionStore:         feedgate.DefaultAdmissionStore,
		CheckpointStore:        feedgate.DefaultCheckpointStore,
		LiveLimit:              feedgate.DefaultLiveLimit,
		LiveWindow:             feedgate.DefaultLiveWindow.String(),
		AdmissionFailurePolicy: feedgate.DefaultAdmissionFailurePolicy,
		MaxLookback:            window.Format(feedgate.DefaultMaxLookback),
		CheckpointFresh:        window.Format(feedgate.DefaultCheckpointFresh),
		CheckpointStale:        window.Format(feedgate.DefaultCheckpointStale),
		CheckpointLocalSize:    feedgate.DefaultCheckpointLocalSize,
		Tables:                 []string{},
		DefaultColumns:         []string{},
		ReservedColumns:        []string{},
		UpstreamTimeout:        feedgate.DefaultUpstreamTimeout.String(),
		UpstreamMaxBody:        humanizeBytes(feedgate.DefaultUpstreamMaxBody),
		HTTP2MaxStreams:        feedgate.DefaultMaxConcurrentStreams,
		DrainTimeout:           feedgate.DefaultDrainTimeout.String(),
		SweeperInterval:        feedgate.DefaultSweeperInterval.String(),
		LimiterIdle:            feedgate.DefaultLimiterIdle.String(),
		StorageRetryAttempts:   feedgate.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  feedgate.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   feedgate.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: feedgate.DefaultStorageRetryMultiplier,
		LogLevel:               "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := []byte("# feedgate configuration\n# Keys match the command-line flags; FEEDGATE_* environment variables override them.\n")
	return append(header, data...), nil
}
