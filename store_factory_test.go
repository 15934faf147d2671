package feedgate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
	"pkt.systems/feedgate/internal/storage/memory"
)

func TestOpenAdmissionStoreSchemes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := openAdmissionStore(ctx, Config{AdmissionStore: "mem://"})
	if err != nil {
		t.Fatalf("mem: %v", err)
	}
	if _, ok := store.(*memory.AdmissionStore); !ok {
		t.Fatalf("expected memory admission store, got %T", store)
	}
	_ = store.Close()

	if _, err := openAdmissionStore(ctx, Config{AdmissionStore: "postgres://db/feedgate"}); err == nil {
		t.Fatal("expected postgres to be rejected for admission")
	}
}

func TestOpenAdmissionStoreRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	cfg := Config{AdmissionStore: "redis://" + mr.Addr() + "/0?prefix=test"}
	store, err := openAdmissionStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	res, err := store.Acquire(context.Background(), storage.AcquireRequest{
		Tenant:    "env_1",
		RequestID: "req-1",
		Limit:     1,
		Window:    time.Minute,
		Now:       time.Unix(1_700_000_000, 0),
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Granted {
		t.Fatal("expected first slot to be granted")
	}
	for _, key := range mr.Keys() {
		if !strings.HasPrefix(key, "test:") {
			t.Fatalf("key %q does not carry the configured prefix", key)
		}
	}
}

func TestOpenCheckpointStoreEmptyIsLocalOnly(t *testing.T) {
	t.Parallel()
	store, creds, err := openCheckpointStore(context.Background(), Config{}, clock.Real{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store != nil || creds.Source != "" {
		t.Fatalf("expected no shared tier, got %T %+v", store, creds)
	}
	if wrapped := wrapCheckpointStore(store, Config{}, clock.Real{}, nil); wrapped != nil {
		t.Fatalf("wrapping nil should stay nil, got %T", wrapped)
	}
}

func TestOpenCheckpointStoreRejectsUnknownScheme(t *testing.T) {
	t.Parallel()
	_, _, err := openCheckpointStore(context.Background(), Config{CheckpointStore: "ftp://host/x"}, clock.Real{})
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestOpenCheckpointStoreS3ReportsCredentials(t *testing.T) {
	t.Setenv("FEEDGATE_S3_ACCESS_KEY_ID", "feedgate")
	t.Setenv("FEEDGATE_S3_SECRET_ACCESS_KEY", "secret")
	store, creds, err := openCheckpointStore(context.Background(), Config{CheckpointStore: "s3://minio:9000/checkpoints?insecure=1"}, clock.Real{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if creds.Source != "env:FEEDGATE_S3_ACCESS_KEY_ID" || creds.AccessKey != "feedgate" || !creds.HasSecret {
		t.Fatalf("unexpected credential summary %+v", creds)
	}
}

func TestBuildS3Config(t *testing.T) {
	t.Setenv("FEEDGATE_S3_ACCESS_KEY_ID", "feedgate")
	t.Setenv("FEEDGATE_S3_SECRET_ACCESS_KEY", "secret")
	cfg, loc, summary, err := BuildS3Config("s3://minio:9000/checkpoints/prod/eu?insecure=1&path-style=1&region=us-east-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Endpoint != "minio:9000" || cfg.Bucket != "checkpoints" || cfg.Region != "us-east-1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.Insecure || !cfg.ForcePathStyle {
		t.Fatalf("expected insecure path-style config, got %+v", cfg)
	}
	if loc.Prefix != "prod/eu" {
		t.Fatalf("unexpected prefix %q", loc.Prefix)
	}
	if summary.AccessKey != "feedgate" || !summary.HasSecret {
		t.Fatalf("unexpected credential summary %+v", summary)
	}
	if cfg.CustomCreds == nil {
		t.Fatal("expected static credentials")
	}

	if _, _, _, err := BuildS3Config("s3:///bucket"); err == nil {
		t.Fatal("expected missing host error")
	}
}

func TestBuildS3ConfigIncompleteCredentials(t *testing.T) {
	t.Setenv("FEEDGATE_S3_ACCESS_KEY_ID", "feedgate")
	t.Setenv("FEEDGATE_S3_SECRET_ACCESS_KEY", "")
	if _, _, _, err := BuildS3Config("s3://minio:9000/checkpoints"); err == nil {
		t.Fatal("expected incomplete credentials error")
	}
}

func TestBuildAWSConfigRegion(t *testing.T) {
	t.Setenv("FEEDGATE_AWS_REGION", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, _, err := BuildAWSConfig("aws://checkpoints/prod", ""); err == nil {
		t.Fatal("expected region error")
	}
	cfg, loc, err := BuildAWSConfig("aws://checkpoints/prod?region=eu-north-1", "us-east-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Region != "eu-north-1" || cfg.Bucket != "checkpoints" || loc.Prefix != "prod" {
		t.Fatalf("unexpected config %+v / %+v", cfg, loc)
	}
	cfg, _, err = BuildAWSConfig("aws://checkpoints", "us-east-1")
	if err != nil {
		t.Fatalf("build default region: %v", err)
	}
	if cfg.Region != "us-east-1" {
		t.Fatalf("expected fallback region, got %q", cfg.Region)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("FEEDGATE_AZURE_SAS_TOKEN", "")
	t.Setenv("AZURE_STORAGE_SAS_TOKEN", "")
	t.Setenv("AZURE_SAS_TOKEN", "")
	cfg, loc, err := BuildAzureConfig(Config{
		CheckpointStore: "azure://acct/feeds/checkpoints?endpoint=http://127.0.0.1:10000/acct",
		AzureAccountKey: "a2V5",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Account != "acct" || cfg.Container != "feeds" || cfg.AccountKey != "a2V5" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Endpoint != "http://127.0.0.1:10000/acct" || loc.Prefix != "checkpoints" {
		t.Fatalf("unexpected endpoint/prefix %q %q", cfg.Endpoint, loc.Prefix)
	}
	if _, _, err := BuildAzureConfig(Config{CheckpointStore: "azure://acct/"}); err == nil {
		t.Fatal("expected missing container error")
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":                            "",
		"mem://":                      "mem://",
		"nats://nats:4222":            "nats://nats:4222",
		"s3://minio:9000/bucket/cp":   "s3://minio:9000/bucket/cp",
		"redis://:hunter2@cache:6379": "redis://:xxxxx@cache:6379",
		"postgres://app:pw@db/feeds":  "postgres://app:xxxxx@db/feeds",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Fatalf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
