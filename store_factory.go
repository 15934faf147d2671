package feedgate

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
	loggingstore "pkt.systems/feedgate/internal/storage/logging"
	"pkt.systems/feedgate/internal/storage/memory"
	"pkt.systems/feedgate/internal/storage/natskv"
	"pkt.systems/feedgate/internal/storage/objectstore"
	awsdriver "pkt.systems/feedgate/internal/storage/objectstore/aws"
	azuredriver "pkt.systems/feedgate/internal/storage/objectstore/azure"
	s3driver "pkt.systems/feedgate/internal/storage/objectstore/s3"
	"pkt.systems/feedgate/internal/storage/postgres"
	redisstore "pkt.systems/feedgate/internal/storage/redis"
	"pkt.systems/feedgate/internal/storage/retry"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// ObjectStoreLocation is the bucket-relative placement parsed from an
// object store URL.
type ObjectStoreLocation struct {
	Bucket string
	Prefix string
}

func openAdmissionStore(ctx context.Context, cfg Config) (storage.AdmissionStore, error) {
	u, err := url.Parse(cfg.AdmissionStore)
	if err != nil {
		return nil, fmt.Errorf("parse admission store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewAdmissionStore(), nil
	case "redis", "rediss":
		return openRedis(u)
	case "nats", "tls":
		return openNATS(ctx, u, cfg)
	default:
		return nil, fmt.Errorf("admission store scheme %q not supported (mem, redis, nats)", u.Scheme)
	}
}

// openCheckpointStore returns nil, nil when no shared tier is configured.
func openCheckpointStore(ctx context.Context, cfg Config, clk clock.Clock) (storage.CheckpointStore, CredentialSummary, error) {
	if strings.TrimSpace(cfg.CheckpointStore) == "" {
		return nil, CredentialSummary{}, nil
	}
	u, err := url.Parse(cfg.CheckpointStore)
	if err != nil {
		return nil, CredentialSummary{}, fmt.Errorf("parse checkpoint store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		return memory.NewCheckpointStore(clk), CredentialSummary{}, nil
	case "redis", "rediss":
		store, err := openRedis(u)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		return store, CredentialSummary{}, nil
	case "nats", "tls":
		store, err := openNATS(ctx, u, cfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		return store, CredentialSummary{}, nil
	case "postgres", "postgresql":
		store, err := openPostgres(ctx, u, clk)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		return store, CredentialSummary{}, nil
	case "s3":
		s3cfg, loc, summary, err := BuildS3Config(cfg.CheckpointStore)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		driver, err := s3driver.New(s3cfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		return objectstore.New(driver, loc.Prefix, clk), summary, nil
	case "aws":
		awscfg, loc, err := BuildAWSConfig(cfg.CheckpointStore, cfg.AWSRegion)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		driver, err := awsdriver.New(ctx, awscfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		return objectstore.New(driver, loc.Prefix, clk), CredentialSummary{}, nil
	case "azure":
		azcfg, loc, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		driver, err := azuredriver.New(ctx, azcfg)
		if err != nil {
			return nil, CredentialSummary{}, err
		}
		return objectstore.New(driver, loc.Prefix, clk), CredentialSummary{}, nil
	default:
		return nil, CredentialSummary{}, fmt.Errorf("checkpoint store scheme %q not supported (mem, redis, nats, postgres, s3, aws, azure)", u.Scheme)
	}
}

// wrapAdmissionStore adds logging and tracing around store.
func wrapAdmissionStore(store storage.AdmissionStore, logger pslog.Logger) storage.AdmissionStore {
	return loggingstore.WrapAdmission(store, logger.With("layer", "backend"), "storage.admission")
}

// wrapCheckpointStore adds logging, tracing and bounded retries around store.
func wrapCheckpointStore(store storage.CheckpointStore, cfg Config, clk clock.Clock, logger pslog.Logger) storage.CheckpointStore {
	if store == nil {
		return nil
	}
	store = loggingstore.WrapCheckpoint(store, logger.With("layer", "backend"), "storage.checkpoint")
	return retry.Wrap(store, logger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
}

// openRedis accepts go-redis URLs plus an optional ?prefix= for key names.
func openRedis(u *url.URL) (*redisstore.Store, error) {
	clean := *u
	query := clean.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	clean.RawQuery = query.Encode()
	return redisstore.New(redisstore.Config{URL: clean.String(), KeyPrefix: prefix})
}

// openNATS accepts nats://host:port/?bucket=&checkpoint-bucket=&replicas=&memory=.
func openNATS(ctx context.Context, u *url.URL, cfg Config) (*natskv.Store, error) {
	query := u.Query()
	natsCfg := natskv.Config{
		AdmissionBucket:  query.Get("bucket"),
		CheckpointBucket: query.Get("checkpoint-bucket"),
		AdmissionTTL:     2 * cfg.LiveWindow,
		CheckpointTTL:    cfg.CheckpointStale,
	}
	if v := query.Get("replicas"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("nats store: invalid replicas %q", v)
		}
		natsCfg.Replicas = n
	}
	if v := query.Get("memory"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("nats store: invalid memory flag %q", v)
		}
		natsCfg.MemoryStorage = ok
	}
	server := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}
	natsCfg.URL = server.String()
	return natskv.Open(ctx, natsCfg)
}

// openPostgres accepts a lib/pq URL plus optional ?table= and
// ?ensure-schema= that are stripped before connecting.
func openPostgres(ctx context.Context, u *url.URL, clk clock.Clock) (*postgres.Store, error) {
	clean := *u
	query := clean.Query()
	pgCfg := postgres.Config{Table: query.Get("table"), EnsureSchema: true, Clock: clk}
	if v := query.Get("ensure-schema"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("postgres store: invalid ensure-schema %q", v)
		}
		pgCfg.EnsureSchema = ok
	}
	query.Del("table")
	query.Del("ensure-schema")
	clean.RawQuery = query.Encode()
	pgCfg.DSN = clean.String()
	return postgres.Open(ctx, pgCfg)
}

// BuildS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.):
// s3://host[:port]/bucket[/prefix]?insecure=1&path-style=1.
func BuildS3Config(raw string) (s3driver.Config, ObjectStoreLocation, CredentialSummary, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return s3driver.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3driver.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3driver.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	loc, err := splitBucketPath(u.Path)
	if err != nil {
		return s3driver.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("s3 store: %w", err)
	}
	query := u.Query()
	secure := true
	if v := query.Get("secure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	cred, summary, err := resolveS3Credentials()
	if err != nil {
		return s3driver.Config{}, loc, summary, err
	}
	return s3driver.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         loc.Bucket,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, loc, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix]?region=&endpoint= URLs.
func BuildAWSConfig(raw, defaultRegion string) (awsdriver.Config, ObjectStoreLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return awsdriver.Config{}, ObjectStoreLocation{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsdriver.Config{}, ObjectStoreLocation{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsdriver.Config{}, ObjectStoreLocation{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	loc := ObjectStoreLocation{Bucket: bucket, Prefix: strings.Trim(u.Path, "/")}
	query := u.Query()
	region := strings.TrimSpace(defaultRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("FEEDGATE_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsdriver.Config{}, loc, fmt.Errorf("aws store requires region (set ?region=, --aws-region or AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return awsdriver.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
	}, loc, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] checkpoint URLs.
func BuildAzureConfig(cfg Config) (azuredriver.Config, ObjectStoreLocation, error) {
	u, err := url.Parse(cfg.CheckpointStore)
	if err != nil {
		return azuredriver.Config{}, ObjectStoreLocation{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azuredriver.Config{}, ObjectStoreLocation{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azuredriver.Config{}, ObjectStoreLocation{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	loc, err := splitBucketPath(u.Path)
	if err != nil {
		return azuredriver.Config{}, ObjectStoreLocation{}, fmt.Errorf("azure store: %w", err)
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("FEEDGATE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("FEEDGATE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	return azuredriver.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  loc.Bucket,
	}, loc, nil
}

func splitBucketPath(p string) (ObjectStoreLocation, error) {
	path := strings.Trim(p, "/")
	if path == "" {
		return ObjectStoreLocation{}, fmt.Errorf("missing bucket or container")
	}
	parts := strings.SplitN(path, "/", 2)
	loc := ObjectStoreLocation{Bucket: strings.TrimSpace(parts[0])}
	if loc.Bucket == "" {
		return ObjectStoreLocation{}, fmt.Errorf("missing bucket or container name")
	}
	if len(parts) == 2 {
		loc.Prefix = strings.Trim(parts[1], "/")
	}
	return loc, nil
}

// resolveS3Credentials prefers FEEDGATE_S3_* variables and otherwise leaves
// the driver to its default provider chain.
func resolveS3Credentials() (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(os.Getenv("FEEDGATE_S3_ACCESS_KEY_ID"))
	secretKey := os.Getenv("FEEDGATE_S3_SECRET_ACCESS_KEY")
	sessionToken := os.Getenv("FEEDGATE_S3_SESSION_TOKEN")
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary := CredentialSummary{Source: "chain"}
		if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
			summary.AccessKey = access
			summary.HasSecret = os.Getenv("AWS_SECRET_ACCESS_KEY") != ""
			summary.Source = "env:AWS_ACCESS_KEY_ID"
		}
		return nil, summary, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: "env:FEEDGATE_S3_ACCESS_KEY_ID"}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

// redactURL hides passwords embedded in store URLs before they are logged.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if u.User == nil {
		return raw
	}
	return u.Redacted()
}
