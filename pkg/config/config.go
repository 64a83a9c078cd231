// Package config loads the runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/artifacts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/observability"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/store"
)

// Prefix is prepended to every environment variable name.
const Prefix = "NATTCELL_"

// Config holds runtime configuration.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"nattcell.db"`

	// RedisAddr enables the shared idempotency store when set.
	RedisAddr         string        `env:"REDIS_ADDR"`
	IdempotencyTTL    time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	IdempotencyPrefix string        `env:"IDEMPOTENCY_PREFIX" envDefault:"idem:"`

	SuperActor   string        `env:"SUPER_ACTOR"`
	Tenants      []string      `env:"TENANTS" envSeparator:","`
	PolicyRules  []string      `env:"POLICY_RULES" envSeparator:";"`
	TenantRPS    float64       `env:"TENANT_RPS"`
	TenantBurst  int           `env:"TENANT_BURST" envDefault:"10"`
	AuditDenials bool          `env:"AUDIT_DENIALS" envDefault:"true"`
	ExecTimeout  time.Duration `env:"EXEC_TIMEOUT" envDefault:"30s"`

	CoolingOff    time.Duration `env:"COOLING_OFF" envDefault:"24h"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" envDefault:"15m"`
	BiasWindow    time.Duration `env:"BIAS_WINDOW" envDefault:"1h"`
	BiasThreshold int           `env:"BIAS_THRESHOLD" envDefault:"5"`
	MasterSecret  string        `env:"MASTER_SECRET"`

	RetryAttempts  int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5s"`
	OpLogCapacity  int           `env:"OPLOG_CAPACITY" envDefault:"1000"`

	DefinitionsPath string `env:"DEFINITIONS_PATH"`
	MilestonesPath  string `env:"MILESTONES_PATH"`

	BlobBackend  string `env:"BLOB_BACKEND" envDefault:"memory"`
	BlobDir      string `env:"BLOB_DIR"`
	BlobBucket   string `env:"BLOB_BUCKET"`
	BlobPrefix   string `env:"BLOB_PREFIX"`
	BlobRegion   string `env:"BLOB_REGION"`
	BlobEndpoint string `env:"BLOB_ENDPOINT"`

	OTLPEnabled  bool    `env:"OTLP_ENABLED"`
	OTLPEndpoint string  `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTLPInsecure bool    `env:"OTLP_INSECURE" envDefault:"true"`
	SampleRate   float64 `env:"OTLP_SAMPLE_RATE" envDefault:"1"`
	Environment  string  `env:"ENVIRONMENT" envDefault:"development"`
}

// Load parses the environment. It does not validate.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch store.Dialect(c.DBDriver) {
	case store.DialectSQLite, store.DialectPostgres:
	default:
		errs = append(errs, fmt.Errorf("%sDB_DRIVER: unsupported driver %q", Prefix, c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, fmt.Errorf("%sDB_DSN is required", Prefix))
	}
	if c.MasterSecret == "" {
		errs = append(errs, fmt.Errorf("%sMASTER_SECRET is required", Prefix))
	} else if len(c.MasterSecret) < 16 {
		errs = append(errs, fmt.Errorf("%sMASTER_SECRET must be at least 16 bytes", Prefix))
	}
	if c.CoolingOff <= 0 {
		errs = append(errs, fmt.Errorf("%sCOOLING_OFF must be positive", Prefix))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("%sTOKEN_TTL must be positive", Prefix))
	}
	if c.BiasWindow <= 0 || c.BiasThreshold < 1 {
		errs = append(errs, fmt.Errorf("%sBIAS_WINDOW and %sBIAS_THRESHOLD must be positive", Prefix, Prefix))
	}
	if c.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("%sRETRY_ATTEMPTS must not be negative", Prefix))
	}
	if c.OpLogCapacity < 1 {
		errs = append(errs, fmt.Errorf("%sOPLOG_CAPACITY must be positive", Prefix))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("%sOTLP_SAMPLE_RATE must be within [0, 1]", Prefix))
	}
	switch artifacts.Backend(c.BlobBackend) {
	case artifacts.BackendMemory:
	case artifacts.BackendFS:
		if c.BlobDir == "" {
			errs = append(errs, fmt.Errorf("%sBLOB_DIR is required for the fs backend", Prefix))
		}
	case artifacts.BackendS3, artifacts.BackendGCS:
		if c.BlobBucket == "" {
			errs = append(errs, fmt.Errorf("%sBLOB_BUCKET is required for the %s backend", Prefix, c.BlobBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("%sBLOB_BACKEND: unsupported backend %q", Prefix, c.BlobBackend))
	}
	for _, t := range c.Tenants {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Errorf("%sTENANTS contains an empty tenant id", Prefix))
			break
		}
	}
	return errors.Join(errs...)
}

// Backoff is the recovery retry policy.
func (c *Config) Backoff() recovery.BackoffPolicy {
	return recovery.BackoffPolicy{
		MaxAttempts: c.RetryAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// IdempotencyLockTTL bounds the in-flight claim of a shared idempotency key:
// the first attempt and every retry with their backoff delays.
func (c *Config) IdempotencyLockTTL() time.Duration {
	exec := c.ExecTimeout
	if exec <= 0 {
		exec = 30 * time.Second
	}
	retries := max(c.RetryAttempts, 0)
	ttl := exec * time.Duration(retries+1)
	bp := c.Backoff()
	for attempt := 1; attempt <= retries; attempt++ {
		ttl += bp.Delay("", attempt)
	}
	return ttl
}

// Artifacts is the checkpoint blob store configuration.
func (c *Config) Artifacts() artifacts.Config {
	return artifacts.Config{
		Backend:    artifacts.Backend(c.BlobBackend),
		Dir:        c.BlobDir,
		S3Bucket:   c.BlobBucket,
		S3Region:   c.BlobRegion,
		S3Prefix:   c.BlobPrefix,
		S3Endpoint: c.BlobEndpoint,
		GCSBucket:  c.BlobBucket,
		GCSPrefix:  c.BlobPrefix,
	}
}

// Observability is the tracing and metrics configuration.
func (c *Config) Observability(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = c.Environment
	oc.Enabled = c.OTLPEnabled
	oc.OTLPEndpoint = c.OTLPEndpoint
	oc.Insecure = c.OTLPInsecure
	oc.SampleRate = c.SampleRate
	return oc
}
