// Package config defines the configuration for the KineCare maintenance
// worker. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the process to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"kinecare/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the maintenance worker.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"kinecare-maintenance"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Jobs     JobsConfig
}

// ServerConfig holds the ops HTTP server settings. The ops server exposes
// health probes and the manual job-trigger endpoints; it is an operator
// surface, not a public API.
type ServerConfig struct {
	Port            string        `envconfig:"OPS_PORT" default:"8081"`
	AdminAPIKey     SecretString  `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
	ShutdownTimeout time.Duration `envconfig:"OPS_SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// StorageConfig holds the blob-store settings for exercise animation assets
// and purge snapshots.
type StorageConfig struct {
	Region string `envconfig:"STORAGE_REGION" default:"eu-west-3"`
	Bucket string `envconfig:"STORAGE_BUCKET" validate:"required"`

	// PublicBaseURL is the URL prefix under which objects in the bucket are
	// served, without a trailing slash. Animation URLs stored on exercise
	// models are expected to be PublicBaseURL + "/" + key.
	PublicBaseURL string `envconfig:"STORAGE_PUBLIC_BASE_URL" validate:"required,url"`

	// AnimationPrefix is the key prefix under which exercise demonstration
	// animations live.
	AnimationPrefix string `envconfig:"STORAGE_ANIMATION_PREFIX" default:"animations/"`

	// SnapshotPrefix is the key prefix for purge snapshots.
	SnapshotPrefix string `envconfig:"STORAGE_SNAPSHOT_PREFIX" default:"purges/"`

	// EndpointURL overrides the S3 endpoint for local development
	// (e.g. MinIO/LocalStack). Empty in production.
	EndpointURL string `envconfig:"STORAGE_ENDPOINT_URL"`
}

// JobsConfig holds the scheduled-job tuning parameters. Defaults implement
// the production schedule; tests and local runs override them.
type JobsConfig struct {
	// Timezone is the fixed timezone all cron expressions are evaluated in.
	Timezone string `envconfig:"JOBS_TIMEZONE" default:"Europe/Paris"`

	NotificationTimeout time.Duration `envconfig:"JOBS_NOTIFICATION_TIMEOUT" default:"90s"`
	ArchiveTimeout      time.Duration `envconfig:"JOBS_ARCHIVE_TIMEOUT" default:"90s"`
	PurgeTimeout        time.Duration `envconfig:"JOBS_PURGE_TIMEOUT" default:"120s"`
	ReapTimeout         time.Duration `envconfig:"JOBS_REAP_TIMEOUT" default:"120s"`

	// RetryBackoff is the fixed delay before the executor's single
	// retry-on-timeout.
	RetryBackoff time.Duration `envconfig:"JOBS_RETRY_BACKOFF" default:"30s"`

	// RequeueDelay is the delay before a failed scheduled run is re-executed
	// once. This replaces a second cron slot as the failure-coverage
	// mechanism.
	RequeueDelay time.Duration `envconfig:"JOBS_REQUEUE_DELAY" default:"15m"`

	// BatchLimit caps the number of programmes examined per run.
	BatchLimit int `envconfig:"JOBS_BATCH_LIMIT" default:"100" validate:"min=1"`

	// PurgeRetentionMonths is how many calendar months a programme stays
	// archived before it is permanently deleted.
	PurgeRetentionMonths int `envconfig:"JOBS_PURGE_RETENTION_MONTHS" default:"6" validate:"min=1"`

	// ReapGracePeriod protects freshly uploaded animations that are not yet
	// linked to an exercise model row.
	ReapGracePeriod time.Duration `envconfig:"JOBS_REAP_GRACE_PERIOD" default:"24h"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrTimezone indicates the configured jobs timezone could not be loaded.
	ErrTimezone ConfigErrorType = "TIMEZONE_INVALID"
)
