package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy ceilings that configuration may not exceed.
const (
	MaxRetrievalURLTTL = time.Hour
)

// Config is the root configuration for vaultd.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	KMS     KMSConfig     `yaml:"kms"`
	Blob    BlobConfig    `yaml:"blob"`
	Store   StoreConfig   `yaml:"store"`
	Lock    LockConfig    `yaml:"lock"`
	Quota   QuotaConfig   `yaml:"quota"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	PrincipalHeader   string        `yaml:"principal_header"`
	ExposeKeyMaterial bool          `yaml:"expose_key_material"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level        string   `yaml:"level"`
	Format       string   `yaml:"format"`
	RedactFields []string `yaml:"redact_fields"`
}

// CryptoConfig selects the AEAD used for new items.
type CryptoConfig struct {
	// Algorithm is "AES-256-GCM", "ChaCha20-Poly1305" or "auto".
	Algorithm          string         `yaml:"algorithm"`
	VerifySourceOnRead bool           `yaml:"verify_source_on_read"`
	Hardware           HardwareConfig `yaml:"hardware"`
}

// HardwareConfig toggles use of CPU AES instructions when Algorithm is "auto".
type HardwareConfig struct {
	EnableAESNI    bool `yaml:"enable_aesni"`
	EnableARMv8AES bool `yaml:"enable_armv8_aes"`
}

// KMSConfig configures the master-key service client.
type KMSConfig struct {
	// Provider is "kmip" or "aws".
	Provider    string        `yaml:"provider"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int64         `yaml:"max_in_flight"`
	KMIP        KMIPConfig    `yaml:"kmip"`
	AWS         AWSKMSConfig  `yaml:"aws"`
}

// KMIPConfig configures the KMIP provider.
type KMIPConfig struct {
	Endpoint       string          `yaml:"endpoint"`
	Keys           []KMIPKeyConfig `yaml:"keys"`
	CAFile         string          `yaml:"ca_file"`
	ClientCertFile string          `yaml:"client_cert_file"`
	ClientKeyFile  string          `yaml:"client_key_file"`
	ServerName     string          `yaml:"server_name"`
}

// KMIPKeyConfig references one wrapping key held by the KMIP server.
type KMIPKeyConfig struct {
	ID      string `yaml:"id"`
	Version int    `yaml:"version"`
}

// AWSKMSConfig configures the AWS KMS provider.
type AWSKMSConfig struct {
	KeyID     string `yaml:"key_id"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// BlobConfig configures ciphertext blob persistence.
type BlobConfig struct {
	// Backend is "s3" or "memory".
	Backend         string        `yaml:"backend"`
	Provider        string        `yaml:"provider"`
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	AccessKey       string        `yaml:"access_key"`
	SecretKey       string        `yaml:"secret_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	Prefix          string        `yaml:"prefix"`
	Timeout         time.Duration `yaml:"timeout"`
	RetrievalURLTTL time.Duration `yaml:"retrieval_url_ttl"`
}

// StoreConfig configures the durable record store for items and grants.
type StoreConfig struct {
	// Backend is "memory", "redis" or "postgres".
	Backend  string         `yaml:"backend"`
	Timeout  time.Duration  `yaml:"timeout"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig holds go-redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig holds pgx pool settings.
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// LockConfig configures the external lock-check collaborator.
type LockConfig struct {
	// Mode is "none", "static", "http" or "file".
	Mode     string        `yaml:"mode"`
	Locked   []string      `yaml:"locked"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	File     string        `yaml:"file"`
}

// QuotaConfig configures per-principal operation quotas.
type QuotaConfig struct {
	// Backend is "none", "local" or "redis".
	Backend            string `yaml:"backend"`
	EncryptionsPerDay  int    `yaml:"encryptions_per_day"`
	DecryptionsPerHour int    `yaml:"decryptions_per_hour"`
}

// AuditConfig configures the access-event log.
type AuditConfig struct {
	Enabled            bool       `yaml:"enabled"`
	MaxEvents          int        `yaml:"max_events"`
	Sink               SinkConfig `yaml:"sink"`
	RedactMetadataKeys []string   `yaml:"redact_metadata_keys"`
}

// SinkConfig configures where audit events are written.
type SinkConfig struct {
	// Type is "stdout", "file", "http" or "redis".
	Type          string            `yaml:"type"`
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	Stream        string            `yaml:"stream"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter     string  `yaml:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
	ServiceName  string  `yaml:"service_name"`
}

// LimitsConfig holds input and cardinality limits.
type LimitsConfig struct {
	MaxFormDataBytes    int      `yaml:"max_form_data_bytes"`
	MaxSourceFileBytes  int      `yaml:"max_source_file_bytes"`
	MaxFieldCount       int      `yaml:"max_field_count"`
	MaxFieldNameLength  int      `yaml:"max_field_name_length"`
	MaxFieldLength      int      `yaml:"max_field_length"`
	MaxTemplateIDLength int      `yaml:"max_template_id_length"`
	AllowedMIMETypes    []string `yaml:"allowed_mime_types"`
	MaxSharesPerItem    int      `yaml:"max_shares_per_item"`
	MaxItemsPerOwner    int      `yaml:"max_items_per_owner"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			PrincipalHeader: "X-Principal-ID",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			RedactFields: []string{
				"password", "secret", "token", "api_key",
				"encryption_key", "plaintext_dek", "data_key",
			},
		},
		Crypto: CryptoConfig{
			Algorithm:          "auto",
			VerifySourceOnRead: true,
			Hardware: HardwareConfig{
				EnableAESNI:    true,
				EnableARMv8AES: true,
			},
		},
		KMS: KMSConfig{
			Provider:    "kmip",
			Timeout:     10 * time.Second,
			MaxInFlight: 64,
		},
		Blob: BlobConfig{
			Backend:         "s3",
			Provider:        "aws",
			Region:          "us-east-1",
			Prefix:          "vault",
			Timeout:         30 * time.Second,
			RetrievalURLTTL: time.Hour,
		},
		Store: StoreConfig{
			Backend: "memory",
			Timeout: 5 * time.Second,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "vault",
			},
			Postgres: PostgresConfig{
				MaxConns:    20,
				AutoMigrate: true,
			},
		},
		Lock: LockConfig{
			Mode:    "none",
			Timeout: 5 * time.Second,
		},
		Quota: QuotaConfig{
			Backend:            "local",
			EncryptionsPerDay:  100,
			DecryptionsPerHour: 200,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
			Sink: SinkConfig{
				Type:   "stdout",
				Stream: "vault:audit",
			},
			RedactMetadataKeys: []string{"data_key"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
			ServiceName: "document-vault",
		},
		Limits: LimitsConfig{
			MaxFormDataBytes:    1 << 20,
			MaxSourceFileBytes:  10 << 20,
			MaxFieldCount:       100,
			MaxFieldNameLength:  100,
			MaxFieldLength:      10000,
			MaxTemplateIDLength: 100,
			AllowedMIMETypes: []string{
				"image/jpeg",
				"image/jpg",
				"image/png",
				"image/gif",
				"image/webp",
				"application/pdf",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"application/vnd.ms-excel",
				"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
				"text/plain",
				"text/csv",
			},
			MaxSharesPerItem: 50,
			MaxItemsPerOwner: 5000,
		},
	}
}

// Load reads the YAML file at path (if non-empty and present) on top of the
// defaults, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// env-only deployments are allowed
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables. The unprefixed names are accepted
// for compatibility with existing deployments.
func (c *Config) applyEnv(lookup lookupFunc) {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	boolean := func(dst *bool, key string) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(dst *int, key string) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str(&c.Server.ListenAddr, "VAULT_LISTEN_ADDR")
	boolean(&c.Server.ExposeKeyMaterial, "VAULT_EXPOSE_KEY_MATERIAL")

	str(&c.Logging.Level, "VAULT_LOG_LEVEL", "LOG_LEVEL")
	str(&c.Logging.Format, "VAULT_LOG_FORMAT")
	if v, ok := lookup("DEBUG"); ok && v == "true" {
		c.Logging.Level = "debug"
	}

	str(&c.Crypto.Algorithm, "VAULT_CRYPTO_ALGORITHM")

	str(&c.KMS.Provider, "VAULT_KMS_PROVIDER")
	duration(&c.KMS.Timeout, "VAULT_KMS_TIMEOUT")
	str(&c.KMS.KMIP.Endpoint, "VAULT_KMIP_ENDPOINT")
	str(&c.KMS.KMIP.CAFile, "VAULT_KMIP_CA_FILE")
	str(&c.KMS.KMIP.ClientCertFile, "VAULT_KMIP_CLIENT_CERT_FILE")
	str(&c.KMS.KMIP.ClientKeyFile, "VAULT_KMIP_CLIENT_KEY_FILE")
	if v, ok := lookup("VAULT_KMIP_KEY_ID"); ok && v != "" {
		c.KMS.KMIP.Keys = []KMIPKeyConfig{{ID: v, Version: 1}}
	}
	str(&c.KMS.AWS.KeyID, "VAULT_AWS_KMS_KEY_ID", "KMS_KEY_ID")
	str(&c.KMS.AWS.Region, "VAULT_AWS_KMS_REGION", "AWS_REGION")
	str(&c.KMS.AWS.Endpoint, "VAULT_AWS_KMS_ENDPOINT")

	str(&c.Blob.Backend, "VAULT_BLOB_BACKEND")
	str(&c.Blob.Provider, "VAULT_BLOB_PROVIDER")
	str(&c.Blob.Endpoint, "VAULT_BLOB_ENDPOINT")
	str(&c.Blob.Region, "VAULT_BLOB_REGION", "AWS_REGION")
	str(&c.Blob.Bucket, "VAULT_BLOB_BUCKET", "S3_BUCKET_NAME", "S3_BUCKET")
	str(&c.Blob.AccessKey, "VAULT_BLOB_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	str(&c.Blob.SecretKey, "VAULT_BLOB_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	boolean(&c.Blob.UsePathStyle, "VAULT_BLOB_USE_PATH_STYLE")
	duration(&c.Blob.RetrievalURLTTL, "VAULT_BLOB_URL_TTL")

	str(&c.Store.Backend, "VAULT_STORE_BACKEND")
	str(&c.Store.Redis.Addr, "VAULT_REDIS_ADDR")
	str(&c.Store.Redis.Password, "VAULT_REDIS_PASSWORD")
	str(&c.Store.Postgres.DSN, "VAULT_DATABASE_URL", "DATABASE_URL")

	str(&c.Lock.Mode, "VAULT_LOCK_MODE")
	str(&c.Lock.Endpoint, "VAULT_LOCK_ENDPOINT")
	str(&c.Lock.File, "VAULT_LOCK_FILE")

	str(&c.Quota.Backend, "VAULT_QUOTA_BACKEND")
	integer(&c.Quota.EncryptionsPerDay, "VAULT_QUOTA_ENCRYPTIONS_PER_DAY")
	integer(&c.Quota.DecryptionsPerHour, "VAULT_QUOTA_DECRYPTIONS_PER_HOUR")

	boolean(&c.Audit.Enabled, "VAULT_AUDIT_ENABLED")
	str(&c.Audit.Sink.Type, "VAULT_AUDIT_SINK")
	str(&c.Audit.Sink.FilePath, "VAULT_AUDIT_FILE")
	str(&c.Audit.Sink.Endpoint, "VAULT_AUDIT_ENDPOINT")

	str(&c.Tracing.Exporter, "VAULT_TRACING_EXPORTER")
	str(&c.Tracing.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Crypto.Algorithm) {
	case "auto", "aes-256-gcm", "chacha20-poly1305":
	default:
		errs = append(errs, fmt.Sprintf("crypto.algorithm: unsupported value %q", c.Crypto.Algorithm))
	}

	switch c.KMS.Provider {
	case "kmip":
		if c.KMS.KMIP.Endpoint == "" {
			errs = append(errs, "kms.kmip.endpoint is required")
		}
		if len(c.KMS.KMIP.Keys) == 0 {
			errs = append(errs, "kms.kmip.keys must contain at least one wrapping key")
		}
	case "aws":
		if c.KMS.AWS.KeyID == "" {
			errs = append(errs, "kms.aws.key_id is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("kms.provider: unsupported value %q", c.KMS.Provider))
	}
	if c.KMS.Timeout <= 0 {
		errs = append(errs, "kms.timeout must be positive")
	}

	switch c.Blob.Backend {
	case "s3":
		if c.Blob.Bucket == "" {
			errs = append(errs, "blob.bucket is required for the s3 backend")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("blob.backend: unsupported value %q", c.Blob.Backend))
	}
	if c.Blob.RetrievalURLTTL <= 0 || c.Blob.RetrievalURLTTL > MaxRetrievalURLTTL {
		errs = append(errs, fmt.Sprintf("blob.retrieval_url_ttl must be in (0, %s]", MaxRetrievalURLTTL))
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, "store.postgres.dsn is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend: unsupported value %q", c.Store.Backend))
	}

	switch c.Lock.Mode {
	case "none", "static":
	case "http":
		if c.Lock.Endpoint == "" {
			errs = append(errs, "lock.endpoint is required for http mode")
		}
	case "file":
		if c.Lock.File == "" {
			errs = append(errs, "lock.file is required for file mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.mode: unsupported value %q", c.Lock.Mode))
	}

	switch c.Quota.Backend {
	case "none", "local":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required for the redis quota backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("quota.backend: unsupported value %q", c.Quota.Backend))
	}

	if c.Audit.Enabled {
		switch c.Audit.Sink.Type {
		case "", "stdout":
		case "file":
			if c.Audit.Sink.FilePath == "" {
				errs = append(errs, "audit.sink.file_path is required for the file sink")
			}
		case "http":
			if c.Audit.Sink.Endpoint == "" {
				errs = append(errs, "audit.sink.endpoint is required for the http sink")
			}
		case "redis":
			if c.Store.Redis.Addr == "" {
				errs = append(errs, "store.redis.addr is required for the redis audit sink")
			}
		default:
			errs = append(errs, fmt.Sprintf("audit.sink.type: unsupported value %q", c.Audit.Sink.Type))
		}
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Tracing.OTLPEndpoint == "" {
			errs = append(errs, "tracing.otlp_endpoint is required for the otlp exporter")
		}
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter: unsupported value %q", c.Tracing.Exporter))
	}

	if c.Limits.MaxFormDataBytes <= 0 || c.Limits.MaxSourceFileBytes <= 0 {
		errs = append(errs, "limits: size limits must be positive")
	}
	if len(c.Limits.AllowedMIMETypes) == 0 {
		errs = append(errs, "limits.allowed_mime_types must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
