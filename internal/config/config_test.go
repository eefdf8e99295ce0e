package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.KMS.KMIP.Endpoint = "kmip.example.com:5696"
	cfg.KMS.KMIP.Keys = []KMIPKeyConfig{{ID: "wrapping-key-1", Version: 1}}
	cfg.Blob.Bucket = "vault-blobs"
	return cfg
}

func TestDefault_MatchesDocumentedLimits(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1<<20, cfg.Limits.MaxFormDataBytes)
	assert.Equal(t, 10<<20, cfg.Limits.MaxSourceFileBytes)
	assert.Equal(t, 100, cfg.Limits.MaxFieldCount)
	assert.Equal(t, 50, cfg.Limits.MaxSharesPerItem)
	assert.Equal(t, time.Hour, cfg.Blob.RetrievalURLTTL)
	assert.Equal(t, 10*time.Second, cfg.KMS.Timeout)
	assert.Contains(t, cfg.Limits.AllowedMIMETypes, "application/pdf")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "unknown algorithm",
			mutate:  func(c *Config) { c.Crypto.Algorithm = "rot13" },
			wantErr: "crypto.algorithm",
		},
		{
			name:    "kmip without keys",
			mutate:  func(c *Config) { c.KMS.KMIP.Keys = nil },
			wantErr: "kms.kmip.keys",
		},
		{
			name: "aws without key id",
			mutate: func(c *Config) {
				c.KMS.Provider = "aws"
			},
			wantErr: "kms.aws.key_id",
		},
		{
			name:    "ttl above policy",
			mutate:  func(c *Config) { c.Blob.RetrievalURLTTL = 2 * time.Hour },
			wantErr: "retrieval_url_ttl",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Backend = "postgres" },
			wantErr: "store.postgres.dsn",
		},
		{
			name:    "http lock without endpoint",
			mutate:  func(c *Config) { c.Lock.Mode = "http" },
			wantErr: "lock.endpoint",
		},
		{
			name:    "unknown audit sink",
			mutate:  func(c *Config) { c.Audit.Sink.Type = "carrier-pigeon" },
			wantErr: "audit.sink.type",
		},
		{
			name:    "memory blob backend needs no bucket",
			mutate:  func(c *Config) { c.Blob.Backend = "memory"; c.Blob.Bucket = "" },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
kms:
  provider: kmip
  kmip:
    endpoint: kmip.internal:5696
    keys:
      - id: wrap-1
        version: 1
      - id: wrap-2
        version: 2
blob:
  bucket: from-file
  retrieval_url_ttl: 15m
limits:
  max_field_count: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("VAULT_BLOB_BUCKET", "from-env")
	t.Setenv("VAULT_STORE_BACKEND", "redis")
	t.Setenv("VAULT_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kmip.internal:5696", cfg.KMS.KMIP.Endpoint)
	assert.Len(t, cfg.KMS.KMIP.Keys, 2)
	assert.Equal(t, "from-env", cfg.Blob.Bucket)
	assert.Equal(t, 15*time.Minute, cfg.Blob.RetrievalURLTTL)
	assert.Equal(t, 20, cfg.Limits.MaxFieldCount)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
}

func TestLoad_MissingFileUsesEnvOnly(t *testing.T) {
	t.Setenv("VAULT_KMS_PROVIDER", "aws")
	t.Setenv("KMS_KEY_ID", "alias/vault")
	t.Setenv("S3_BUCKET", "legacy-bucket")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "alias/vault", cfg.KMS.AWS.KeyID)
	assert.Equal(t, "legacy-bucket", cfg.Blob.Bucket)
}

func TestApplyEnv_DebugForcesLevel(t *testing.T) {
	cfg := validConfig()
	env := map[string]string{"DEBUG": "true", "VAULT_QUOTA_DECRYPTIONS_PER_HOUR": "7"}
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Quota.DecryptionsPerHour)
}
