package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `domain: test.example.com
listen:
  imap: ":1143"
  metrics: ":9143"
auth:
  jwt_secret: s3cret
idle:
  keepalive: 45s
log:
  level: debug
blob_storage:
  enabled: true
  endpoint: http://localhost:9000
  bucket: mail
  use_path_style: true
`

func TestLoadConfig_Success(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ravensync.yaml"), []byte(sampleConfig), 0600))

	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer func() { _ = os.Chdir(originalDir) }()
	require.NoError(t, os.Chdir(tmpDir))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "test.example.com", cfg.Domain)
	assert.Equal(t, ":1143", cfg.Listen.IMAP)
	assert.Equal(t, 45*time.Second, cfg.Idle.KeepAlive)
	assert.True(t, cfg.BlobStorage.Enabled)
	assert.Equal(t, "mail", cfg.BlobStorage.Bucket)
	assert.True(t, cfg.BlobStorage.UsePathStyle)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFrom_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domain: example.org\n"), 0600))

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, ":143", cfg.Listen.IMAP)
	assert.Empty(t, cfg.Listen.IMAPS, "no imaps listener without TLS")
	assert.Equal(t, 2*time.Minute, cfg.Idle.KeepAlive)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Error(t, cfg.Validate(), "missing jwt_secret")
}

func TestLoadConfigFrom_Missing(t *testing.T) {
	_, err := LoadConfigFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFrom_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domain: [unterminated\n"), 0600))

	_, err := LoadConfigFrom(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{JWTSecret: "x"}}
	cfg.BlobStorage.Enabled = true
	assert.Error(t, cfg.Validate(), "blob storage without bucket")

	cfg = &Config{Auth: AuthConfig{JWTSecret: "x"}, TLS: TLSConfig{Cert: "cert.pem"}}
	assert.Error(t, cfg.Validate(), "cert without key")
}
