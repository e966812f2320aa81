package conf

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"ravensync/internal/blobstorage"
)

type Config struct {
	Domain      string             `yaml:"domain"`
	Listen      ListenConfig       `yaml:"listen"`
	TLS         TLSConfig          `yaml:"tls"`
	Database    DatabaseConfig     `yaml:"database"`
	Auth        AuthConfig         `yaml:"auth"`
	Idle        IdleConfig         `yaml:"idle"`
	Log         LogConfig          `yaml:"log"`
	BlobStorage blobstorage.Config `yaml:"blob_storage"`
}

type ListenConfig struct {
	IMAP    string `yaml:"imap"`
	IMAPS   string `yaml:"imaps"`
	Metrics string `yaml:"metrics"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig configures token verification for LOGIN. The password sent by
// the client is an HS256 token signed with JWTSecret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type IdleConfig struct {
	KeepAlive time.Duration `yaml:"keepalive"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// configPaths are tried in order by LoadConfig.
var configPaths = []string{
	"/etc/ravensync/ravensync.yaml",
	"./config/ravensync.yaml",
	"./ravensync.yaml",
}

// LoadConfig reads the first config file found in the default locations.
func LoadConfig() (*Config, error) {
	var (
		data []byte
		err  error
	)
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return parse(data)
}

// LoadConfigFrom reads the config file at path.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Listen.IMAP == "" {
		c.Listen.IMAP = ":143"
	}
	if c.Listen.IMAPS == "" && c.TLS.Enabled() {
		c.Listen.IMAPS = ":993"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data"
	}
	if c.Idle.KeepAlive <= 0 {
		c.Idle.KeepAlive = 2 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.BlobStorage.Enabled && c.BlobStorage.Bucket == "" {
		return errors.New("blob_storage.bucket is required when blob storage is enabled")
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("tls.cert and tls.key must be set together")
	}
	return nil
}
