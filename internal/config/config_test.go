package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	writeFile(t, configPath, `
logging:
  level: debug
  format: json

agent:
  config_dir: /etc/check_mk
  state_dir: /var/lib/check_mk_agent
  workers: 8

forward:
  host_name: web01
  method:
    type: tcp
    address: ec.example.com
    port: 6559
    spool:
      max_age: 60s
      max_size: 1000000
  reclassify:
    patterns:
      - level: C
        pattern: panic
      - warn: 3
        crit: 10
        pattern: retry
    states:
      w_to: C
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Agent.Workers)
	assert.Equal(t, DefaultWatchDebounce, cfg.Agent.WatchDebounce)
	assert.Equal(t, "web01", cfg.Forward.HostName)
	assert.Equal(t, DefaultFacility, cfg.Forward.Facility)

	m := cfg.Forward.Method
	assert.Equal(t, "tcp", m.Type)
	assert.Equal(t, 6559, m.Port)
	require.NotNil(t, m.Spool)
	assert.Equal(t, 60*time.Second, m.Spool.MaxAge)
	assert.Equal(t, int64(1000000), m.Spool.MaxSize)
	assert.Equal(t, int64(DefaultSpoolChunkSize), m.Spool.MaxChunkSize)
	assert.NotEmpty(t, m.Spool.Dir)

	require.Len(t, cfg.Forward.Reclassify.Patterns, 2)
	assert.Equal(t, 3, cfg.Forward.Reclassify.Patterns[1].Warn)
	assert.Equal(t, "C", cfg.Forward.Reclassify.States["w_to"])
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, `
logging:
  level: ${LOG_LEVEL}
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "local", cfg.Forward.Method.Type)
}

func TestDefaultDirsFromEnvironment(t *testing.T) {
	t.Setenv("LOGWATCH_DIR", "")
	t.Setenv("MK_VARDIR", "/var/lib/mk")
	t.Setenv("MK_CONFDIR", "/etc/mk")

	assert.Equal(t, "/var/lib/mk", DefaultStateDir())
	assert.Equal(t, "/etc/mk", DefaultConfigDir())

	t.Setenv("LOGWATCH_DIR", "/opt/lw")
	assert.Equal(t, "/opt/lw", DefaultStateDir())
	assert.Equal(t, "/opt/lw", DefaultConfigDir())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad facility", func(c *Config) { c.Forward.Facility = 42 }, true},
		{"unknown method", func(c *Config) { c.Forward.Method.Type = "carrier-pigeon" }, true},
		{"udp without port", func(c *Config) {
			c.Forward.Method = MethodConfig{Type: "udp", Address: "127.0.0.1"}
		}, true},
		{"udp", func(c *Config) {
			c.Forward.Method = MethodConfig{Type: "udp", Address: "127.0.0.1", Port: 514}
		}, false},
		{"spool with bad compression", func(c *Config) {
			c.Forward.Method = MethodConfig{Type: "spool", Path: "/tmp/x", Compression: "zip"}
		}, true},
		{"kafka without topic", func(c *Config) {
			c.Forward.Method = MethodConfig{Type: "kafka", Kafka: &KafkaConfig{Brokers: []string{"b:9092"}}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
