package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(contents), 0o600))

	return file
}

func TestDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", config.LoggingLevel)
	assert.Equal(t, "text", config.LogFormat)
	assert.Equal(t, BackendZooKeeper, config.Backend)
	assert.Equal(t, "/election", config.Election.Namespace)
	assert.Equal(t, "c_", config.Election.Prefix)
	assert.True(t, config.Election.RejoinOnExpiry)
	assert.Equal(t, []string{"localhost:2181"}, config.ZooKeeper.Servers)
	assert.Equal(t, 3*time.Second, config.ZooKeeper.SessionTimeout)
	assert.Equal(t, []string{"localhost:2379"}, config.Etcd.Endpoints)
	assert.Equal(t, 10, config.Etcd.SessionTTL)
	assert.Equal(t, 10*time.Second, config.ShutdownTimeout)

	assert.NoError(t, config.Validate())
}

func TestLoad(t *testing.T) {
	file := writeConfig(t, `
logging: debug
logFormat: json
nodeId: scheduler-1
backend: etcd
election:
  namespace: /services/scheduler
  prefix: n_
  createNamespace: true
  rejoinOnExpiry: false
etcd:
  endpoints:
    - etcd-0:2379
    - etcd-1:2379
  sessionTTL: 5
retry:
  maxElapsedTime: 0s
`)

	config, err := Load(file)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "debug", config.LoggingLevel)
	assert.Equal(t, "json", config.LogFormat)
	assert.Equal(t, "scheduler-1", config.NodeID)
	assert.Equal(t, BackendEtcd, config.Backend)
	assert.Equal(t, "/services/scheduler", config.Election.Namespace)
	assert.Equal(t, "n_", config.Election.Prefix)
	assert.True(t, config.Election.CreateNamespace)
	assert.False(t, config.Election.RejoinOnExpiry)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, config.Etcd.Endpoints)
	assert.Equal(t, 5, config.Etcd.SessionTTL)
	assert.Equal(t, 5*time.Second, config.Etcd.RequestTimeout)
	assert.Zero(t, config.Retry.MaxElapsedTime)
	assert.Equal(t, 100*time.Millisecond, config.Retry.InitialInterval)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "election: [1, 2"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"log format":       func(c *Config) { c.LogFormat = "xml" },
		"backend":          func(c *Config) { c.Backend = "consul" },
		"namespace":        func(c *Config) { c.Election.Namespace = "/" },
		"prefix":           func(c *Config) { c.Election.Prefix = "a/b" },
		"namespace policy": func(c *Config) { c.Election.CreateNamespace, c.Election.AwaitNamespace = true, true },
		"servers":          func(c *Config) { c.ZooKeeper.Servers = nil },
		"session timeout":  func(c *Config) { c.ZooKeeper.SessionTimeout = 0 },
		"etcd endpoints":   func(c *Config) { c.Backend, c.Etcd.Endpoints = BackendEtcd, nil },
		"etcd ttl":         func(c *Config) { c.Backend, c.Etcd.SessionTTL = BackendEtcd, 0 },
		"retry interval":   func(c *Config) { c.Retry.InitialInterval = 0 },
		"retry max":        func(c *Config) { c.Retry.MaxInterval = time.Millisecond },
		"shutdown timeout": func(c *Config) { c.ShutdownTimeout = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			config, err := Default()
			require.NoError(t, err)

			mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestValidateMemoryIgnoresZooKeeper(t *testing.T) {
	config, err := Default()
	require.NoError(t, err)

	config.Backend = BackendMemory
	config.ZooKeeper.Servers = nil

	assert.NoError(t, config.Validate())
}
