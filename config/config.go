// Package config loads the configuration of the election daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Default configuration file.
const DefaultFile = "config.yaml"

// Coordination service backends.
const (
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
	BackendMemory    = "memory"
)

type Config struct {
	// LoggingLevel is the logging level to use.
	LoggingLevel string `yaml:"logging" default:"info"`
	// LogFormat is either text or json.
	LogFormat string `yaml:"logFormat" default:"text"`
	// MetricsAddr is the address to listen on for metrics. Empty disables
	// the metrics server.
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`
	// NodeID identifies the participant in logs and metrics. Random if
	// empty.
	NodeID string `yaml:"nodeId"`
	// Backend is the coordination service to elect through.
	Backend string `yaml:"backend" default:"zookeeper"`
	// Election is the election configuration.
	Election ElectionConfig `yaml:"election"`
	// ZooKeeper is the ZooKeeper configuration.
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	// Etcd is the etcd configuration.
	Etcd EtcdConfig `yaml:"etcd"`
	// Retry is the recovery policy.
	Retry RetryConfig `yaml:"retry"`
	// ShutdownTimeout is the timeout for shutting down the server.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`
}

type ElectionConfig struct {
	Namespace string `yaml:"namespace" default:"/election"`
	Prefix    string `yaml:"prefix" default:"c_"`
	// Create the namespace if it does not exist.
	CreateNamespace bool `yaml:"createNamespace"`
	// Wait for the namespace to be created by someone else.
	AwaitNamespace bool `yaml:"awaitNamespace"`
	// Register again after a session expiry instead of exiting.
	RejoinOnExpiry bool `yaml:"rejoinOnExpiry" default:"true"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers" default:"[\"localhost:2181\"]"`
	SessionTimeout time.Duration `yaml:"sessionTimeout" default:"3s"`
	Protected      bool          `yaml:"protected"`
}

type EtcdConfig struct {
	Endpoints      []string      `yaml:"endpoints" default:"[\"localhost:2379\"]"`
	DialTimeout    time.Duration `yaml:"dialTimeout" default:"5s"`
	SessionTTL     int           `yaml:"sessionTTL" default:"10"`
	RequestTimeout time.Duration `yaml:"requestTimeout" default:"5s"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval" default:"100ms"`
	MaxInterval     time.Duration `yaml:"maxInterval" default:"10s"`
	// Zero retries forever.
	MaxElapsedTime time.Duration `yaml:"maxElapsedTime" default:"5m"`
}

// Configuration with every default applied.
func Default() (*Config, error) {
	config := &Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Load a configuration file.
//
// Missing keys take their defaults. A missing file yields the default
// configuration.
func Load(file string) (*Config, error) {
	if file == "" {
		file = DefaultFile
	}

	config, err := Default()
	if err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	} else if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}

	if err := c.Election.Validate(); err != nil {
		return fmt.Errorf("invalid election configuration: %w", err)
	}

	switch c.Backend {
	case BackendZooKeeper:
		if err := c.ZooKeeper.Validate(); err != nil {
			return fmt.Errorf("invalid zookeeper configuration: %w", err)
		}

	case BackendEtcd:
		if err := c.Etcd.Validate(); err != nil {
			return fmt.Errorf("invalid etcd configuration: %w", err)
		}

	case BackendMemory:

	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry configuration: %w", err)
	}

	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdownTimeout must be positive")
	}

	return nil
}

func (c *ElectionConfig) Validate() error {
	if strings.Trim(c.Namespace, "/") == "" {
		return errors.New("namespace is required")
	}

	if strings.Contains(c.Prefix, "/") {
		return fmt.Errorf("prefix %q must not contain a slash", c.Prefix)
	}

	if c.CreateNamespace && c.AwaitNamespace {
		return errors.New("createNamespace and awaitNamespace are mutually exclusive")
	}

	return nil
}

func (c *ZooKeeperConfig) Validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server is required")
	}

	if c.SessionTimeout <= 0 {
		return errors.New("sessionTimeout must be positive")
	}

	return nil
}

func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}

	if c.SessionTTL <= 0 {
		return errors.New("sessionTTL must be positive")
	}

	if c.DialTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}

	return nil
}

func (c *RetryConfig) Validate() error {
	if c.InitialInterval <= 0 {
		return errors.New("initialInterval must be positive")
	}

	if c.MaxInterval < c.InitialInterval {
		return errors.New("maxInterval must not be below initialInterval")
	}

	if c.MaxElapsedTime < 0 {
		return errors.New("maxElapsedTime must not be negative")
	}

	return nil
}
