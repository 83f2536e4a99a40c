// Package config provides configuration loading and management for Orchard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Orchard configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Tickets   TicketsConfig   `yaml:"tickets"`
	Worker    WorkerConfig    `yaml:"worker"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig configures the backing store
type DatabaseConfig struct {
	// URL is the Postgres connection string (empty = in-memory store)
	URL string `yaml:"url"`
}

// WorkflowsConfig configures workflow definition loading
type WorkflowsConfig struct {
	// Dir is the directory holding <key>.yaml workflow definitions
	Dir string `yaml:"dir"`
	// Watch enables hot-reload of definitions on file changes
	Watch bool `yaml:"watch"`
}

// TicketsConfig configures ticket creation defaults
type TicketsConfig struct {
	// DefaultWorkflowKey is used when ticket creation omits workflow_key
	DefaultWorkflowKey string `yaml:"default_workflow_key"`
}

// WorkerConfig configures the task engine
type WorkerConfig struct {
	// ID labels heartbeats and claims (default: orchard-<hostname>)
	ID string `yaml:"id"`
	// PollInterval is the idle sleep between engine steps
	PollInterval time.Duration `yaml:"poll_interval"`
	// DefaultMaxAttempts is the retry ceiling when a task supplies none
	DefaultMaxAttempts int `yaml:"default_max_attempts"`
	// RetryBaseSeconds and RetryMaxSeconds bound exponential backoff
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	RetryMaxSeconds  int `yaml:"retry_max_seconds"`
	// TaskLeaseSeconds is the claim lease length (lower bound 10)
	TaskLeaseSeconds int `yaml:"task_lease_seconds"`
	// StaleTaskTimeoutSeconds is the staleness cut-off for running tasks
	// without a lease (lower bound 30)
	StaleTaskTimeoutSeconds int `yaml:"stale_task_timeout_seconds"`
	// EventWaitPollIntervalSeconds is the default defer interval for
	// wait_for_event tasks
	EventWaitPollIntervalSeconds int `yaml:"event_wait_poll_interval_seconds"`
	// ScheduleBatchSize caps schedules fired per engine step
	ScheduleBatchSize int `yaml:"schedule_batch_size"`
}

// NATSConfig configures the event bridge connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = bridge disabled)
	URL string `yaml:"url"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// ListenAddr is the metrics HTTP listen address (empty = disabled)
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}
	return &Config{
		Database: DatabaseConfig{
			URL: "", // In-memory
		},
		Workflows: WorkflowsConfig{
			Dir:   "workflows",
			Watch: false,
		},
		Tickets: TicketsConfig{
			DefaultWorkflowKey: "default_ticket",
		},
		Worker: WorkerConfig{
			ID:                           "orchard-" + hostname,
			PollInterval:                 2 * time.Second,
			DefaultMaxAttempts:           3,
			RetryBaseSeconds:             5,
			RetryMaxSeconds:              300,
			TaskLeaseSeconds:             60,
			StaleTaskTimeoutSeconds:      300,
			EventWaitPollIntervalSeconds: 5,
			ScheduleBatchSize:            10,
		},
		NATS: NATSConfig{
			URL: "",
		},
		Metrics: MetricsConfig{
			ListenAddr: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Workflows.Dir == "" {
		return fmt.Errorf("workflows.dir is required")
	}
	if c.Tickets.DefaultWorkflowKey == "" {
		return fmt.Errorf("tickets.default_workflow_key is required")
	}
	if c.Worker.ID == "" {
		return fmt.Errorf("worker.id is required")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.DefaultMaxAttempts < 1 {
		return fmt.Errorf("worker.default_max_attempts must be at least 1")
	}
	if c.Worker.RetryBaseSeconds < 1 {
		return fmt.Errorf("worker.retry_base_seconds must be at least 1")
	}
	if c.Worker.RetryMaxSeconds < c.Worker.RetryBaseSeconds {
		return fmt.Errorf("worker.retry_max_seconds must be at least retry_base_seconds")
	}
	if c.Worker.TaskLeaseSeconds < 10 {
		return fmt.Errorf("worker.task_lease_seconds must be at least 10")
	}
	if c.Worker.StaleTaskTimeoutSeconds < 30 {
		return fmt.Errorf("worker.stale_task_timeout_seconds must be at least 30")
	}
	if c.Worker.ScheduleBatchSize < 1 {
		return fmt.Errorf("worker.schedule_batch_size must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Database.URL != "" {
		c.Database.URL = other.Database.URL
	}

	if other.Workflows.Dir != "" {
		c.Workflows.Dir = other.Workflows.Dir
	}
	if other.Workflows.Watch {
		c.Workflows.Watch = true
	}

	if other.Tickets.DefaultWorkflowKey != "" {
		c.Tickets.DefaultWorkflowKey = other.Tickets.DefaultWorkflowKey
	}

	if other.Worker.ID != "" {
		c.Worker.ID = other.Worker.ID
	}
	if other.Worker.PollInterval != 0 {
		c.Worker.PollInterval = other.Worker.PollInterval
	}
	if other.Worker.DefaultMaxAttempts != 0 {
		c.Worker.DefaultMaxAttempts = other.Worker.DefaultMaxAttempts
	}
	if other.Worker.RetryBaseSeconds != 0 {
		c.Worker.RetryBaseSeconds = other.Worker.RetryBaseSeconds
	}
	if other.Worker.RetryMaxSeconds != 0 {
		c.Worker.RetryMaxSeconds = other.Worker.RetryMaxSeconds
	}
	if other.Worker.TaskLeaseSeconds != 0 {
		c.Worker.TaskLeaseSeconds = other.Worker.TaskLeaseSeconds
	}
	if other.Worker.StaleTaskTimeoutSeconds != 0 {
		c.Worker.StaleTaskTimeoutSeconds = other.Worker.StaleTaskTimeoutSeconds
	}
	if other.Worker.EventWaitPollIntervalSeconds != 0 {
		c.Worker.EventWaitPollIntervalSeconds = other.Worker.EventWaitPollIntervalSeconds
	}
	if other.Worker.ScheduleBatchSize != 0 {
		c.Worker.ScheduleBatchSize = other.Worker.ScheduleBatchSize
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	if other.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = other.Metrics.ListenAddr
	}
}
