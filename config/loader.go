package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "orchard.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/orchard"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/orchard/config.yaml)
// 3. Project config (orchard.yaml in current or parent directories)
// 4. ORCHARD_* environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// applyEnv overlays ORCHARD_* environment variables onto the config.
func (l *Loader) applyEnv(config *Config) {
	if v := os.Getenv("ORCHARD_DATABASE_URL"); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv("ORCHARD_WORKFLOW_DIR"); v != "" {
		config.Workflows.Dir = v
	}
	if v := os.Getenv("ORCHARD_DEFAULT_WORKFLOW_KEY"); v != "" {
		config.Tickets.DefaultWorkflowKey = v
	}
	if v := os.Getenv("ORCHARD_WORKER_ID"); v != "" {
		config.Worker.ID = v
	}
	if v := os.Getenv("ORCHARD_NATS_URL"); v != "" {
		config.NATS.URL = v
	}
	if v := os.Getenv("ORCHARD_METRICS_LISTEN_ADDR"); v != "" {
		config.Metrics.ListenAddr = v
	}
	if v := os.Getenv("ORCHARD_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Worker.PollInterval = d
		} else {
			l.logger.Warn("Ignoring invalid ORCHARD_POLL_INTERVAL", slog.String("value", v))
		}
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"ORCHARD_DEFAULT_MAX_ATTEMPTS", &config.Worker.DefaultMaxAttempts},
		{"ORCHARD_RETRY_BASE_SECONDS", &config.Worker.RetryBaseSeconds},
		{"ORCHARD_RETRY_MAX_SECONDS", &config.Worker.RetryMaxSeconds},
		{"ORCHARD_TASK_LEASE_SECONDS", &config.Worker.TaskLeaseSeconds},
		{"ORCHARD_STALE_TASK_TIMEOUT_SECONDS", &config.Worker.StaleTaskTimeoutSeconds},
		{"ORCHARD_EVENT_WAIT_POLL_INTERVAL_SECONDS", &config.Worker.EventWaitPollIntervalSeconds},
		{"ORCHARD_SCHEDULE_BATCH_SIZE", &config.Worker.ScheduleBatchSize},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			*iv.dst = n
		} else {
			l.logger.Warn("Ignoring invalid integer env var", slog.String("name", iv.name), slog.String("value", v))
		}
	}
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for orchard.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
