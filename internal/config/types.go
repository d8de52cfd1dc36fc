package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete parallelpark configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Worker  WorkerConfig  `yaml:"worker"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Journal JournalConfig `yaml:"journal"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerConfig defines how worker processes are started and stopped.
type WorkerConfig struct {
	// Path is the worker executable. Empty means re-executing the current
	// binary.
	Path string            `yaml:"path,omitempty"`
	Args []string          `yaml:"args,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`

	// TerminationGrace is how long a cancelled worker has to exit after
	// SIGTERM before it is killed.
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// JobsConfig defines bounded-concurrency batch settings.
type JobsConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// JournalConfig defines the call log.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Worker: WorkerConfig{
			TerminationGrace: 5 * time.Second,
		},
		Jobs: JobsConfig{
			Concurrency: 8,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    defaultJournalPath(),
		},
	}
}

func defaultJournalPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "parallelpark", "journal.db")
	}
	return filepath.Join(".parallelpark", "journal.db")
}
