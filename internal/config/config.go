// Package config loads the segrecovery YAML configuration and the recovery
// request files handed to the tool.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/segment-recovery/internal/logger"
	"github.com/ChuLiYu/segment-recovery/internal/tools"
	"github.com/ChuLiYu/segment-recovery/pkg/types"
)

var (
	// ErrInvalidConfig 表示設定值不合法
	ErrInvalidConfig = errors.New("invalid config")
	// ErrConfigNotFound 表示指定的設定檔不存在
	ErrConfigNotFound = errors.New("config file not found")
	// ErrNoRequests 表示 request 檔案中沒有任何 recovery request
	ErrNoRequests = errors.New("no recovery requests")
)

// Config represents the complete tool configuration.
type Config struct {
	GPHome string        `yaml:"gphome"`
	Log    logger.Config `yaml:"log"`

	Recovery struct {
		Parallelism       int           `yaml:"parallelism"`
		JobTimeout        time.Duration `yaml:"job_timeout"`
		ProgressDir       string        `yaml:"progress_dir"`
		SlotName          string        `yaml:"slot_name"`
		BaseBackupOptions string        `yaml:"basebackup_options"`
		RewindOptions     string        `yaml:"rewind_options"`
		StartTimeout      time.Duration `yaml:"start_timeout"`
	} `yaml:"recovery"`

	Database struct {
		Name string `yaml:"name"`
		User string `yaml:"user"`
	} `yaml:"database"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.GPHome = os.Getenv("GPHOME")
	cfg.Log = logger.Config{Level: "info", OutputPaths: []string{"stderr"}}
	cfg.Recovery.Parallelism = 4
	cfg.Recovery.ProgressDir = defaultProgressDir()
	cfg.Recovery.SlotName = tools.DefaultSlotName
	cfg.Recovery.StartTimeout = 600 * time.Second
	cfg.Database.Name = "template1"
	cfg.Metrics.Port = 9090
	return cfg
}

func defaultProgressDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, "gpAdminLogs")
}

// Load reads path over DefaultConfig. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Recovery.Parallelism < 1:
		return fmt.Errorf("%w: recovery.parallelism must be >= 1, got %d", ErrInvalidConfig, c.Recovery.Parallelism)
	case c.Recovery.JobTimeout < 0:
		return fmt.Errorf("%w: recovery.job_timeout must not be negative", ErrInvalidConfig)
	case c.Recovery.StartTimeout < 0:
		return fmt.Errorf("%w: recovery.start_timeout must not be negative", ErrInvalidConfig)
	case c.Recovery.ProgressDir == "":
		return fmt.Errorf("%w: recovery.progress_dir is empty", ErrInvalidConfig)
	case c.Database.Name == "":
		return fmt.Errorf("%w: database.name is empty", ErrInvalidConfig)
	case c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535):
		return fmt.Errorf("%w: metrics.port %d out of range", ErrInvalidConfig, c.Metrics.Port)
	}
	return nil
}

// BinDir is $GPHOME/bin, or empty to resolve tools from $PATH.
func (c *Config) BinDir() string {
	if c.GPHome == "" {
		return ""
	}
	return filepath.Join(c.GPHome, "bin")
}

// requestFile is the on-disk shape of a recovery request list. JSON files
// decode too since YAML is a superset.
type requestFile struct {
	Requests []types.RecoveryRequest `yaml:"requests"`
}

// LoadRequests reads the recovery work items from path.
func LoadRequests(path string) ([]types.RecoveryRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	var f requestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse request file: %w", err)
	}
	if len(f.Requests) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoRequests, path)
	}
	return f.Requests, nil
}
