package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jgarman/partmount/internal/imageio"
	"github.com/jgarman/partmount/internal/loop"
	"github.com/jgarman/partmount/internal/mkfs"
	"github.com/jgarman/partmount/internal/mounter"
)

const (
	// DefaultPath is read when neither --config nor PARTMOUNT_CONFIG is set.
	DefaultPath = "/etc/partmount/config.json"
	// EnvPath names the environment variable holding the config path.
	EnvPath = "PARTMOUNT_CONFIG"
)

// Loop backends.
const (
	BackendLosetup = "losetup"
	BackendIoctl   = "ioctl"
)

// Config represents the application configuration
type Config struct {
	// Log level: trace, debug, info, warn, error
	LogLevel string `json:"log_level"`

	IO    IOConfig    `json:"io"`
	Loop  LoopConfig  `json:"loop"`
	Mkfs  MkfsConfig  `json:"mkfs"`
	Mount MountConfig `json:"mount"`
}

// IOConfig contains chunk sizes for raw partition access
type IOConfig struct {
	ZeroChunkSize int `json:"zero_chunk_size"`
	CopyChunkSize int `json:"copy_chunk_size"`
}

// LoopConfig selects how loop devices are attached for format
type LoopConfig struct {
	// losetup or ioctl
	Backend     string `json:"backend"`
	LosetupPath string `json:"losetup_path"`
}

// MkfsConfig holds the filesystem creation utilities
type MkfsConfig struct {
	Vfat mkfs.Tool `json:"vfat"`
	Ext4 mkfs.Tool `json:"ext4"`
}

// Tools returns the utilities keyed by filesystem kind.
func (m MkfsConfig) Tools() map[mkfs.Kind]mkfs.Tool {
	return map[mkfs.Kind]mkfs.Tool{
		mkfs.Vfat: m.Vfat,
		mkfs.Ext4: m.Ext4,
	}
}

// MountConfig contains mount settings
type MountConfig struct {
	Command  string `json:"command"`
	ReadOnly bool   `json:"read_only"`
}

// Default returns the default configuration
func Default() *Config {
	tools := mkfs.DefaultTools()
	return &Config{
		LogLevel: "info",
		IO: IOConfig{
			ZeroChunkSize: imageio.DefaultZeroChunkSize,
			CopyChunkSize: imageio.DefaultCopyChunkSize,
		},
		Loop: LoopConfig{
			Backend:     BackendLosetup,
			LosetupPath: loop.DefaultLosetup,
		},
		Mkfs: MkfsConfig{
			Vfat: tools[mkfs.Vfat],
			Ext4: tools[mkfs.Ext4],
		},
		Mount: MountConfig{
			Command: mounter.DefaultMountCommand,
		},
	}
}

// Path picks the config file: flagValue if set, then $PARTMOUNT_CONFIG,
// then DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load loads configuration from a JSON file
// If the file doesn't exist, it returns the default configuration
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default() // Start with defaults
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return config, nil
}

// Validate checks values that would otherwise fail deep inside an operation.
func (c *Config) Validate() error {
	if c.IO.ZeroChunkSize <= 0 {
		return fmt.Errorf("io.zero_chunk_size must be positive, got %d", c.IO.ZeroChunkSize)
	}
	if c.IO.CopyChunkSize <= 0 {
		return fmt.Errorf("io.copy_chunk_size must be positive, got %d", c.IO.CopyChunkSize)
	}
	switch c.Loop.Backend {
	case BackendLosetup, BackendIoctl:
	default:
		return fmt.Errorf("unknown loop.backend %q (use %s or %s)", c.Loop.Backend, BackendLosetup, BackendIoctl)
	}
	if c.Mkfs.Vfat.Command == "" || c.Mkfs.Ext4.Command == "" {
		return fmt.Errorf("mkfs commands must not be empty")
	}
	return nil
}

// Save writes the configuration to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
