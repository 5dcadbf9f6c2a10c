// Package config loads keyrecover's YAML configuration from the data
// directory and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/keyrecover/internal/logging"
	"github.com/forest6511/keyrecover/pkg/crypto"
	"github.com/forest6511/keyrecover/pkg/keys"
)

// FileName is the configuration file inside the data directory.
const FileName = "config.yaml"

// Environment variables
const (
	EnvHome     = "KEYRECOVER_HOME"
	EnvLogLevel = "KEYRECOVER_LOG_LEVEL"
)

// CurrentVersion is the only supported config file version.
const CurrentVersion = 1

// Errors
var (
	ErrInsecure        = errors.New("config: file has insecure permissions")
	ErrSymlink         = errors.New("config: file is a symlink")
	ErrNotOwnedByUser  = errors.New("config: file not owned by current user")
	ErrUnsupported     = errors.New("config: unsupported version")
	ErrInvalid         = errors.New("config: invalid value")
	errConfigNotExists = errors.New("config: file not found")
)

// Config is the on-disk configuration.
type Config struct {
	Version  int      `yaml:"version"`
	KDF      KDF      `yaml:"kdf"`
	Recovery Recovery `yaml:"recovery"`
	LogLevel string   `yaml:"log_level"`
	Audit    Audit    `yaml:"audit"`
}

// KDF is the key stretching cost used when a store is initialized. Existing
// stores keep the cost recorded in their auth parameters.
type KDF struct {
	Time        uint32 `yaml:"time"`
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Parallelism uint8  `yaml:"parallelism"`
}

// Recovery tunes recovery sessions.
type Recovery struct {
	// MaxAttemptsPerMinute limits passcode submissions. 0 disables the limit.
	MaxAttemptsPerMinute int  `yaml:"max_attempts_per_minute"`
	Burst                int  `yaml:"burst"`
	BackupBeforeAccept   bool `yaml:"backup_before_accept"`
}

// Audit toggles the audit log.
type Audit struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cost := crypto.DefaultArgon2Params()
	return &Config{
		Version: CurrentVersion,
		KDF: KDF{
			Time:        cost.Time,
			MemoryKiB:   cost.MemoryKiB,
			Parallelism: cost.Threads,
		},
		Recovery: Recovery{
			MaxAttemptsPerMinute: 10,
			Burst:                3,
			BackupBeforeAccept:   true,
		},
		LogLevel: "warn",
		Audit:    Audit{Enabled: true},
	}
}

// Cost returns the KDF section as Argon2 parameters.
func (c *Config) Cost() crypto.Argon2Params {
	return crypto.Argon2Params{Time: c.KDF.Time, MemoryKiB: c.KDF.MemoryKiB, Threads: c.KDF.Parallelism}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupported, c.Version)
	}
	if c.KDF.Time < keys.MinTime || c.KDF.Time > keys.MaxTime {
		return fmt.Errorf("%w: kdf.time %d not in [%d, %d]", ErrInvalid, c.KDF.Time, keys.MinTime, keys.MaxTime)
	}
	if c.KDF.MemoryKiB < keys.MinMemoryKiB || c.KDF.MemoryKiB > keys.MaxMemoryKiB {
		return fmt.Errorf("%w: kdf.memory_kib %d not in [%d, %d]", ErrInvalid, c.KDF.MemoryKiB, keys.MinMemoryKiB, keys.MaxMemoryKiB)
	}
	if c.KDF.Parallelism < keys.MinThreads || c.KDF.Parallelism > keys.MaxThreads {
		return fmt.Errorf("%w: kdf.parallelism %d not in [%d, %d]", ErrInvalid, c.KDF.Parallelism, keys.MinThreads, keys.MaxThreads)
	}
	if c.Recovery.MaxAttemptsPerMinute < 0 {
		return fmt.Errorf("%w: recovery.max_attempts_per_minute must not be negative", ErrInvalid)
	}
	if c.Recovery.MaxAttemptsPerMinute > 0 && c.Recovery.Burst < 1 {
		return fmt.Errorf("%w: recovery.burst must be at least 1", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Load reads dir/config.yaml, falling back to defaults when the file does
// not exist, then applies environment overrides.
//
// The file is opened without following symlinks and must be owned by the
// current user with 0600 permissions.
func Load(dir string) (*Config, error) {
	cfg := Default()

	// 1. Open without following symlinks
	f, err := openConfigFile(filepath.Join(dir, FileName))
	switch {
	case errors.Is(err, errConfigNotExists):
		applyEnv(cfg)
		return cfg, cfg.Validate()
	case err != nil:
		return nil, err
	}
	defer f.Close()

	// 2. Stat the open descriptor
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat file: %w", err)
	}

	// 3. Permissions and ownership
	if err := checkFilePermissions(info); err != nil {
		return nil, err
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	// 4. Parse over the defaults so omitted fields keep their default
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse file: %w", err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to dir/config.yaml with 0600 permissions. An existing file
// is left untouched.
func Save(dir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: failed to encode: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: failed to create file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("config: failed to write file: %w", err)
	}
	return f.Close()
}

// Home returns the data directory: flag wins over KEYRECOVER_HOME, which
// wins over ~/.keyrecover.
func Home(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := strings.TrimSpace(os.Getenv(EnvHome)); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".keyrecover"), nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
}
