// Package config provides the configuration schema, loader, and file watcher
// for the srtforge transcription server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DefaultModels is the allow-list of whisper model names accepted at submit
// time when the config does not override it.
var DefaultModels = []string{
	"tiny", "tiny.en",
	"base", "base.en",
	"small", "small.en",
	"medium", "medium.en",
	"large", "large-v1", "large-v2", "large-v3", "large-v3-turbo",
	"turbo",
}

// Config is the root configuration structure for the server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// SRTFORGE_* environment variables override file values.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Pool        PoolConfig        `yaml:"pool"`
	Storage     StorageConfig     `yaml:"storage"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Host is the interface the server binds (e.g. "0.0.0.0").
	Host string `yaml:"host"`

	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxUploadMB caps the size of a single submitted bundle, in mebibytes.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

// PoolConfig bounds how many tasks the server admits at once.
type PoolConfig struct {
	// Capacity is the maximum number of tasks that may be queued or
	// processing at the same time.
	Capacity int `yaml:"capacity"`
}

// StorageConfig holds the artifact directories and the result retention
// window.
type StorageConfig struct {
	// UploadDir receives encrypted bundles awaiting processing.
	UploadDir string `yaml:"upload_dir"`

	// WorkDir holds per-task scratch directories during transcription.
	WorkDir string `yaml:"work_dir"`

	// ResultDir holds published subtitle files until they expire.
	ResultDir string `yaml:"result_dir"`

	// RetentionHours is how long a published result stays downloadable.
	RetentionHours int `yaml:"retention_hours"`
}

// TranscriberConfig describes the external whisper CLI.
type TranscriberConfig struct {
	// Binary is the whisper executable name or path.
	Binary string `yaml:"binary"`

	// DefaultModel is used when a submission omits the model field.
	DefaultModel string `yaml:"default_model"`

	// Models is the allow-list of accepted model names. Empty means
	// [DefaultModels].
	Models []string `yaml:"models"`
}

// Default returns a Config populated with the shipped defaults. Loading a
// file or applying environment overrides replaces individual fields.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        6007,
			LogLevel:    LogInfo,
			MaxUploadMB: 512,
		},
		Pool: PoolConfig{
			Capacity: 5,
		},
		Storage: StorageConfig{
			UploadDir:      "uploads",
			WorkDir:        "work",
			ResultDir:      "results",
			RetentionHours: 24,
		},
		Transcriber: TranscriberConfig{
			Binary:       "whisper",
			DefaultModel: "large-v3-turbo",
		},
	}
}

// Retention returns the result retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionHours) * time.Hour
}

// AllowedModels returns the effective model allow-list.
func (c *Config) AllowedModels() []string {
	if len(c.Transcriber.Models) > 0 {
		return c.Transcriber.Models
	}
	return DefaultModels
}
