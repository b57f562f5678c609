package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path when it exists, overlaid by SRTFORGE_* environment variables.
// A missing file is not an error; a malformed or invalid one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Defaults plus environment only.
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			defer f.Close()
			dec := yaml.NewDecoder(f)
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: decode %q: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. Environment variables are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from SRTFORGE_* environment variables.
func applyEnv(cfg *Config) error {
	var errs []error

	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}

	setStr("SRTFORGE_HOST", &cfg.Server.Host)
	setInt("SRTFORGE_PORT", &cfg.Server.Port)
	if v, ok := os.LookupEnv("SRTFORGE_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	setInt("SRTFORGE_MAX_UPLOAD_MB", &cfg.Server.MaxUploadMB)
	setInt("SRTFORGE_POOL_CAPACITY", &cfg.Pool.Capacity)
	setStr("SRTFORGE_UPLOAD_DIR", &cfg.Storage.UploadDir)
	setStr("SRTFORGE_WORK_DIR", &cfg.Storage.WorkDir)
	setStr("SRTFORGE_RESULT_DIR", &cfg.Storage.ResultDir)
	setInt("SRTFORGE_RETENTION_HOURS", &cfg.Storage.RetentionHours)
	setStr("SRTFORGE_WHISPER_BIN", &cfg.Transcriber.Binary)
	setStr("SRTFORGE_DEFAULT_MODEL", &cfg.Transcriber.DefaultModel)

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb must be ≥ 1, got %d", cfg.Server.MaxUploadMB))
	}
	if cfg.Pool.Capacity < 1 {
		errs = append(errs, fmt.Errorf("pool.capacity must be ≥ 1, got %d", cfg.Pool.Capacity))
	}
	if cfg.Storage.UploadDir == "" {
		errs = append(errs, errors.New("storage.upload_dir is required"))
	}
	if cfg.Storage.WorkDir == "" {
		errs = append(errs, errors.New("storage.work_dir is required"))
	}
	if cfg.Storage.ResultDir == "" {
		errs = append(errs, errors.New("storage.result_dir is required"))
	}
	if cfg.Storage.RetentionHours < 1 {
		errs = append(errs, fmt.Errorf("storage.retention_hours must be ≥ 1, got %d", cfg.Storage.RetentionHours))
	}
	if cfg.Transcriber.Binary == "" {
		errs = append(errs, errors.New("transcriber.binary is required"))
	}
	if cfg.Transcriber.DefaultModel == "" {
		errs = append(errs, errors.New("transcriber.default_model is required"))
	} else if !slices.Contains(cfg.AllowedModels(), cfg.Transcriber.DefaultModel) {
		errs = append(errs, fmt.Errorf("transcriber.default_model %q is not in the model allow-list", cfg.Transcriber.DefaultModel))
	}

	return errors.Join(errs...)
}
