package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; storage roots,
// pool capacity, and the listen address need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DefaultModelChanged bool
	NewDefaultModel     string

	ModelsChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Transcriber.DefaultModel != new.Transcriber.DefaultModel {
		d.DefaultModelChanged = true
		d.NewDefaultModel = new.Transcriber.DefaultModel
	}
	if !slices.Equal(old.AllowedModels(), new.AllowedModels()) {
		d.ModelsChanged = true
	}

	return d
}
