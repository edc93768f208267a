package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "charm"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "CHARM"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	// Use the global viper instance to ensure flag bindings work
	return &Loader{v: viper.GetViper()}
}

// Load loads configuration from files, environment variables, and sets defaults.
// It returns the loaded configuration and any error encountered.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")

	l.addConfigPaths()
	l.setupEnvironmentVariables()
	l.setDefaults()

	// A missing config file is fine, defaults and env vars still apply.
	if err := l.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// LoadWithFile loads configuration from a specific file path.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	if configFile == "" {
		return l.Load()
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configFile)
	}

	l.v.SetConfigFile(configFile)
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Get returns a value from the configuration.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// GetString returns a string value from the configuration.
func (l *Loader) GetString(key string) string {
	return l.v.GetString(key)
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance for advanced usage.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	// Current directory
	l.v.AddConfigPath(".")

	// User's home directory
	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(home)
	}

	// System-wide configuration
	l.v.AddConfigPath("/etc/charm")

	// XDG config directory
	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		l.v.AddConfigPath(filepath.Join(configDir, "charm"))
	} else if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".config", "charm"))
	}
}

// setupEnvironmentVariables configures environment variable handling.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()

	// Replace dots and dashes with underscores in env var names
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults sets default values for all configuration options.
func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	// Global settings
	l.v.SetDefault("log_level", defaults.LogLevel)
	l.v.SetDefault("verbose", defaults.Verbose)

	// Model defaults
	l.v.SetDefault("model.path", defaults.Model.Path)
	l.v.SetDefault("model.lambda", defaults.Model.Lambda)
	l.v.SetDefault("model.latent_depth", defaults.Model.LatentDepth)
	l.v.SetDefault("model.hyperprior_depth", defaults.Model.HyperpriorDepth)
	l.v.SetDefault("model.num_slices", defaults.Model.NumSlices)
	l.v.SetDefault("model.max_support_slices", defaults.Model.MaxSupportSlices)
	l.v.SetDefault("model.num_scales", defaults.Model.NumScales)
	l.v.SetDefault("model.scale_min", defaults.Model.ScaleMin)
	l.v.SetDefault("model.scale_max", defaults.Model.ScaleMax)
	l.v.SetDefault("model.seed", defaults.Model.Seed)

	// Dataset defaults
	l.v.SetDefault("dataset.dir", defaults.Dataset.Dir)
	l.v.SetDefault("dataset.glob", defaults.Dataset.Glob)
	l.v.SetDefault("dataset.patch_size", defaults.Dataset.PatchSize)
	l.v.SetDefault("dataset.batch_size", defaults.Dataset.BatchSize)
	l.v.SetDefault("dataset.workers", defaults.Dataset.Workers)
	l.v.SetDefault("dataset.prefetch", defaults.Dataset.Prefetch)

	// Train defaults
	l.v.SetDefault("train.epochs", defaults.Train.Epochs)
	l.v.SetDefault("train.steps_per_epoch", defaults.Train.StepsPerEpoch)
	l.v.SetDefault("train.max_validation_steps", defaults.Train.MaxValidationSteps)
	l.v.SetDefault("train.learning_rate", defaults.Train.LearningRate)
	l.v.SetDefault("train.lr_drop_epoch", defaults.Train.LRDropEpoch)
	l.v.SetDefault("train.lr_drop_factor", defaults.Train.LRDropFactor)
	l.v.SetDefault("train.backup_dir", defaults.Train.BackupDir)
	l.v.SetDefault("train.metrics_addr", defaults.Train.MetricsAddr)
	l.v.SetDefault("train.log_every", defaults.Train.LogEvery)

	// Eval defaults
	l.v.SetDefault("eval.input_dir", defaults.Eval.InputDir)
	l.v.SetDefault("eval.output_dir", defaults.Eval.OutputDir)
	l.v.SetDefault("eval.png_dir", defaults.Eval.PNGDir)
	l.v.SetDefault("eval.results_file", defaults.Eval.ResultsFile)
	l.v.SetDefault("eval.run_label", defaults.Eval.RunLabel)
	l.v.SetDefault("eval.heatmaps", defaults.Eval.Heatmaps)
	l.v.SetDefault("eval.workers", defaults.Eval.Workers)
}

// GetResolvedConfig returns the current resolved configuration for debugging.
func (l *Loader) GetResolvedConfig() map[string]interface{} {
	return l.v.AllSettings()
}

// GenerateDefaultConfigFile writes a starter configuration file with all
// defaults spelled out.
func GenerateDefaultConfigFile(filename string) error {
	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}

	defaults := DefaultConfig()
	data, err := defaults.ToYAML()
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("error writing config file %s: %w", filename, err)
	}
	return nil
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
		paths = append(paths, filepath.Join(home, ".config", "charm"))
	}

	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, "charm"))
	}

	paths = append(paths, "/etc/charm")

	return paths
}
