// Package config defines the layered configuration for the charm CLI.
// Values come from a YAML file, CHARM_* environment variables, and
// command-line flags, merged in that order of increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/MeKo-Tech/charm/internal/codec"
	"github.com/MeKo-Tech/charm/internal/dataset"
	"github.com/MeKo-Tech/charm/internal/eval"
	"github.com/MeKo-Tech/charm/internal/train"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the charm application.
// It covers all commands (train, evaluate, compress, decompress) and
// supports loading from configuration files, environment variables, and
// command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Model architecture and checkpoint location
	Model ModelConfig `mapstructure:"model" yaml:"model" json:"model"`

	// Training corpus and batch assembly
	Dataset DatasetConfig `mapstructure:"dataset" yaml:"dataset" json:"dataset"`

	// Optimization schedule and artifacts
	Train TrainConfig `mapstructure:"train" yaml:"train" json:"train"`

	// Evaluation inputs and reports
	Eval EvalConfig `mapstructure:"eval" yaml:"eval" json:"eval"`
}

// ModelConfig describes the codec architecture and where its weights live.
// The architecture fields must match the checkpoint they are loaded with;
// they are recorded in the checkpoint and verified on load.
type ModelConfig struct {
	Path             string  `mapstructure:"path" yaml:"path" json:"path"`
	Lambda           float64 `mapstructure:"lambda" yaml:"lambda" json:"lambda"`
	LatentDepth      int     `mapstructure:"latent_depth" yaml:"latent_depth" json:"latent_depth"`
	HyperpriorDepth  int     `mapstructure:"hyperprior_depth" yaml:"hyperprior_depth" json:"hyperprior_depth"`
	NumSlices        int     `mapstructure:"num_slices" yaml:"num_slices" json:"num_slices"`
	MaxSupportSlices int     `mapstructure:"max_support_slices" yaml:"max_support_slices" json:"max_support_slices"`
	NumScales        int     `mapstructure:"num_scales" yaml:"num_scales" json:"num_scales"`
	ScaleMin         float64 `mapstructure:"scale_min" yaml:"scale_min" json:"scale_min"`
	ScaleMax         float64 `mapstructure:"scale_max" yaml:"scale_max" json:"scale_max"`
	Seed             int64   `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// DatasetConfig contains training-corpus settings.
type DatasetConfig struct {
	Dir       string `mapstructure:"dir" yaml:"dir" json:"dir"`
	Glob      string `mapstructure:"glob" yaml:"glob" json:"glob"`
	PatchSize int    `mapstructure:"patch_size" yaml:"patch_size" json:"patch_size"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	Workers   int    `mapstructure:"workers" yaml:"workers" json:"workers"`
	Prefetch  int    `mapstructure:"prefetch" yaml:"prefetch" json:"prefetch"`
}

// TrainConfig contains optimization-schedule settings.
type TrainConfig struct {
	Epochs             int     `mapstructure:"epochs" yaml:"epochs" json:"epochs"`
	StepsPerEpoch      int     `mapstructure:"steps_per_epoch" yaml:"steps_per_epoch" json:"steps_per_epoch"`
	MaxValidationSteps int     `mapstructure:"max_validation_steps" yaml:"max_validation_steps" json:"max_validation_steps"`
	LearningRate       float64 `mapstructure:"learning_rate" yaml:"learning_rate" json:"learning_rate"`
	LRDropEpoch        int     `mapstructure:"lr_drop_epoch" yaml:"lr_drop_epoch" json:"lr_drop_epoch"`
	LRDropFactor       float64 `mapstructure:"lr_drop_factor" yaml:"lr_drop_factor" json:"lr_drop_factor"`
	BackupDir          string  `mapstructure:"backup_dir" yaml:"backup_dir" json:"backup_dir"`
	MetricsAddr        string  `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	LogEvery           int     `mapstructure:"log_every" yaml:"log_every" json:"log_every"`
}

// EvalConfig contains evaluation settings.
type EvalConfig struct {
	InputDir    string `mapstructure:"input_dir" yaml:"input_dir" json:"input_dir"`
	OutputDir   string `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`
	PNGDir      string `mapstructure:"png_dir" yaml:"png_dir" json:"png_dir"`
	ResultsFile string `mapstructure:"results_file" yaml:"results_file" json:"results_file"`
	RunLabel    string `mapstructure:"run_label" yaml:"run_label" json:"run_label"`
	Heatmaps    bool   `mapstructure:"heatmaps" yaml:"heatmaps" json:"heatmaps"`
	Workers     int    `mapstructure:"workers" yaml:"workers" json:"workers"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Verbose:  false,
		Model:    defaultModelConfig(),
		Dataset:  defaultDatasetConfig(),
		Train:    defaultTrainConfig(),
		Eval:     defaultEvalConfig(),
	}
}

// defaultModelConfig returns default model configuration.
func defaultModelConfig() ModelConfig {
	cfg := codec.DefaultConfig()
	return ModelConfig{
		Path:             train.DefaultConfig().CheckpointPath,
		Lambda:           cfg.Lambda,
		LatentDepth:      cfg.LatentDepth,
		HyperpriorDepth:  cfg.HyperpriorDepth,
		NumSlices:        cfg.NumSlices,
		MaxSupportSlices: cfg.MaxSupportSlices,
		NumScales:        cfg.NumScales,
		ScaleMin:         cfg.ScaleMin,
		ScaleMax:         cfg.ScaleMax,
		Seed:             cfg.Seed,
	}
}

// defaultDatasetConfig returns default dataset configuration.
func defaultDatasetConfig() DatasetConfig {
	cfg := dataset.DefaultConfig()
	return DatasetConfig{
		PatchSize: cfg.PatchSize,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Prefetch:  cfg.Prefetch,
	}
}

// defaultTrainConfig returns default training configuration.
func defaultTrainConfig() TrainConfig {
	cfg := train.DefaultConfig()
	return TrainConfig{
		Epochs:             cfg.Epochs,
		StepsPerEpoch:      cfg.StepsPerEpoch,
		MaxValidationSteps: cfg.MaxValidationSteps,
		LearningRate:       cfg.LearningRate,
		LRDropEpoch:        cfg.LRDropEpoch,
		LRDropFactor:       cfg.LRDropFactor,
		LogEvery:           cfg.LogEvery,
	}
}

// defaultEvalConfig returns default evaluation configuration.
func defaultEvalConfig() EvalConfig {
	return EvalConfig{
		RunLabel: "charm",
	}
}

// Validate validates the configuration and returns any errors.
// Directory settings that only specific commands need, such as the
// training corpus or the evaluation input, are checked by those
// commands rather than here.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if err := c.ToCodecConfig().Validate(); err != nil {
		return fmt.Errorf("invalid model configuration: %w", err)
	}
	if err := c.ToDatasetConfig().Validate(); err != nil {
		return fmt.Errorf("invalid dataset configuration: %w", err)
	}
	if err := c.ToTrainConfig().Validate(); err != nil {
		return fmt.Errorf("invalid train configuration: %w", err)
	}
	if c.Eval.Workers < 0 {
		return fmt.Errorf("invalid eval workers: %d (must not be negative)", c.Eval.Workers)
	}

	return nil
}

// ToCodecConfig converts the model section to the codec configuration format.
func (c *Config) ToCodecConfig() codec.Config {
	return codec.Config{
		LatentDepth:      c.Model.LatentDepth,
		HyperpriorDepth:  c.Model.HyperpriorDepth,
		NumSlices:        c.Model.NumSlices,
		MaxSupportSlices: c.Model.MaxSupportSlices,
		NumScales:        c.Model.NumScales,
		ScaleMin:         c.Model.ScaleMin,
		ScaleMax:         c.Model.ScaleMax,
		Lambda:           c.Model.Lambda,
		Seed:             c.Model.Seed,
	}
}

// ToDatasetConfig converts the dataset section to the loader configuration
// format. The sampling seed comes from the model section so that one seed
// setting reproduces a whole training run.
func (c *Config) ToDatasetConfig() dataset.Config {
	return dataset.Config{
		Dir:       c.Dataset.Dir,
		Glob:      c.Dataset.Glob,
		PatchSize: c.Dataset.PatchSize,
		BatchSize: c.Dataset.BatchSize,
		Workers:   c.Dataset.Workers,
		Prefetch:  c.Dataset.Prefetch,
		Seed:      c.Model.Seed,
	}
}

// ToTrainConfig converts the train section to the trainer configuration
// format. The checkpoint path comes from the model section.
func (c *Config) ToTrainConfig() train.Config {
	return train.Config{
		Epochs:             c.Train.Epochs,
		StepsPerEpoch:      c.Train.StepsPerEpoch,
		MaxValidationSteps: c.Train.MaxValidationSteps,
		LearningRate:       c.Train.LearningRate,
		LRDropEpoch:        c.Train.LRDropEpoch,
		LRDropFactor:       c.Train.LRDropFactor,
		CheckpointPath:     c.Model.Path,
		BackupDir:          c.Train.BackupDir,
		MetricsAddr:        c.Train.MetricsAddr,
		LogEvery:           c.Train.LogEvery,
	}
}

// ToEvalConfig converts the eval section to the evaluator configuration format.
func (c *Config) ToEvalConfig() eval.Config {
	return eval.Config{
		InputDir:    c.Eval.InputDir,
		OutputDir:   c.Eval.OutputDir,
		PNGDir:      c.Eval.PNGDir,
		ResultsFile: c.Eval.ResultsFile,
		RunLabel:    c.Eval.RunLabel,
		Heatmaps:    c.Eval.Heatmaps,
		Workers:     c.Eval.Workers,
	}
}

// ToYAML renders the configuration as YAML, for config inspection and
// for writing starter configuration files.
func (c *Config) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config to YAML: %w", err)
	}
	return data, nil
}

// contains checks if a slice contains a string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
