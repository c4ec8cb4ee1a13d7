package config

import "github.com/refinelab/refinery/internal/job"

// Config is the top-level configuration structure parsed from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Limits   LimitsConfig   `yaml:"limits"`
	Models   ModelsConfig   `yaml:"models"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the SQLite database location. An empty path falls
// back to ~/.refinery/refinery.db.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LimitsConfig holds the tunable processing limits.
type LimitsConfig struct {
	MaxConcurrentJobs           int `yaml:"max_concurrent_jobs"`
	SegmentMaxSize              int `yaml:"segment_max_size"`
	PassThroughThreshold        int `yaml:"pass_through_threshold"`
	HistoryCompressionThreshold int `yaml:"history_compression_threshold"`
}

// ModelParams configures one model endpoint. Empty fields fall back to the
// default model's values.
type ModelParams struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig holds the default model plus optional per-stage and
// compression overrides.
type ModelsConfig struct {
	Default     ModelParams `yaml:"default"`
	Polish      ModelParams `yaml:"polish"`
	Enhance     ModelParams `yaml:"enhance"`
	Emotion     ModelParams `yaml:"emotion"`
	Compression ModelParams `yaml:"compression"`
}

// PromptsConfig holds the system prompts. Unset prompts use the built-in
// defaults.
type PromptsConfig struct {
	Polish      string `yaml:"polish"`
	Enhance     string `yaml:"enhance"`
	Emotion     string `yaml:"emotion"`
	Compression string `yaml:"compression"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ModelFor resolves the model parameters for a stage, merging the stage's
// entry over the default field by field.
func (c *Config) ModelFor(stage job.Stage) job.ModelConfig {
	var p ModelParams
	switch stage {
	case job.StagePolish:
		p = c.Models.Polish
	case job.StageEnhance:
		p = c.Models.Enhance
	case job.StageEmotion:
		p = c.Models.Emotion
	}
	return c.merge(p)
}

// CompressionModel resolves the model used for history compression.
func (c *Config) CompressionModel() job.ModelConfig {
	return c.merge(c.Models.Compression)
}

func (c *Config) merge(p ModelParams) job.ModelConfig {
	m := job.ModelConfig{Model: p.Model, APIKey: p.APIKey, BaseURL: p.BaseURL}
	if m.Model == "" {
		m.Model = c.Models.Default.Model
	}
	if m.APIKey == "" {
		m.APIKey = c.Models.Default.APIKey
	}
	if m.BaseURL == "" {
		m.BaseURL = c.Models.Default.BaseURL
	}
	return m
}

// PromptFor returns the system prompt for a stage.
func (c *Config) PromptFor(stage job.Stage) string {
	switch stage {
	case job.StagePolish:
		return c.Prompts.Polish
	case job.StageEnhance:
		return c.Prompts.Enhance
	case job.StageEmotion:
		return c.Prompts.Emotion
	}
	return ""
}
