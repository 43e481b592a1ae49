package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the retrieval engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Search    SearchConfig    `mapstructure:"search"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains the LLM provider configuration used by the plan and
// coverage oracles and by the embedding provider.
type LLMConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	EmbeddingDims   int           `mapstructure:"embedding_dims"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if l.EmbeddingDims <= 0 {
		return fmt.Errorf("llm.embedding_dims must be > 0")
	}
	return nil
}

// RetrievalConfig carries the guard rails of the plan/execute/reflect loop.
type RetrievalConfig struct {
	MaxIterations      int     `mapstructure:"max_iterations"`
	MaxPlanSteps       int     `mapstructure:"max_plan_steps"`
	DefaultResultLimit int     `mapstructure:"default_result_limit"`
	InlineIDThreshold  int     `mapstructure:"inline_id_threshold"`
	MinScore           float64 `mapstructure:"min_score"`
	MergePolicy        string  `mapstructure:"merge_policy"` // round_robin or best_score
	PropagateField     string  `mapstructure:"propagate_field"`
	HistoryField       string  `mapstructure:"history_field"` // optional field tracked as distinct values per iteration
}

func (r RetrievalConfig) Validate() error {
	if r.MaxIterations <= 0 {
		return fmt.Errorf("retrieval.max_iterations must be > 0")
	}
	if r.MaxPlanSteps <= 0 {
		return fmt.Errorf("retrieval.max_plan_steps must be > 0")
	}
	if r.DefaultResultLimit <= 0 {
		return fmt.Errorf("retrieval.default_result_limit must be > 0")
	}
	if r.InlineIDThreshold <= 0 {
		return fmt.Errorf("retrieval.inline_id_threshold must be > 0")
	}
	switch r.MergePolicy {
	case "round_robin", "best_score":
	default:
		return fmt.Errorf("retrieval.merge_policy must be round_robin or best_score, got %q", r.MergePolicy)
	}
	return nil
}

// SearchConfig describes the search backend the engine runs against.
type SearchConfig struct {
	Mode        string        `mapstructure:"mode"` // http or memory
	BaseURL     string        `mapstructure:"base_url"`
	Index       string        `mapstructure:"index"`
	LookupIndex string        `mapstructure:"lookup_index"`
	CursorTTL   time.Duration `mapstructure:"cursor_ttl"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (s SearchConfig) Validate() error {
	switch s.Mode {
	case "http":
		if strings.TrimSpace(s.BaseURL) == "" {
			return fmt.Errorf("search.base_url required when search.mode is http")
		}
	case "memory":
	default:
		return fmt.Errorf("search.mode must be http or memory, got %q", s.Mode)
	}
	if s.CursorTTL <= 0 {
		return fmt.Errorf("search.cursor_ttl must be > 0")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// Validate runs the per-section validators.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}

// LoadConfig loads config from file. The file is optional: defaults plus
// SEEKER_* environment variables are enough to run in memory mode.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.completion_model", "gpt-4o")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.embedding_dims", 1536)
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.max_tokens", 2000)
	viper.SetDefault("llm.timeout", "30s")
	viper.SetDefault("retrieval.max_iterations", 6)
	viper.SetDefault("retrieval.max_plan_steps", 8)
	viper.SetDefault("retrieval.default_result_limit", 25)
	viper.SetDefault("retrieval.inline_id_threshold", 512)
	viper.SetDefault("retrieval.min_score", 0.0)
	viper.SetDefault("retrieval.merge_policy", "round_robin")
	viper.SetDefault("retrieval.propagate_field", "doc_id")
	viper.SetDefault("search.mode", "memory")
	viper.SetDefault("search.index", "documents")
	viper.SetDefault("search.lookup_index", "id_sets")
	viper.SetDefault("search.cursor_ttl", "1m")
	viper.SetDefault("search.timeout", "15s")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("SEEKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if config.LLM.APIKey == "" {
		config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
