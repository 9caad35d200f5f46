package config

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultMaxToolRounds = 10
	envPrefix            = "FLOWCHAT"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig     BasicConfig               `mapstructure:"basic_config" json:"basic_config"`
	Databases       map[string]DatabaseConfig `mapstructure:"databases" json:"databases"`
	Redis           RedisConfig               `mapstructure:"redis" json:"redis"`
	Providers       map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
	Generation      GenerationConfig          `mapstructure:"generation" json:"generation"`
	ImageGeneration ImageConfig               `mapstructure:"image_generation" json:"image_generation"`
	Embedding       EmbeddingConfig           `mapstructure:"embedding" json:"embedding"`
	WebSearch       WebSearchConfig           `mapstructure:"web_search" json:"web_search"`
}

type BasicConfig struct {
	ServerAddress            string `mapstructure:"server_address" json:"server_address"`
	APIToken                 string `mapstructure:"api_token" json:"api_token"`
	LogLevel                 string `mapstructure:"log_level" json:"log_level"`
	LogPretty                bool   `mapstructure:"log_pretty" json:"log_pretty"`
	Workers                  int    `mapstructure:"workers" json:"workers"`
	QueueSize                int    `mapstructure:"queue_size" json:"queue_size"`
	EmbeddingIntervalMinutes int    `mapstructure:"embedding_interval_minutes" json:"embedding_interval_minutes"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn" json:"dsn"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
	DBName   string `mapstructure:"db_name" json:"db_name"`
	Params   string `mapstructure:"params" json:"params"`
}

type RedisConfig struct {
	Enabled          bool   `mapstructure:"enabled" json:"enabled"`
	Host             string `mapstructure:"host" json:"host"`
	Port             int    `mapstructure:"port" json:"port"`
	Username         string `mapstructure:"username" json:"username"`
	Password         string `mapstructure:"password" json:"password"`
	DB               int    `mapstructure:"db" json:"db"`
	RecallTTLSeconds int    `mapstructure:"recall_ttl_seconds" json:"recall_ttl_seconds"`
}

// ProviderConfig describes one text-generation provider. Kind selects the
// client implementation (openai, claude, gemini); it defaults to the map key.
type ProviderConfig struct {
	Kind         string   `mapstructure:"kind" json:"kind"`
	BaseURL      string   `mapstructure:"base_url" json:"base_url"`
	Model        string   `mapstructure:"model" json:"model"`
	APIKey       string   `mapstructure:"api_key" json:"api_key"`
	ToolCalling  *bool    `mapstructure:"tool_calling" json:"tool_calling"`
	NoToolModels []string `mapstructure:"no_tool_models" json:"no_tool_models"`
}

type GenerationConfig struct {
	DefaultProvider string `mapstructure:"default_provider" json:"default_provider"`
	DefaultModel    string `mapstructure:"default_model" json:"default_model"`
	SummaryProvider string `mapstructure:"summary_provider" json:"summary_provider"`
	SummaryModel    string `mapstructure:"summary_model" json:"summary_model"`
	MaxToolRounds   int    `mapstructure:"max_tool_rounds" json:"max_tool_rounds"`
}

type ImageConfig struct {
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	Model   string `mapstructure:"model" json:"model"`
}

type EmbeddingConfig struct {
	Provider    string `mapstructure:"provider" json:"provider"`
	Model       string `mapstructure:"model" json:"model"`
	APIKey      string `mapstructure:"api_key" json:"api_key"`
	BatchSize   int    `mapstructure:"batch_size" json:"batch_size"`
	Concurrency int    `mapstructure:"concurrency" json:"concurrency"`
}

type WebSearchConfig struct {
	Enabled              bool   `mapstructure:"enabled" json:"enabled"`
	GoogleAPIKey         string `mapstructure:"google_api_key" json:"google_api_key"`
	GoogleSearchEngineID string `mapstructure:"google_search_engine_id" json:"google_search_engine_id"`
	DisableDuckDuckGo    bool   `mapstructure:"disable_duckduckgo" json:"disable_duckduckgo"`
}

// KindOf returns the client kind for the named provider.
func (p ProviderConfig) KindOf(name string) string {
	if k := strings.TrimSpace(p.Kind); k != "" {
		return strings.ToLower(k)
	}
	return strings.ToLower(name)
}

// SupportsTools reports whether model can be offered tools on this provider.
func (p ProviderConfig) SupportsTools(model string) bool {
	if p.ToolCalling != nil && !*p.ToolCalling {
		return false
	}
	for _, m := range p.NoToolModels {
		if strings.EqualFold(strings.TrimSpace(m), model) {
			return false
		}
	}
	return true
}

// Load reads configuration from the provided path (defaults to config.json).
// Values can be overridden with FLOWCHAT_ prefixed environment variables,
// e.g. FLOWCHAT_BASIC_CONFIG_SERVER_ADDRESS.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve config path")
	}

	v := viper.New()
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", absPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.log_level", "info")
	v.SetDefault("basic_config.workers", 2)
	v.SetDefault("basic_config.queue_size", 64)
	v.SetDefault("basic_config.embedding_interval_minutes", 5)
	v.SetDefault("redis.recall_ttl_seconds", 300)
	v.SetDefault("generation.max_tool_rounds", DefaultMaxToolRounds)
	v.SetDefault("image_generation.base_url", "https://api.openai.com/v1")
	v.SetDefault("image_generation.model", "dall-e-3")
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.concurrency", 2)
}

func (cfg *Config) normalize(baseDir string) error {
	if cfg.Generation.MaxToolRounds <= 0 {
		cfg.Generation.MaxToolRounds = DefaultMaxToolRounds
	}
	for name, db := range cfg.Databases {
		switch strings.ToLower(name) {
		case "sqlite", "sqlite3":
			if db.DSN == "" {
				return errors.Errorf("databases.%s.dsn must be configured", name)
			}
			if db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
				db.DSN = filepath.Join(baseDir, db.DSN)
			}
			cfg.Databases[name] = db
		}
	}
	return nil
}
