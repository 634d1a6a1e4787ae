package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research pipeline. It is loaded once
// at startup and injected into constructors; components never read ambient
// process state themselves.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address          string `mapstructure:"address"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	RunStreamEnabled bool   `mapstructure:"run_stream_enabled"`
	SchedulerEnabled bool   `mapstructure:"scheduler_enabled"`
}

// LLMConfig contains completion provider configurations. Providers are
// ordered: the first entry is the primary, later entries are fallbacks.
type LLMConfig struct {
	Providers []LLMProvider    `mapstructure:"providers"`
	Routing   LLMRoutingConfig `mapstructure:"routing"`
}

// LLMProvider represents a single completion provider configuration
type LLMProvider struct {
	Name       string              `mapstructure:"name"`
	Type       string              `mapstructure:"type"` // openai, anthropic
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	// Background marks a provider whose API supports long-running
	// background runs; deep research synthesis is polled through it.
	Background bool `mapstructure:"background"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model key to use for each pipeline phase
type LLMRoutingConfig struct {
	Classification string `mapstructure:"classification"`
	Interpretation string `mapstructure:"interpretation"`
	Reasoning      string `mapstructure:"reasoning"`
	Structuring    string `mapstructure:"structuring"`
	Synthesis      string `mapstructure:"synthesis"`
	Fallback       string `mapstructure:"fallback"`
}

// ResearchConfig contains research provider and fan-out settings
type ResearchConfig struct {
	MaxSources    int             `mapstructure:"max_sources"`
	MaxConcurrent int             `mapstructure:"max_concurrent"`
	WebSearch     WebSearchConfig `mapstructure:"web_search"`
	Fetch         FetchConfig     `mapstructure:"fetch"`
}

// WebSearchConfig contains web search provider credentials and limits
type WebSearchConfig struct {
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// FetchConfig controls deep content fetching for "deep" research runs
type FetchConfig struct {
	TimeoutMS      time.Duration `mapstructure:"timeout_ms"`
	MaxChars       int           `mapstructure:"max_chars"`
	DeepFetchLimit int           `mapstructure:"deep_fetch_limit"`
}

// CreditsConfig defines credit profiles and run-level budget behaviour
type CreditsConfig struct {
	Profiles          map[string]CreditProfile `mapstructure:"profiles"`
	DefaultProfile    string                   `mapstructure:"default_profile"`
	ClarificationCost int64                    `mapstructure:"clarification_cost"`
	StartingCredits   int64                    `mapstructure:"starting_credits"`
	StallThreshold    int                      `mapstructure:"stall_threshold"`
	PollInterval      time.Duration            `mapstructure:"poll_interval"`
}

// CreditProfile is the base cost and budget ceiling for one pipeline profile
type CreditProfile struct {
	BaseCost  int64 `mapstructure:"base_cost"`
	MaxBudget int64 `mapstructure:"max_budget"`
}

func (c CreditsConfig) Validate() error {
	if len(c.Profiles) == 0 {
		return fmt.Errorf("credits.profiles must define at least one profile")
	}
	if c.DefaultProfile != "" {
		if _, ok := c.Profiles[c.DefaultProfile]; !ok {
			return fmt.Errorf("credits.default_profile %q not defined", c.DefaultProfile)
		}
	}
	for name, p := range c.Profiles {
		if p.BaseCost < 0 || p.MaxBudget < 0 {
			return fmt.Errorf("credits.profiles.%s: costs cannot be negative", name)
		}
		if p.MaxBudget > 0 && p.BaseCost > p.MaxBudget {
			return fmt.Errorf("credits.profiles.%s: base_cost exceeds max_budget", name)
		}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders a connection string from either the URL or the discrete fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.default_timeout", 60*time.Second)
	viper.SetDefault("general.max_processing_time", 10*time.Minute)
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("server.run_stream_enabled", true)
	viper.SetDefault("research.max_sources", 24)
	viper.SetDefault("research.max_concurrent", 4)
	viper.SetDefault("research.web_search.max_results", 8)
	viper.SetDefault("research.fetch.deep_fetch_limit", 3)
	viper.SetDefault("credits.default_profile", "standard")
	viper.SetDefault("credits.clarification_cost", 1)
	viper.SetDefault("credits.starting_credits", 100)
	viper.SetDefault("credits.stall_threshold", 10)
	viper.SetDefault("credits.poll_interval", 2*time.Second)
	viper.SetDefault("credits.profiles", map[string]interface{}{
		"standard": map[string]interface{}{"base_cost": 5, "max_budget": 30},
	})

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DEEPBRIEF")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Credits.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
