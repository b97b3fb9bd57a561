// Package config declares the statically typed configuration record for the
// rrp pipeline and loads it from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config enumerates every supported option. Unknown YAML keys are rejected.
type Config struct {
	Database        DatabaseConfig   `yaml:"database"`
	Ensemble        EnsembleConfig   `yaml:"ensemble"`
	OpenAI          LLMClientConfig  `yaml:"openai"`
	Gemini          LLMClientConfig  `yaml:"gemini"`
	XAI             LLMClientConfig  `yaml:"xai"`
	GDELT           GDELTConfig      `yaml:"gdelt"`
	GoogleNews      GoogleNewsConfig `yaml:"google_news"`
	NewsQuery       NewsQueryConfig  `yaml:"news_query"`
	DomainFilter    DomainFilter     `yaml:"news_domain_filter"`
	URLHarvest      URLHarvestConfig `yaml:"url_harvest"`
	CoinGecko       CoinGeckoConfig  `yaml:"coingecko"`
	MetricsAddr     string           `yaml:"metrics_addr"`
	ResolverCacheAddr string         `yaml:"resolver_cache_addr"`
}

type DatabaseConfig struct {
	// DefaultPath is the DSN used when --db is not given.
	DefaultPath string `yaml:"default_path"`
}

type EnsembleConfig struct {
	UseOpenAI bool `yaml:"use_openai"`
	UseGemini bool `yaml:"use_gemini"`
	UseXAI    bool `yaml:"use_xai"`
}

type LLMClientConfig struct {
	Model              string  `yaml:"model"`
	Endpoint           string  `yaml:"endpoint"`
	TimeoutSeconds     int     `yaml:"timeout"`
	PromptFile         string  `yaml:"prompt_file"`
	MaxTokens          int     `yaml:"max_tokens"`
	MaxTokensCap       int     `yaml:"max_tokens_cap"`
	AutoScaleMaxTokens bool    `yaml:"auto_scale_max_tokens"`
	Temperature        float64 `yaml:"temperature"`
	ResponseFormat     string  `yaml:"response_format"`
	MaxRetries         int     `yaml:"max_retries"`
	APIKey             string  `yaml:"-"`
}

func (c LLMClientConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type GDELTConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout"`
	MaxRetries     int  `yaml:"max_retries"`
}

func (c GDELTConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type GoogleNewsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	HL               string `yaml:"hl"`
	GL               string `yaml:"gl"`
	CEID             string `yaml:"ceid"`
	TimeoutSeconds   int    `yaml:"timeout"`
	ResolveRedirects bool   `yaml:"resolve_redirects"`
}

func (c GoogleNewsConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type NewsQueryConfig struct {
	// MajorAssetsWithoutContext lists symbols whose queries skip the crypto
	// context block. EnforceContextAssets overrides that exemption.
	MajorAssetsWithoutContext []string `yaml:"major_assets_without_context"`
	EnforceContextAssets      []string `yaml:"enforce_context_assets"`
}

type DomainFilter struct {
	Enforce bool `yaml:"enforce"`
}

type URLHarvestConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type CoinGeckoConfig struct {
	APIBase        string  `yaml:"api_base"`
	APIKey         string  `yaml:"api_key"`
	TimeoutSeconds int     `yaml:"timeout"`
	MaxRetries     int     `yaml:"max_retries"`
	InitialBackoff float64 `yaml:"initial_backoff"`
}

func (c CoinGeckoConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{DefaultPath: "postgres://localhost:5432/rrp?sslmode=disable"},
		Ensemble: EnsembleConfig{UseOpenAI: true, UseGemini: true, UseXAI: false},
		OpenAI: LLMClientConfig{
			Model:              "gpt-4o-mini",
			Endpoint:           "https://api.openai.com/v1/chat/completions",
			TimeoutSeconds:     60,
			PromptFile:         "prompts/summarize_sentiment.txt",
			MaxTokens:          700,
			MaxTokensCap:       4096,
			AutoScaleMaxTokens: true,
			ResponseFormat:     "json_object",
			MaxRetries:         3,
		},
		Gemini: LLMClientConfig{
			Model:              "gemini-1.5-pro",
			Endpoint:           "https://generativelanguage.googleapis.com/v1beta/models",
			TimeoutSeconds:     60,
			PromptFile:         "prompts/summarize_sentiment.txt",
			MaxTokens:          400,
			MaxTokensCap:       2048,
			AutoScaleMaxTokens: true,
			ResponseFormat:     "application/json",
			MaxRetries:         3,
		},
		XAI: LLMClientConfig{
			Model:              "grok-4",
			Endpoint:           "https://api.x.ai/v1/chat/completions",
			TimeoutSeconds:     60,
			PromptFile:         "prompts/summarize_sentiment.txt",
			MaxTokens:          1200,
			MaxTokensCap:       4096,
			AutoScaleMaxTokens: true,
			ResponseFormat:     "json_schema",
			MaxRetries:         3,
		},
		GDELT:      GDELTConfig{Enabled: true, TimeoutSeconds: 30, MaxRetries: 3},
		GoogleNews: GoogleNewsConfig{Enabled: true, HL: "en-US", GL: "US", CEID: "US:en", TimeoutSeconds: 60, ResolveRedirects: true},
		URLHarvest: URLHarvestConfig{MaxWorkers: 4},
		CoinGecko: CoinGeckoConfig{
			APIBase:        "https://api.coingecko.com/api/v3",
			TimeoutSeconds: 30,
			MaxRetries:     3,
			InitialBackoff: 1.0,
		},
	}
}

// Load reads the YAML file at path (if it exists), overlays a local .env
// file, and applies environment variables. A missing config file falls back
// to defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			dec := yaml.NewDecoder(strings.NewReader(string(raw)))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	c.XAI.APIKey = os.Getenv("XAI_API_KEY")
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		c.CoinGecko.APIKey = v
	}
	if v := os.Getenv("COINGECKO_API_BASE"); v != "" {
		c.CoinGecko.APIBase = v
	}
}

// Validate checks ranges that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.URLHarvest.MaxWorkers < 0 {
		return fmt.Errorf("url_harvest.max_workers must be >= 0, got %d", c.URLHarvest.MaxWorkers)
	}
	if c.CoinGecko.MaxRetries < 0 {
		return fmt.Errorf("coingecko.max_retries must be >= 0, got %d", c.CoinGecko.MaxRetries)
	}
	if c.CoinGecko.InitialBackoff < 0 {
		return fmt.Errorf("coingecko.initial_backoff must be >= 0, got %f", c.CoinGecko.InitialBackoff)
	}
	for name, lc := range map[string]LLMClientConfig{"openai": c.OpenAI, "gemini": c.Gemini, "xai": c.XAI} {
		if lc.MaxTokens < 0 {
			return fmt.Errorf("%s.max_tokens must be >= 0, got %d", name, lc.MaxTokens)
		}
		if lc.Temperature < 0 || lc.Temperature > 2 {
			return fmt.Errorf("%s.temperature must be in [0,2], got %f", name, lc.Temperature)
		}
	}
	return nil
}

// NormalizedSymbols uppercases and deduplicates a symbol list.
func NormalizedSymbols(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out[s] = true
		}
	}
	return out
}
