// Package config holds dancap runtime configuration.
// Precedence: built-in defaults < YAML file < environment variables < CLI flags
// (flags are applied by cmd, not here).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"dancap/internal/logging"
)

// Config holds all dancap configuration.
type Config struct {
	// Document store
	MongoURI string `yaml:"mongodb_uri"`

	// Batch settings
	MaxConcurrency int `yaml:"max_concurrency"`

	// Model settings
	ModelID   string   `yaml:"model_id"`
	ProjectID string   `yaml:"project_id"`
	Regions   []string `yaml:"regions"`

	// Prompt language (zh or en)
	Language string `yaml:"language"`

	// Archive source
	HFRepo         string `yaml:"hf_repo"`
	HFCacheDir     string `yaml:"hf_cache_dir"`
	UseHFPicsFirst bool   `yaml:"use_hfpics_first"`

	// Credentials
	CredentialsPath    string `yaml:"credentials_path"`
	CredentialsContent string `yaml:"-"` // inline JSON; env only, never serialized

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warning, error
	File  string `yaml:"file"`
}

// DefaultRegions is the Vertex AI endpoint rotation pool.
var DefaultRegions = []string{
	"us-east5",
	"us-south1",
	"us-central1",
	"us-west4",
	"us-east1",
	"us-east4",
	"us-west1",
	"europe-west4",
	"europe-west9",
	"europe-west1",
	"europe-southwest1",
	"europe-west8",
	"europe-north1",
	"europe-central2",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MongoURI:        "mongodb://localhost:27017/",
		MaxConcurrency:  100,
		ModelID:         "gemini-2.0-flash-lite-001",
		Language:        "zh",
		HFRepo:          "picollect/danbooru",
		UseHFPicsFirst:  false,
		CredentialsPath: "credentials.json",
		Regions:         append([]string(nil), DefaultRegions...),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. An empty path or a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.Normalize()
	return cfg, nil
}

// applyEnvOverrides applies the authoritative environment defaults.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MONGODB_URI"); v != "" {
		c.MongoURI = v
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrency = n
		} else {
			logging.Get(logging.CategoryBoot).Warn("invalid MAX_CONCURRENCY %q, keeping %d", v, c.MaxConcurrency)
		}
	}
	if v := os.Getenv("MODEL_ID"); v != "" {
		c.ModelID = v
	}
	if v := os.Getenv("PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
	if v := os.Getenv("LANGUAGE"); v != "" {
		c.Language = v
	}
	if v := os.Getenv("HF_REPO"); v != "" {
		c.HFRepo = v
	}
	if v := os.Getenv("HF_CACHE_DIR"); v != "" {
		c.HFCacheDir = v
	}
	if v := os.Getenv("USE_HFPICS_FIRST"); v != "" {
		c.UseHFPicsFirst = v == "1" || v == "true"
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		c.CredentialsPath = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_CONTENT"); v != "" {
		c.CredentialsContent = v
	}
}

// Normalize clamps values that have a closed domain. Load calls it after env
// overrides; callers that apply further overrides (CLI flags) must call it
// again so a later layer cannot reintroduce an out-of-domain value.
func (c *Config) Normalize() {
	if c.Language != "zh" && c.Language != "en" {
		logging.Get(logging.CategoryBoot).Warn("unsupported language %q, using zh", c.Language)
		c.Language = "zh"
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 100
	}
	if len(c.Regions) == 0 {
		c.Regions = append([]string(nil), DefaultRegions...)
	}
}

// InitializeCredentials materializes Google application credentials.
// When inline content is present it is written verbatim to the credentials
// path and GOOGLE_APPLICATION_CREDENTIALS is pointed at it. Otherwise the
// file at the path must already exist and be non-empty. Refuses to proceed
// when neither holds.
func (c *Config) InitializeCredentials() error {
	if c.CredentialsContent != "" {
		if dir := filepath.Dir(c.CredentialsPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create credentials directory: %w", err)
			}
		}
		if err := os.WriteFile(c.CredentialsPath, []byte(c.CredentialsContent), 0600); err != nil {
			return fmt.Errorf("failed to write credentials file: %w", err)
		}
		logging.Boot("credentials written to %s", c.CredentialsPath)
	} else {
		info, err := os.Stat(c.CredentialsPath)
		if err != nil {
			return fmt.Errorf("credentials file %s not found and no inline content set", c.CredentialsPath)
		}
		if info.Size() == 0 {
			return fmt.Errorf("credentials file %s is empty", c.CredentialsPath)
		}
		logging.Boot("using credentials file %s", c.CredentialsPath)
	}

	// The genai SDK reads this at client construction.
	if err := os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", c.CredentialsPath); err != nil {
		return fmt.Errorf("failed to set GOOGLE_APPLICATION_CREDENTIALS: %w", err)
	}
	return nil
}

// String renders the config for debug logging. Credentials content is never
// included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"mongodb_uri=%s max_concurrency=%d model_id=%s project_id=%s language=%s hf_repo=%s use_hfpics_first=%v regions=%d log_level=%s",
		c.MongoURI, c.MaxConcurrency, c.ModelID, c.ProjectID, c.Language, c.HFRepo, c.UseHFPicsFirst, len(c.Regions), c.Logging.Level)
}
