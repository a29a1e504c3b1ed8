package vision

import (
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// Config captures the settings for the spine-analysis backend. An empty APIKey
// disables analysis entirely; uploads are then recorded as skipped.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// LoadConfigFromEnv builds a Config from the provided lookup function,
// typically os.LookupEnv. The OPENAI_* names match what operators already
// export for other tooling.
func LoadConfigFromEnv(lookup func(string) (string, bool)) Config {
	cfg := Config{
		Model:   defaultModel,
		BaseURL: defaultBaseURL,
		Timeout: defaultTimeout,
	}
	if lookup == nil {
		return cfg
	}
	if value, ok := lookup("OPENAI_API_KEY"); ok {
		cfg.APIKey = strings.TrimSpace(value)
	}
	if value, ok := lookup("OPENAI_MODEL"); ok && strings.TrimSpace(value) != "" {
		cfg.Model = strings.TrimSpace(value)
	}
	if value, ok := lookup("OPENAI_BASE_URL"); ok && strings.TrimSpace(value) != "" {
		cfg.BaseURL = strings.TrimSpace(value)
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Model) == "" {
		c.Model = defaultModel
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}
