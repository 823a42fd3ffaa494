// Package config provides configuration management for the Studio Proxy API server.
// It handles loading and parsing YAML configuration files, applies environment
// variable overrides, and provides structured access to application settings
// including the listen address, credential sources, rotation thresholds,
// streaming behavior, and API keys.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file
// with environment variable overrides applied on top.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Host is the network interface on which the API server will listen.
	Host string `yaml:"host"`

	// AuthDir is the directory where credential snapshot files are stored.
	// Ignored when AUTH_JSON_<N> environment variables are present.
	AuthDir string `yaml:"auth-dir"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output from stdout to rotating files.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ProxyURL is the URL of an optional proxy server used by the browser
	// agent for outbound upstream requests.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this proxy server.
	APIKeys []string `yaml:"api-keys"`

	// OperatorKey guards the operator endpoints. It may be a plaintext key
	// or a bcrypt hash of one. Empty disables the operator surface.
	OperatorKey string `yaml:"operator-key"`

	// StreamingMode selects how streaming clients are served: "real" passes
	// upstream SSE frames through, "fake" synthesizes a single chunk from a
	// non-streaming upstream call.
	StreamingMode string `yaml:"streaming-mode"`

	// FailureThreshold is the number of consecutive terminal request failures
	// that triggers a credential switch. Zero disables the threshold.
	FailureThreshold int `yaml:"failure-threshold"`

	// SwitchOnUses rotates credentials after this many generative requests.
	// Zero disables usage-based rotation.
	SwitchOnUses int `yaml:"switch-on-uses"`

	// MaxRetries is the number of attempts made in fake streaming mode before
	// the last upstream error is surfaced to the client.
	MaxRetries int `yaml:"max-retries"`

	// RetryDelay is the pause between fake streaming attempts.
	RetryDelay time.Duration `yaml:"retry-delay"`

	// ImmediateSwitchStatusCodes lists upstream HTTP status codes that trigger
	// a credential switch as soon as they are observed.
	ImmediateSwitchStatusCodes []int `yaml:"immediate-switch-status-codes"`

	// InitialAuthIndex selects the credential bound at startup. Zero means
	// the lowest available index.
	InitialAuthIndex int `yaml:"initial-auth-index"`

	// BrowserControlURL is the endpoint of the external browser automation
	// layer that rebinds the headless session to a credential snapshot.
	BrowserControlURL string `yaml:"browser-control-url"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log"`

	// Reasoning requests thought summaries from the upstream model for
	// translated OpenAI requests.
	Reasoning bool `yaml:"reasoning"`

	// NativeReasoning injects a thinking config into Google-native requests.
	NativeReasoning bool `yaml:"native-reasoning"`

	// ResumeLimit bounds the number of auto-resume re-dispatches the browser
	// agent performs after a safety truncation. Zero disables auto-resume.
	ResumeLimit int `yaml:"resume-limit"`

	// UsageStatsPath is the bbolt database file backing usage statistics.
	// Empty keeps statistics in memory only.
	UsageStatsPath string `yaml:"usage-stats-path"`
}

// DefaultAPIKey is accepted when no client API keys are configured.
const DefaultAPIKey = "123456"

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies environment variable overrides and
// defaults, and returns it. A missing file is not an error; the configuration
// then comes entirely from environment variables and defaults.
func LoadConfig(configFile string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(configFile)
	if err == nil {
		if err = yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()
	return &config, nil
}

// applyEnvOverrides maps the documented environment variables onto the
// configuration. Environment values win over the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("STREAMING_MODE"); v != "" {
		c.StreamingMode = v
	}
	if v := os.Getenv("FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FailureThreshold = n
		}
	}
	if v := os.Getenv("SWITCH_ON_USES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SwitchOnUses = n
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RetryDelay = d
		} else if n, errAtoi := strconv.Atoi(v); errAtoi == nil {
			c.RetryDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("IMMEDIATE_SWITCH_STATUS_CODES"); v != "" {
		c.ImmediateSwitchStatusCodes = parseStatusCodeList(v)
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		keys := make([]string, 0)
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				keys = append(keys, key)
			}
		}
		c.APIKeys = keys
	}
	if v := os.Getenv("INITIAL_AUTH_INDEX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.InitialAuthIndex = n
		}
	}
}

// applyDefaults fills in values for settings the file and environment left unset.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 2048
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.AuthDir == "" {
		c.AuthDir = "auth"
	}
	if c.StreamingMode == "" {
		c.StreamingMode = "real"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.ResumeLimit == 0 {
		c.ResumeLimit = 3
	}
	if len(c.APIKeys) == 0 {
		c.APIKeys = []string{DefaultAPIKey}
	}
}

// parseStatusCodeList parses a comma-separated status code list, keeping only
// values in the 400-599 range.
func parseStatusCodeList(raw string) []int {
	codes := make([]int, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil || code < 400 || code > 599 {
			continue
		}
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// Addr returns the host:port listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
