// Package config provides layered configuration loading and path management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ServerConfig tunes the HTTP binding.
type ServerConfig struct {
	Port       int  `json:"port,omitempty" yaml:"port,omitempty"`
	EnableCORS bool `json:"enableCors,omitempty" yaml:"enableCors,omitempty"`
}

// Config is the engine configuration. Zero values defer to engine defaults.
type Config struct {
	// LogLevel is the minimum log level: DEBUG, INFO, WARN, ERROR, FATAL.
	LogLevel string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	// PrettyLogs switches to human-readable console output.
	PrettyLogs bool `json:"prettyLogs,omitempty" yaml:"prettyLogs,omitempty"`

	// MaxDepth bounds node-reference nesting per session.
	MaxDepth int `json:"maxDepth,omitempty" yaml:"maxDepth,omitempty"`
	// OutboundBuffer sizes each session's outbound fragment queue.
	OutboundBuffer int `json:"outboundBuffer,omitempty" yaml:"outboundBuffer,omitempty"`
	// MaxExecuteRetries bounds retries of transient executor failures.
	MaxExecuteRetries uint64 `json:"maxExecuteRetries,omitempty" yaml:"maxExecuteRetries,omitempty"`
	// RetryInitialInterval seeds the executor retry backoff, e.g. "50ms".
	RetryInitialInterval Duration `json:"retryInitialInterval,omitempty" yaml:"retryInitialInterval,omitempty"`
	// SessionIdleTimeout closes sessions with no inbound traffic, e.g. "5m".
	// Zero disables the timeout.
	SessionIdleTimeout Duration `json:"sessionIdleTimeout,omitempty" yaml:"sessionIdleTimeout,omitempty"`

	Server ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`
}

// Duration is a time.Duration that (un)marshals as a string like "250ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Server: ServerConfig{
			Port: 7433,
		},
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.config/evergreen/)
// 3. Project config (./evergreen.{json,jsonc,yaml,yml})
// 4. EVERGREEN_CONFIG file
// 5. EVERGREEN_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*Config, error) {
	config := Default()

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetPaths().Config
	for _, name := range candidateNames() {
		loadOnce(filepath.Join(globalPath, name), globalPath)
	}

	if directory != "" {
		for _, name := range candidateNames() {
			loadOnce(filepath.Join(directory, name), directory)
		}
	}

	if configPath := os.Getenv("EVERGREEN_CONFIG"); configPath != "" {
		configDir := filepath.Dir(configPath)
		loadOnce(configPath, configDir)
	}

	if configContent := os.Getenv("EVERGREEN_CONFIG_CONTENT"); configContent != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

func candidateNames() []string {
	return []string{"evergreen.json", "evergreen.jsonc", "evergreen.yaml", "evergreen.yml"}
}

// loadConfigFile loads a single config file with interpolation support.
// The format follows the file extension.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	data = interpolate(data, baseDir)

	var fileConfig Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	default:
		// Strip JSONC comments using tidwall/jsonc
		if err := json.Unmarshal(jsonc.ToJSON(data), &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		return strings.TrimSpace(string(content))
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.PrettyLogs {
		target.PrettyLogs = true
	}
	if source.MaxDepth > 0 {
		target.MaxDepth = source.MaxDepth
	}
	if source.OutboundBuffer > 0 {
		target.OutboundBuffer = source.OutboundBuffer
	}
	if source.MaxExecuteRetries > 0 {
		target.MaxExecuteRetries = source.MaxExecuteRetries
	}
	if source.RetryInitialInterval > 0 {
		target.RetryInitialInterval = source.RetryInitialInterval
	}
	if source.SessionIdleTimeout > 0 {
		target.SessionIdleTimeout = source.SessionIdleTimeout
	}
	if source.Server.Port > 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.EnableCORS {
		target.Server.EnableCORS = true
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if level := os.Getenv("EVERGREEN_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if pretty := os.Getenv("EVERGREEN_PRETTY_LOGS"); pretty != "" {
		config.PrettyLogs = pretty == "1" || strings.EqualFold(pretty, "true")
	}
	if depth := os.Getenv("EVERGREEN_MAX_DEPTH"); depth != "" {
		if v, err := strconv.Atoi(depth); err == nil && v > 0 {
			config.MaxDepth = v
		}
	}
	if port := os.Getenv("EVERGREEN_PORT"); port != "" {
		if v, err := strconv.Atoi(port); err == nil && v > 0 {
			config.Server.Port = v
		}
	}
	if timeout := os.Getenv("EVERGREEN_SESSION_IDLE_TIMEOUT"); timeout != "" {
		if v, err := time.ParseDuration(timeout); err == nil {
			config.SessionIdleTimeout = Duration(v)
		}
	}
}

// Save saves the configuration to a file.
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
