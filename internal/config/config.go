package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatloop.
type Config struct {
	General   GeneralConfig             `json:"general" yaml:"general"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Channels  ChannelsConfig            `json:"channels" yaml:"channels"`
	Tools     ToolsConfig               `json:"tools" yaml:"tools"`
	Security  SecurityConfig            `json:"security" yaml:"security"`
	Audit     AuditConfig               `json:"audit" yaml:"audit"`
	Metrics   MetricsConfig             `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel" yaml:"logLevel"`
	DefaultProvider       string `json:"defaultProvider" yaml:"defaultProvider"`
	DefaultModel          string `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"` // used by CLI and Telegram when no model is given
	MaxRounds             int    `json:"maxRounds" yaml:"maxRounds"`                           // gateway calls per chat request
	GatewayTimeoutSeconds int    `json:"gatewayTimeoutSeconds" yaml:"gatewayTimeoutSeconds"`
	SystemPrompt          string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	SystemPromptFile      string `json:"systemPromptFile,omitempty" yaml:"systemPromptFile,omitempty"` // overrides systemPrompt when readable
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	APIBase      string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"`
}

type ChannelsConfig struct {
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token"`
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	ParseMode string         `json:"parseMode" yaml:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type ToolsConfig struct {
	Search SearchToolConfig `json:"search" yaml:"search"`
	Python PythonToolConfig `json:"python" yaml:"python"`
}

type SearchToolConfig struct {
	Engine         string `json:"engine" yaml:"engine"` // "duckduckgo" | "browser"
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	ProfileDir     string `json:"profileDir,omitempty" yaml:"profileDir,omitempty"` // Chrome profile for the browser engine
}

type PythonToolConfig struct {
	Interpreter    string `json:"interpreter" yaml:"interpreter"`
	WorkDir        string `json:"workDir,omitempty" yaml:"workDir,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxOutputBytes int    `json:"maxOutputBytes" yaml:"maxOutputBytes"`
}

type SecurityConfig struct {
	ScriptBlacklist []string `json:"scriptBlacklist" yaml:"scriptBlacklist"`
}

type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.chatloop).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatloop"
	}
	return filepath.Join(home, ".chatloop")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a JSON config, or YAML when the file ends in .yaml/.yml.
// Missing fields keep their Defaults() values.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Audit.DBPath = ExpandPath(cfg.Audit.DBPath)
	cfg.General.SystemPromptFile = ExpandPath(cfg.General.SystemPromptFile)
	cfg.Tools.Python.WorkDir = ExpandPath(cfg.Tools.Python.WorkDir)
	cfg.Tools.Search.ProfileDir = ExpandPath(cfg.Tools.Search.ProfileDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config as JSON, or YAML for .yaml/.yml paths.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxRounds < 1 || cfg.General.MaxRounds > 200 {
		errs = append(errs, "general.maxRounds must be between 1 and 200")
	}
	if cfg.General.GatewayTimeoutSeconds < 1 {
		errs = append(errs, "general.gatewayTimeoutSeconds must be >= 1")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" && name != "ollama" && name != "openai" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}

	if cfg.Channels.HTTP.Port < 0 || cfg.Channels.HTTP.Port > 65535 {
		errs = append(errs, "channels.http.port must be between 0 and 65535")
	}

	switch cfg.Tools.Search.Engine {
	case "duckduckgo", "browser":
	default:
		errs = append(errs, "tools.search.engine must be one of: duckduckgo, browser")
	}
	if cfg.Tools.Search.TimeoutSeconds < 1 {
		errs = append(errs, "tools.search.timeoutSeconds must be >= 1")
	}
	if cfg.Tools.Python.Interpreter == "" {
		errs = append(errs, "tools.python.interpreter is required")
	}
	if cfg.Tools.Python.TimeoutSeconds < 1 {
		errs = append(errs, "tools.python.timeoutSeconds must be >= 1")
	}
	if cfg.Tools.Python.MaxOutputBytes < 0 {
		errs = append(errs, "tools.python.maxOutputBytes must be >= 0")
	}

	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.dbPath is required when audit is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
