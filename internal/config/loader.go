package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file, layers it over Defaults and validates it.
// A directory path is resolved to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML bytes over Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with its environment value. Unset variables
// are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func normalize(cfg *Config) {
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Service.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Service.LogFormat))
	cfg.Agents.EndSignal = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(cfg.Agents.EndSignal)), "SIG")
	if cfg.Webhooks != nil {
		for i := range cfg.Webhooks.Endpoints {
			ep := &cfg.Webhooks.Endpoints[i]
			if strings.TrimSpace(ep.SignatureHeader) == "" {
				ep.SignatureHeader = DefaultSignatureHeader
			}
		}
	}
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Service.MaintenanceInterval <= 0 {
		return fmt.Errorf("service.maintenance_interval must be positive")
	}
	if cfg.Service.MaintenanceJitter < 0 {
		return fmt.Errorf("service.maintenance_jitter must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.HistoryRetention < 0 {
		return fmt.Errorf("state.history_retention must not be negative")
	}
	if cfg.Workspace.BaseDir == "" {
		return fmt.Errorf("workspace.base_dir is required")
	}
	if cfg.Workspace.MaxAge < 0 {
		return fmt.Errorf("workspace.max_age must not be negative")
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := unresolved(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}

	if strings.TrimSpace(cfg.Agents.Command) == "" {
		return fmt.Errorf("agents.command is required")
	}
	if cfg.Agents.InactivityTimeout < 0 {
		return fmt.Errorf("agents.inactivity_timeout must not be negative")
	}
	if cfg.Agents.EndGrace <= 0 {
		return fmt.Errorf("agents.end_grace must be positive")
	}
	switch cfg.Agents.EndSignal {
	case "TERM", "INT", "HUP":
	default:
		return fmt.Errorf("agents.end_signal must be TERM, INT or HUP (got %q)", cfg.Agents.EndSignal)
	}
	if cfg.Agents.MaxAdvanceAttempts < 0 {
		return fmt.Errorf("agents.max_advance_attempts must not be negative")
	}
	for key, ov := range cfg.Agents.Overrides {
		if !ValidAgentKey(key) {
			return fmt.Errorf("agents.overrides: invalid agent key %q", key)
		}
		if ov.Command == "" && len(ov.Args) > 0 {
			return fmt.Errorf("agents.overrides.%s: args given without command", key)
		}
	}

	if cfg.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive")
	}
	if cfg.Events.MaxAge < 0 {
		return fmt.Errorf("events.max_age must not be negative")
	}
	if cfg.Events.Retention <= 0 {
		return fmt.Errorf("events.retention must be positive")
	}
	if cfg.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.subscriber_buffer must be positive")
	}
	return validateWebhooks(cfg)
}

func validateWebhooks(cfg *Config) error {
	wc := cfg.Webhooks
	if wc == nil {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required")
	}
	if wc.Listen == cfg.API.Listen {
		return fmt.Errorf("webhooks.listen must differ from api.listen (%s)", wc.Listen)
	}
	if len(wc.Endpoints) == 0 {
		return fmt.Errorf("webhooks.endpoints must be non-empty")
	}
	seen := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		prefix := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", prefix, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is duplicated", prefix, ep.Path)
		}
		seen[ep.Path] = true
		if !ValidAgentKey(ep.Agent) {
			return fmt.Errorf("%s.agent: invalid agent key %q", prefix, ep.Agent)
		}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", prefix)
		}
		if err := unresolved(prefix+".secret", ep.Secret); err != nil {
			return err
		}
	}
	return nil
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
