package config

import (
	"regexp"
	"time"
)

// Config represents the complete slotd configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Agents    AgentsConfig    `yaml:"agents"`
	Events    EventsConfig    `yaml:"events"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	// Webhooks is optional; nil disables the webhook listener.
	Webhooks *WebhooksConfig `yaml:"webhooks,omitempty"`

	// SourcePath is the absolute path the config was loaded from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MaintenanceInterval is the period of the history and workspace sweep.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// MaintenanceJitter adds up to this much random delay to each sweep.
	MaintenanceJitter time.Duration `yaml:"maintenance_jitter"`
}

// StateConfig defines state storage settings. The PID lock lives next to Path.
type StateConfig struct {
	Path string `yaml:"path"`
	// HistoryRetention drops run history and failed jobs older than this.
	// Zero keeps them forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string        `yaml:"listen"`
	Auth   APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (scope "*").
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// AgentsConfig describes how agent subprocesses are launched and supervised.
type AgentsConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// InactivityTimeout ends an idle session as completed. Zero disables it.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	// EndGrace is the wait between the graceful signal and SIGKILL.
	EndGrace time.Duration `yaml:"end_grace"`
	// EndSignal is TERM, INT or HUP.
	EndSignal string `yaml:"end_signal"`
	// MaxAdvanceAttempts caps spawn retries per dispatch cycle.
	// Zero means "the queue length at the start of the cycle".
	MaxAdvanceAttempts int `yaml:"max_advance_attempts"`

	Overrides map[string]AgentOverride `yaml:"overrides,omitempty"`
}

// AgentOverride replaces the launch command for a single agent key.
type AgentOverride struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// EventsConfig sizes the per-run replay buffers.
type EventsConfig struct {
	BufferSize       int           `yaml:"buffer_size"`
	MaxAge           time.Duration `yaml:"max_age"`
	Retention        time.Duration `yaml:"retention"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

// WorkspaceConfig locates the per-agent working directories.
type WorkspaceConfig struct {
	BaseDir string `yaml:"base_dir"`
	// TemplateDir, when set, seeds every new workspace with hard links to
	// its contents.
	TemplateDir string `yaml:"template_dir"`
	// MaxAge removes project workspaces untouched for this long. Zero
	// disables the sweep.
	MaxAge time.Duration `yaml:"max_age"`
}

// WebhooksConfig defines the signed inbound webhook listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint submits a job for Agent whenever a correctly signed POST
// arrives at Path. The request body becomes the job payload, after
// Instructions when those are set.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Agent           string `yaml:"agent"`
	ProjectID       string `yaml:"project_id,omitempty"`
	Instructions    string `yaml:"instructions,omitempty"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// DefaultSignatureHeader is GitHub's HMAC-SHA256 header.
const DefaultSignatureHeader = "X-Hub-Signature-256"

// LaunchSpec is the resolved command line for one agent.
type LaunchSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// LaunchFor returns the command for agentKey, applying any override. Env from
// the override is layered on top of the shared env.
func (a AgentsConfig) LaunchFor(agentKey string) LaunchSpec {
	spec := LaunchSpec{
		Command: a.Command,
		Args:    append([]string(nil), a.Args...),
		Env:     make(map[string]string, len(a.Env)),
	}
	for k, v := range a.Env {
		spec.Env[k] = v
	}

	ov, ok := a.Overrides[agentKey]
	if !ok {
		return spec
	}
	if ov.Command != "" {
		spec.Command = ov.Command
		spec.Args = append([]string(nil), ov.Args...)
	}
	for k, v := range ov.Env {
		spec.Env[k] = v
	}
	return spec
}

var agentKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidAgentKey reports whether key is usable as an agent key (and as a path segment).
func ValidAgentKey(key string) bool {
	return agentKeyPattern.MatchString(key)
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "slotd",
			LogLevel:  "info",
			LogFormat: "json",

			MaintenanceInterval: time.Hour,
		},
		State: StateConfig{
			Path:             "./data/state.db",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Agents: AgentsConfig{
			Command: "claude",
			Args: []string{
				"-p",
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--include-partial-messages",
				"--verbose",
			},
			InactivityTimeout:  30 * time.Minute,
			EndGrace:           5 * time.Second,
			EndSignal:          "TERM",
			MaxAdvanceAttempts: 0,
		},
		Events: EventsConfig{
			BufferSize:       1000,
			Retention:        60 * time.Second,
			SubscriberBuffer: 256,
		},
		Workspace: WorkspaceConfig{
			BaseDir: "./data/workspaces",
		},
	}
}
