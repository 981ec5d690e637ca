// Package dconfig loads the dispatch core's static configuration: backend
// topology, context budget, persona text, and storage paths. Grounded on
// internal/config/config.go and internal/config/loader.go (expand $ENV vars
// in the raw file, decode, apply defaults, apply env overrides, validate)
// but uses TOML (github.com/BurntSushi/toml) in place of the teacher's
// YAML decoder, a second decoding idiom the wider example pack already
// exercises.
package dconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// Config is the top-level dispatch core configuration file shape.
type Config struct {
	Server   ServerConfig       `toml:"server"`
	Storage  StorageConfig      `toml:"storage"`
	Backends BackendsConfig     `toml:"backends"`
	Context  ContextConfig      `toml:"context"`
	Personas map[string]string  `toml:"personas"`
	Safety   SafetyConfig       `toml:"safety"`
	Logging  LoggingConfig      `toml:"logging"`
	Tracing  TracingConfig      `toml:"tracing"`
}

// ServerConfig configures the probe/serve entry point's listen address.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig points at the sqlite files each store owns. Matching
// spec.md section 3's "each module owns one table family", these are
// deliberately separate files rather than one shared database handle.
type StorageConfig struct {
	DataDir          string `toml:"data_dir"`
	ConversationsDB  string `toml:"conversations_db"`
	ProfileDB        string `toml:"profile_db"`
	SettingsDB       string `toml:"settings_db"`
	AuditDB          string `toml:"audit_db"`
	AlertsDB         string `toml:"alerts_db"`
	SandboxDir       string `toml:"sandbox_dir"`
	WorkspaceDir     string `toml:"workspace_dir"`
}

// BackendsConfig is the candidate-backend topology and per-backend model
// selection spec.md section 4.3 assumes the Degradation Manager is given.
type BackendsConfig struct {
	Preferred  string          `toml:"preferred"`
	Candidates []string        `toml:"candidates"`
	LocalOnly  bool            `toml:"local_only"`
	CloudA     CloudAdapterCfg `toml:"cloud_a"`
	CloudB     CloudAdapterCfg `toml:"cloud_b"`
	Local      LocalAdapterCfg `toml:"local"`
}

// CloudAdapterCfg configures one hosted-API backend. APIKey is resolved
// from APIKeyEnv at load time and never itself stored in the config file,
// matching settings.Store's "never persist secrets in plaintext config"
// posture for the adapter layer.
type CloudAdapterCfg struct {
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"-"`
}

// LocalAdapterCfg configures the local (Ollama-shaped) backend.
type LocalAdapterCfg struct {
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
}

// ContextConfig bounds assembleContext's token budget and round limits.
type ContextConfig struct {
	TokenBudget       int `toml:"token_budget"`
	MaxToolRounds     int `toml:"max_tool_rounds"`
	MaxResponseTokens int `toml:"max_response_tokens"`
}

// SafetyConfig carries the process-wide permission ceiling and the caller
// IP recorded on every tool audit entry this process produces.
type SafetyConfig struct {
	PermissionLevel int    `toml:"permission_level"`
	UserIP          string `toml:"user_ip"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TracingConfig is passed straight through to observability.TraceConfig;
// an empty Endpoint yields the no-op tracer.
type TracingConfig struct {
	Endpoint       string  `toml:"endpoint"`
	SamplingRate   float64 `toml:"sampling_rate"`
	EnableInsecure bool    `toml:"enable_insecure"`
}

// Default returns an all-defaults Config with environment overrides and
// API-key resolution applied, for callers that want to run without a
// config file on disk at all.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	resolveAPIKeys(cfg)
	return cfg
}

// Load reads path, expanding ${VAR} environment references the way
// internal/config.Load does, decodes it as TOML, applies defaults, then
// layers environment-variable overrides on top — file values lose to
// environment values, matching the teacher's own override priority.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dconfig: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("dconfig: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	resolveAPIKeys(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.ConversationsDB == "" {
		cfg.Storage.ConversationsDB = "conversations.db"
	}
	if cfg.Storage.ProfileDB == "" {
		cfg.Storage.ProfileDB = "profile.db"
	}
	if cfg.Storage.SettingsDB == "" {
		cfg.Storage.SettingsDB = "settings.db"
	}
	if cfg.Storage.AuditDB == "" {
		cfg.Storage.AuditDB = "audit.db"
	}
	if cfg.Storage.AlertsDB == "" {
		cfg.Storage.AlertsDB = "alerts.db"
	}
	if cfg.Storage.SandboxDir == "" {
		cfg.Storage.SandboxDir = "./sandbox"
	}
	if cfg.Storage.WorkspaceDir == "" {
		cfg.Storage.WorkspaceDir = "./workspace"
	}
	if len(cfg.Backends.Candidates) == 0 {
		cfg.Backends.Candidates = []string{"cloud_a", "cloud_b", "local"}
	}
	if cfg.Backends.Preferred == "" {
		cfg.Backends.Preferred = "cloud_a"
	}
	if cfg.Backends.CloudA.APIKeyEnv == "" {
		cfg.Backends.CloudA.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if cfg.Backends.CloudB.APIKeyEnv == "" {
		cfg.Backends.CloudB.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Backends.Local.BaseURL == "" {
		cfg.Backends.Local.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Context.TokenBudget == 0 {
		cfg.Context.TokenBudget = 8000
	}
	if cfg.Context.MaxToolRounds == 0 {
		cfg.Context.MaxToolRounds = 25
	}
	if cfg.Context.MaxResponseTokens == 0 {
		cfg.Context.MaxResponseTokens = 4096
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 0.1
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DISPATCH_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("DISPATCH_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("DISPATCH_DATA_DIR")); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("DISPATCH_PREFERRED_BACKEND")); v != "" {
		cfg.Backends.Preferred = v
	}
	if v := strings.TrimSpace(os.Getenv("DISPATCH_LOCAL_ONLY")); v != "" {
		cfg.Backends.LocalOnly = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("DISPATCH_CONTEXT_TOKEN_BUDGET")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Context.TokenBudget = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("DISPATCH_PERMISSION_LEVEL")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Safety.PermissionLevel = parsed
		}
	}
}

// resolveAPIKeys reads each cloud adapter's key from the environment
// variable its APIKeyEnv names, so a committed config file never carries
// a live credential.
func resolveAPIKeys(cfg *Config) {
	if cfg.Backends.CloudA.APIKeyEnv != "" {
		cfg.Backends.CloudA.APIKey = os.Getenv(cfg.Backends.CloudA.APIKeyEnv)
	}
	if cfg.Backends.CloudB.APIKeyEnv != "" {
		cfg.Backends.CloudB.APIKey = os.Getenv(cfg.Backends.CloudB.APIKeyEnv)
	}
}

// PermissionLevel renders the configured SafetyConfig.PermissionLevel as
// the models.PermissionLevel type every tool-runner call expects.
func (c *Config) PermissionLevel() models.PermissionLevel {
	return models.ParsePermissionLevel(c.Safety.PermissionLevel)
}

// CandidateBackendNames renders Backends.Candidates as models.BackendName.
func (c *Config) CandidateBackendNames() []models.BackendName {
	out := make([]models.BackendName, 0, len(c.Backends.Candidates))
	for _, name := range c.Backends.Candidates {
		out = append(out, models.BackendName(name))
	}
	return out
}

func validate(cfg *Config) error {
	var issues []string
	if cfg.Context.TokenBudget <= 0 {
		issues = append(issues, "context.token_budget must be positive")
	}
	if len(cfg.Backends.Candidates) == 0 {
		issues = append(issues, "backends.candidates must not be empty")
	}
	found := false
	for _, c := range cfg.Backends.Candidates {
		if c == cfg.Backends.Preferred {
			found = true
			break
		}
	}
	if !found {
		issues = append(issues, fmt.Sprintf("backends.preferred %q is not among backends.candidates", cfg.Backends.Preferred))
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError reports every config problem found at once, matching
// the teacher's own batched ConfigValidationError rather than failing on
// the first issue.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "dconfig: validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}
