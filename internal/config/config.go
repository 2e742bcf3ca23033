package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Patterns    PatternsConfig    `yaml:"patterns"`
	Governor    GovernorConfig    `yaml:"governor"`
	Remediation RemediationConfig `yaml:"remediation"`
	Patch       PatchConfig       `yaml:"patch"`
	Security    SecurityConfig    `yaml:"security"`
	Forensics   ForensicsConfig   `yaml:"forensics"`
	Learning    LearningConfig    `yaml:"learning"`
	Notify      NotifyConfig      `yaml:"notify"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stderr or a file path
}

type ServerConfig struct {
	// Addr is the ops API listen address; empty disables the API.
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type AuthConfig struct {
	Type   string           `yaml:"type"` // none|api_key
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type TelemetryConfig struct {
	Files           []string `yaml:"files"`
	PollInterval    string   `yaml:"poll_interval"`
	SeenIDCapacity  int      `yaml:"seen_id_capacity"`
	WatchFilesystem *bool    `yaml:"watch_filesystem"`
}

type PatternsConfig struct {
	File string `yaml:"file"`

	// Watch reloads File when it changes; a file that fails to parse is ignored.
	Watch         bool   `yaml:"watch"`
	WatchDebounce string `yaml:"watch_debounce"`
}

type GovernorConfig struct {
	Cooldown    string `yaml:"cooldown"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type RemediationConfig struct {
	Workers        int    `yaml:"workers"`
	CommandTimeout string `yaml:"command_timeout"`
	Shell          string `yaml:"shell"`
	WorkDir        string `yaml:"work_dir"`
	// PatchDir resolves relative fix_command paths for apply_code_patch.
	PatchDir      string                     `yaml:"patch_dir"`
	DryRunPatches bool                       `yaml:"dry_run_patches"`
	ExitOnRestart bool                       `yaml:"exit_on_restart"`
	Credentials   CredentialsConfig          `yaml:"credentials"`
	Reconnect     map[string]ReconnectTarget `yaml:"reconnect"`
}

type CredentialsConfig struct {
	AWS   []AWSRotatorConfig   `yaml:"aws"`
	Vault []VaultRotatorConfig `yaml:"vault"`
}

type AWSRotatorConfig struct {
	Name     string `yaml:"name"`
	Region   string `yaml:"region"`
	SecretID string `yaml:"secret_id"`
	RoleARN  string `yaml:"role_arn"`
}

type VaultRotatorConfig struct {
	Name       string `yaml:"name"`
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // token|kubernetes
	TokenFile  string `yaml:"token_file"`
	K8sRole    string `yaml:"k8s_role"`
	Mount      string `yaml:"mount"`
	SecretPath string `yaml:"secret_path"`
	KeyField   string `yaml:"key_field"`
}

type ReconnectTarget struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout string            `yaml:"timeout"`
}

type PatchConfig struct {
	RepoRoot            string   `yaml:"repo_root"`
	AllowedPaths        []string `yaml:"allowed_paths"`
	MaxLines            int      `yaml:"max_lines"`
	GitBinary           string   `yaml:"git_binary"`
	Timeout             string   `yaml:"timeout"`
	RequireCleanTargets bool     `yaml:"require_clean_targets"`
}

type SecurityConfig struct {
	AlertDedupeWindow    string           `yaml:"alert_dedupe_window"`
	IncidentDedupeWindow string           `yaml:"incident_dedupe_window"`
	ContainmentTTL       string           `yaml:"containment_ttl"`
	SweepSchedule        string           `yaml:"sweep_schedule"`
	Policies             []SecurityPolicy `yaml:"policies"`
}

// SecurityPolicy is one correlation threshold. Severity steps are evaluated
// against how far the count exceeds Threshold when the incident opens.
type SecurityPolicy struct {
	Name        string         `yaml:"name"`
	EventType   string         `yaml:"event_type"`
	Scope       string         `yaml:"scope"` // sender|channel
	Threshold   int            `yaml:"threshold"`
	Window      string         `yaml:"window"`
	Containment string         `yaml:"containment"`
	Severity    []SeverityStep `yaml:"severity"`
}

type SeverityStep struct {
	Exceed   int    `yaml:"exceed"`
	Severity string `yaml:"severity"`
}

type ForensicsConfig struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`

	// Integrity chaining is enabled when either key source is set.
	IntegrityKeyFile   string `yaml:"integrity_key_file"`
	IntegrityKeyEnv    string `yaml:"integrity_key_env"`
	IntegrityAlgorithm string `yaml:"integrity_algorithm"` // hmac-sha256|hmac-sha512
}

// IntegrityEnabled reports whether forensic records are HMAC-chained.
func (f ForensicsConfig) IntegrityEnabled() bool {
	return f.IntegrityKeyFile != "" || f.IntegrityKeyEnv != ""
}

type LearningConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type NotifyConfig struct {
	Webhooks        []WebhookConfig `yaml:"webhooks"`
	RatePerSecond   float64         `yaml:"rate_per_second"`
	Burst           int             `yaml:"burst"`
	LifecycleEvents *bool           `yaml:"lifecycle_events"`
	// QueueSize bounds the messages waiting for the background sender.
	QueueSize int `yaml:"queue_size"`
}

type WebhookConfig struct {
	Name       string            `yaml:"name"`
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Headers    map[string]string `yaml:"headers"`
	Template   string            `yaml:"template"`
	Timeout    string            `yaml:"timeout"`
	RetryCount int               `yaml:"retry_count"`
	RetryDelay string            `yaml:"retry_delay"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a YAML config file, applies defaults and WARDEN_* overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	resolveRelative(cfg, filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "15s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "30s"
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Telemetry.PollInterval == "" {
		cfg.Telemetry.PollInterval = "2s"
	}
	if cfg.Telemetry.SeenIDCapacity <= 0 {
		cfg.Telemetry.SeenIDCapacity = 10000
	}
	if cfg.Telemetry.WatchFilesystem == nil {
		t := true
		cfg.Telemetry.WatchFilesystem = &t
	}
	if cfg.Governor.Cooldown == "" {
		cfg.Governor.Cooldown = "300s"
	}
	if cfg.Governor.MaxAttempts <= 0 {
		cfg.Governor.MaxAttempts = 3
	}
	if cfg.Remediation.Workers <= 0 {
		cfg.Remediation.Workers = 2
	}
	if cfg.Remediation.CommandTimeout == "" {
		cfg.Remediation.CommandTimeout = "60s"
	}
	if cfg.Remediation.Shell == "" {
		cfg.Remediation.Shell = "/bin/sh"
	}
	if cfg.Patch.MaxLines <= 0 {
		cfg.Patch.MaxLines = 500
	}
	if cfg.Patch.GitBinary == "" {
		cfg.Patch.GitBinary = "git"
	}
	if cfg.Patch.Timeout == "" {
		cfg.Patch.Timeout = "30s"
	}
	if cfg.Patch.RepoRoot == "" {
		cfg.Patch.RepoRoot = "."
	}
	if cfg.Security.AlertDedupeWindow == "" {
		cfg.Security.AlertDedupeWindow = "900s"
	}
	if cfg.Security.IncidentDedupeWindow == "" {
		cfg.Security.IncidentDedupeWindow = "900s"
	}
	if cfg.Security.SweepSchedule == "" {
		cfg.Security.SweepSchedule = "@every 1m"
	}
	if len(cfg.Security.Policies) == 0 {
		cfg.Security.Policies = DefaultSecurityPolicies()
	}
	for i := range cfg.Security.Policies {
		p := &cfg.Security.Policies[i]
		if p.Window == "" {
			p.Window = "10m"
		}
		if p.Scope == "" {
			p.Scope = "sender"
		}
		if p.Containment == "" {
			if p.Scope == "channel" {
				p.Containment = "mute_channel"
			} else {
				p.Containment = "mute_sender"
			}
		}
	}
	if cfg.Forensics.Dir == "" {
		cfg.Forensics.Dir = "/var/lib/warden/forensics"
	}
	if cfg.Forensics.MaxSizeMB == 0 {
		cfg.Forensics.MaxSizeMB = 100
	}
	if cfg.Forensics.MaxBackups == 0 {
		cfg.Forensics.MaxBackups = 5
	}
	if cfg.Learning.SQLitePath == "" {
		cfg.Learning.SQLitePath = "/var/lib/warden/learning.db"
	}
	if cfg.Notify.RatePerSecond <= 0 {
		cfg.Notify.RatePerSecond = 1
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = 20
	}
	if cfg.Notify.LifecycleEvents == nil {
		t := true
		cfg.Notify.LifecycleEvents = &t
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// DefaultSecurityPolicies is the correlation table used when none is configured.
func DefaultSecurityPolicies() []SecurityPolicy {
	return []SecurityPolicy{
		{
			Name:      "repeated_permission_denied",
			EventType: "permission_denied",
			Scope:     "sender",
			Threshold: 3,
			Window:    "10m",
			Severity: []SeverityStep{
				{Exceed: 0, Severity: "medium"},
				{Exceed: 3, Severity: "high"},
				{Exceed: 7, Severity: "critical"},
			},
		},
		{
			Name:      "rate_limit_storm",
			EventType: "rate_limited",
			Scope:     "sender",
			Threshold: 10,
			Window:    "5m",
			Severity: []SeverityStep{
				{Exceed: 0, Severity: "low"},
				{Exceed: 10, Severity: "medium"},
			},
		},
		{
			Name:        "channel_command_fallbacks",
			EventType:   "command_fallback",
			Scope:       "channel",
			Threshold:   5,
			Window:      "10m",
			Containment: "none",
			Severity: []SeverityStep{
				{Exceed: 0, Severity: "low"},
			},
		},
		{
			Name:      "channel_security_alerts",
			EventType: "security_alert",
			Scope:     "channel",
			Threshold: 5,
			Window:    "15m",
			Severity: []SeverityStep{
				{Exceed: 0, Severity: "high"},
				{Exceed: 5, Severity: "critical"},
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WARDEN_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WARDEN_PATTERNS_FILE"); v != "" {
		cfg.Patterns.File = v
	}
	if v := os.Getenv("WARDEN_REPO_ROOT"); v != "" {
		cfg.Patch.RepoRoot = v
	}
	if v := os.Getenv("WARDEN_DATA_DIR"); v != "" {
		cfg.Forensics.Dir = filepath.Join(v, "forensics")
		cfg.Learning.SQLitePath = filepath.Join(v, "learning.db")
	}
	if v := os.Getenv("WARDEN_TELEMETRY_FILES"); v != "" {
		cfg.Telemetry.Files = strings.Split(v, string(os.PathListSeparator))
	}
}

func resolveRelative(cfg *Config, base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.Patterns.File = abs(cfg.Patterns.File)
	cfg.Forensics.IntegrityKeyFile = abs(cfg.Forensics.IntegrityKeyFile)
	if cfg.Remediation.PatchDir != "" {
		cfg.Remediation.PatchDir = abs(cfg.Remediation.PatchDir)
	}
	for i, f := range cfg.Telemetry.Files {
		cfg.Telemetry.Files[i] = abs(f)
	}
}

func validateConfig(cfg *Config) error {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch cfg.Auth.Type {
	case "none", "api_key":
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	durations := map[string]string{
		"server.read_timeout":             cfg.Server.ReadTimeout,
		"server.write_timeout":            cfg.Server.WriteTimeout,
		"telemetry.poll_interval":         cfg.Telemetry.PollInterval,
		"patterns.watch_debounce":         cfg.Patterns.WatchDebounce,
		"governor.cooldown":               cfg.Governor.Cooldown,
		"remediation.command_timeout":     cfg.Remediation.CommandTimeout,
		"patch.timeout":                   cfg.Patch.Timeout,
		"security.alert_dedupe_window":    cfg.Security.AlertDedupeWindow,
		"security.incident_dedupe_window": cfg.Security.IncidentDedupeWindow,
		"security.containment_ttl":        cfg.Security.ContainmentTTL,
	}
	for key, v := range durations {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
	}
	for i, p := range cfg.Security.Policies {
		if p.Name == "" {
			return fmt.Errorf("security.policies[%d]: name is required", i)
		}
		if p.Threshold <= 0 {
			return fmt.Errorf("security.policies[%d] %q: threshold must be > 0", i, p.Name)
		}
		if _, err := time.ParseDuration(p.Window); err != nil {
			return fmt.Errorf("security.policies[%d] %q: invalid window: %w", i, p.Name, err)
		}
		switch p.Scope {
		case "sender", "channel":
		default:
			return fmt.Errorf("security.policies[%d] %q: invalid scope %q", i, p.Name, p.Scope)
		}
	}
	switch cfg.Forensics.IntegrityAlgorithm {
	case "", "hmac-sha256", "hmac-sha512":
	default:
		return fmt.Errorf("invalid forensics.integrity_algorithm %q", cfg.Forensics.IntegrityAlgorithm)
	}
	for i, w := range cfg.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("notify.webhooks[%d]: url is required", i)
		}
	}
	return nil
}

// Duration parses a config duration string, returning def when s is empty.
// Values are validated at load time, so parse errors fall back to def.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
