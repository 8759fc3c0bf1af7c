package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay defaults.
const (
	DefaultGitLabBaseURL   = "https://gitlab.com"
	DefaultAppName         = "decap"
	DefaultProviderTimeout = 10 * time.Second
	DefaultStateTTL        = 3 * time.Minute

	minSecretLength = 16

	envRelaxLocalhost = "RELAY_RELAX_LOCALHOST"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AllowList AllowListConfig `yaml:"allow_list"`
	Providers ProviderConfig  `yaml:"providers"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	SecretsPath       string    `yaml:"secrets_path"`
	Secret            string    `yaml:"secret"`
	AppName           string    `yaml:"app_name"`
	TLS               TLSConfig `yaml:"tls"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`

	// BuildTime is stamped into the binary at link time, not read from the file.
	BuildTime string `yaml:"-"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// AllowListConfig lists the sites whose editors may receive tokens.
type AllowListConfig struct {
	SiteIDs         []string `yaml:"site_ids"`
	DisableDevHosts bool     `yaml:"disable_dev_hosts"`
	RelaxLocalhost  bool     `yaml:"relax_localhost"`
	RequireReferer  bool     `yaml:"require_referer"`
}

// ProviderConfig groups upstream providers.
type ProviderConfig struct {
	Timeout string           `yaml:"timeout"`
	GitHub  UpstreamProvider `yaml:"github"`
	GitLab  UpstreamProvider `yaml:"gitlab"`
}

// UpstreamProvider holds OAuth application credentials for one provider.
type UpstreamProvider struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
	// Discover resolves endpoints through OIDC discovery on BaseURL (gitlab only).
	Discover bool `yaml:"discover"`
}

// Configured reports whether credentials are present.
func (u UpstreamProvider) Configured() bool {
	return u.ClientID != "" && u.ClientSecret != ""
}

// LoadConfig reads the YAML config file and merges environment overrides.
// An empty path skips the file and relies on defaults plus environment.
// allow_list.relax_localhost follows server.dev_mode unless set explicitly.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	_, relaxSet := os.LookupEnv(envRelaxLocalhost)

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		relaxSet = relaxSet || relaxLocalhostInFile(b)
	}

	applyEnvOverrides(&cfg)
	if !relaxSet {
		cfg.AllowList.RelaxLocalhost = cfg.Server.DevMode
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// relaxLocalhostInFile reports whether the document names allow_list.relax_localhost.
func relaxLocalhostInFile(b []byte) bool {
	var doc struct {
		AllowList struct {
			RelaxLocalhost *bool `yaml:"relax_localhost"`
		} `yaml:"allow_list"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return false
	}
	return doc.AllowList.RelaxLocalhost != nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			AppName:         DefaultAppName,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
		AllowList: AllowListConfig{
			RelaxLocalhost: true,
		},
		Providers: ProviderConfig{
			Timeout: DefaultProviderTimeout.String(),
			GitLab: UpstreamProvider{
				BaseURL: DefaultGitLabBaseURL,
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SECRET":                    func(v string) { cfg.Server.Secret = v },
		"ALLOW_SITE_ID_LIST":        func(v string) { cfg.AllowList.SiteIDs = splitList(v) },
		"GITHUB_OAUTH_ID":           func(v string) { cfg.Providers.GitHub.ClientID = v },
		"GITHUB_OAUTH_SECRET":       func(v string) { cfg.Providers.GitHub.ClientSecret = v },
		"GITHUB_BASE_URL":           func(v string) { cfg.Providers.GitHub.BaseURL = v },
		"GITLAB_OAUTH_ID":           func(v string) { cfg.Providers.GitLab.ClientID = v },
		"GITLAB_OAUTH_SECRET":       func(v string) { cfg.Providers.GitLab.ClientSecret = v },
		"GITLAB_BASE_URL":           func(v string) { cfg.Providers.GitLab.BaseURL = v },
		"GITLAB_DISCOVER":           func(v string) { cfg.Providers.GitLab.Discover = parseBool(v, cfg.Providers.GitLab.Discover) },
		"RELAY_PUBLIC_URL":          func(v string) { cfg.Server.PublicURL = v },
		"RELAY_LISTEN_ADDR":         func(v string) { cfg.Server.DevListenAddr = v },
		"RELAY_HTTP_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPListenAddr = v },
		"RELAY_HTTPS_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPSListenAddr = v },
		"RELAY_DEV_MODE":            func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"RELAY_APP_NAME":            func(v string) { cfg.Server.AppName = v },
		"RELAY_SECRETS_PATH":        func(v string) { cfg.Server.SecretsPath = v },
		"RELAY_TLS_DOMAINS":         func(v string) { cfg.Server.TLS.Domains = splitList(v) },
		"RELAY_TLS_EMAIL":           func(v string) { cfg.Server.TLS.Email = v },
		"RELAY_TRUST_PROXY_HEADERS": func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		envRelaxLocalhost:           func(v string) { cfg.AllowList.RelaxLocalhost = parseBool(v, cfg.AllowList.RelaxLocalhost) },
		"RELAY_DISABLE_DEV_HOSTS":   func(v string) { cfg.AllowList.DisableDevHosts = parseBool(v, cfg.AllowList.DisableDevHosts) },
		"RELAY_REQUIRE_REFERER":     func(v string) { cfg.AllowList.RequireReferer = parseBool(v, cfg.AllowList.RequireReferer) },
		"RELAY_PROVIDER_TIMEOUT":    func(v string) { cfg.Providers.Timeout = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// splitList splits on commas and whitespace, dropping empty entries.
func splitList(val string) []string {
	return strings.FieldsFunc(val, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

// ProviderTimeout returns the bound on outbound exchange calls.
func (c Config) ProviderTimeout() time.Duration {
	return parseDuration(c.Providers.Timeout, DefaultProviderTimeout)
}

// Validate performs sanity checks on the config. Failures are *ConfigError.
func (c Config) Validate() error {
	if len(c.Server.Secret) < minSecretLength {
		slog.Error("Missing or short signing secret", "field", "server.secret", "min_length", minSecretLength)
		return &ConfigError{Field: "server.secret", Reason: fmt.Sprintf("must be at least %d characters (env SECRET)", minSecretLength)}
	}

	if err := validateHTTPURL("server.public_url", c.Server.PublicURL); err != nil {
		return err
	}

	if c.Server.AppName == "" || strings.ContainsAny(c.Server.AppName, " ;,=\t") {
		return &ConfigError{Field: "server.app_name", Reason: "must be a non-empty cookie-safe token"}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return &ConfigError{Field: "server.tls.domains", Reason: "must be provided in production"}
	}

	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
		return &ConfigError{Field: "server.tls.min_version", Reason: fmt.Sprintf("must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)}
	}

	if c.Providers.Timeout != "" {
		if d, err := time.ParseDuration(c.Providers.Timeout); err != nil || d <= 0 {
			return &ConfigError{Field: "providers.timeout", Reason: fmt.Sprintf("invalid duration %q", c.Providers.Timeout)}
		}
	}

	if !c.Providers.GitHub.Configured() && !c.Providers.GitLab.Configured() {
		slog.Error("No OAuth provider configured", "reason", "set GITHUB_OAUTH_ID/GITHUB_OAUTH_SECRET or GITLAB_OAUTH_ID/GITLAB_OAUTH_SECRET")
		return &ConfigError{Field: "providers", Reason: "at least one of github or gitlab must have client_id and client_secret"}
	}

	if c.Providers.GitHub.BaseURL != "" {
		if err := validateHTTPURL("providers.github.base_url", c.Providers.GitHub.BaseURL); err != nil {
			return err
		}
	}
	if c.Providers.GitHub.Discover {
		return &ConfigError{Field: "providers.github.discover", Reason: "github does not publish OIDC discovery for OAuth apps"}
	}
	if c.Providers.GitLab.BaseURL != "" {
		if err := validateHTTPURL("providers.gitlab.base_url", c.Providers.GitLab.BaseURL); err != nil {
			return err
		}
	}

	if _, err := NewAllowList(c.AllowList); err != nil {
		return err
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		slog.Error("Missing required configuration", "field", field)
		return &ConfigError{Field: field, Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", field, "value", raw, "reason", "must be an absolute http(s) URL")
		return &ConfigError{Field: field, Reason: fmt.Sprintf("must start with http:// or https://, got: %s", raw)}
	}
	return nil
}
