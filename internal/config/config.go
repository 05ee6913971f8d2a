// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the submission client.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-submit-lite/internal/smtp"
)

// defaultTimeoutMs matches smtp.DefaultTimeout.
const defaultTimeoutMs = 5000

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	TLS     TLSConfig     `yaml:"tls"`
	SES     SESConfig     `yaml:"ses"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Logging LoggingConfig `yaml:"logging"`

	// envErrs collects overrides that could not be parsed.
	envErrs []error
}

// SMTPConfig describes the relay and how to log in to it.
type SMTPConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Encryption string `yaml:"encryption"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	Auth       string `yaml:"auth"`
	LocalName  string `yaml:"local_name"`
}

// TLSConfig controls verification of the relay certificate and the
// optional client certificate.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
}

// SESConfig enables relaying through Amazon SES with credentials derived
// from AWS keys.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// OAuthConfig holds the client credentials used by the token mechanisms.
type OAuthConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// SESConfigured returns true if a SES region is set. Keys are optional; the
// default AWS credential chain is used without them.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// OAuthConfigured returns true if all client credentials are set.
func (c *Config) OAuthConfigured() bool {
	return c.OAuth.TokenURL != "" &&
		c.OAuth.ClientID != "" &&
		c.OAuth.ClientSecret != ""
}

// TokenAuth returns true if the configured mechanism needs an access token.
func (c *Config) TokenAuth() bool {
	switch strings.ToUpper(c.SMTP.Auth) {
	case "XOAUTH2", "OAUTHBEARER":
		return true
	}
	return false
}

// Encryption returns the parsed encryption mode.
func (c *Config) Encryption() (smtp.Encryption, error) {
	return smtp.ParseEncryption(c.SMTP.Encryption)
}

// Timeout returns the per-operation timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.SMTP.TimeoutMs) * time.Millisecond
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	errs := slices.Clone(c.envErrs)

	if c.SMTP.Host == "" && !c.SESConfigured() {
		errs = append(errs, errors.New("smtp host is required unless ses region is set"))
	}
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp port %d out of range", c.SMTP.Port))
	}
	if c.SMTP.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("smtp timeout_ms must be positive, got %d", c.SMTP.TimeoutMs))
	}
	if _, err := c.Encryption(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToUpper(c.SMTP.Auth) {
	case "", "LOGIN", "PLAIN":
	case "XOAUTH2", "OAUTHBEARER":
		if !c.OAuthConfigured() {
			errs = append(errs, fmt.Errorf("auth %s needs oauth token_url, client_id and client_secret", c.SMTP.Auth))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported auth mechanism %q", c.SMTP.Auth))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls cert_file and key_file must be set together"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Encryption = "starttls"
	c.SMTP.TimeoutMs = defaultTimeoutMs
	c.SMTP.Auth = "login"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		} else {
			c.envErrs = append(c.envErrs, fmt.Errorf("SMTP_PORT %q is not a number", v))
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_ENCRYPTION"); v != "" {
		c.SMTP.Encryption = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.SMTP.TimeoutMs = ms
		} else {
			c.envErrs = append(c.envErrs, fmt.Errorf("SMTP_TIMEOUT_MS %q is not a number of milliseconds", v))
		}
	}
	if v := os.Getenv("SMTP_AUTH"); v != "" {
		c.SMTP.Auth = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_LOCAL_NAME"); v != "" {
		c.SMTP.LocalName = v
	}

	if v := os.Getenv("TLS_CA_FILE"); v != "" {
		c.TLS.CAFile = v
	}
	if v := os.Getenv("TLS_SERVER_NAME"); v != "" {
		c.TLS.ServerName = v
	}
	if v := os.Getenv("TLS_INSECURE_SKIP_VERIFY"); v != "" {
		if skip, err := strconv.ParseBool(v); err == nil {
			c.TLS.InsecureSkipVerify = skip
		} else {
			c.envErrs = append(c.envErrs, fmt.Errorf("TLS_INSECURE_SKIP_VERIFY %q is not a boolean", v))
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("OAUTH_TOKEN_URL"); v != "" {
		c.OAuth.TokenURL = v
	}
	if v := os.Getenv("OAUTH_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("OAUTH_SCOPE"); v != "" {
		c.OAuth.Scope = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
