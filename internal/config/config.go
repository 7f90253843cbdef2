// Package config handles loading and validation of service configuration.
// Supports both development (env vars) and production (Secret Manager) modes.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/kelseyhightower/envconfig"
)

// Limits applied during validation. Out-of-range cache TTLs are clamped;
// an out-of-range port is a hard error since binding would fail anyway.
const (
	MinPort = 1024
	MaxPort = 65535

	MinCacheTTL = 60 * time.Second
	MaxCacheTTL = 24 * time.Hour
)

// Config holds all service configuration. Environment determines whether
// secrets load from env vars (development) or Secret Manager (production).
type Config struct {
	// Server settings
	Port        int    `envconfig:"PORT" default:"3000"`
	Host        string `envconfig:"HOST" default:"127.0.0.1"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Outbound fetch settings
	UserAgent string `envconfig:"USER_AGENT"`

	// Cache settings
	CacheEnabled    bool `envconfig:"CACHE_ENABLED" default:"true"`
	CacheTTLSeconds int  `envconfig:"CACHE_TTL" default:"3600"`

	// HTTP surface
	AllowedHosts   []string `envconfig:"ALLOWED_HOSTS"`
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`

	// Auth
	AuthMode string `envconfig:"AUTH_MODE" default:"static"`
	OAuth    OAuthConfig

	// GCP settings (required in production)
	GCPProject string `envconfig:"GCP_PROJECT"`
	SecretName string `envconfig:"SECRET_NAME" default:"superfetch"`

	// Secrets (loaded from env vars or Secret Manager)
	Secrets SecretConfig
}

// OAuthConfig is the OAuth endpoint surface advertised to clients plus the
// introspection settings used when AUTH_MODE=oauth.
type OAuthConfig struct {
	IssuerURL              string   `envconfig:"OAUTH_ISSUER_URL"`
	AuthorizationURL       string   `envconfig:"OAUTH_AUTHORIZATION_URL"`
	TokenURL               string   `envconfig:"OAUTH_TOKEN_URL"`
	IntrospectionURL       string   `envconfig:"OAUTH_INTROSPECTION_URL"`
	RevocationURL          string   `envconfig:"OAUTH_REVOCATION_URL"`
	RegistrationURL        string   `envconfig:"OAUTH_REGISTRATION_URL"`
	ResourceURL            string   `envconfig:"OAUTH_RESOURCE_URL"`
	RequiredScopes         []string `envconfig:"OAUTH_REQUIRED_SCOPES"`
	IntrospectionTimeoutMS int      `envconfig:"OAUTH_INTROSPECTION_TIMEOUT_MS" default:"5000"`
}

// SecretConfig contains credential material. In production it is loaded
// from Secret Manager as JSON; in development from individual env vars.
type SecretConfig struct {
	APIKey            string   `json:"api_key"`
	AccessTokens      []string `json:"access_tokens"`
	OAuthClientID     string   `json:"oauth_client_id"`
	OAuthClientSecret string   `json:"oauth_client_secret"`
}

// Load reads configuration from the environment, then secrets from either
// env vars or Secret Manager depending on Environment. Validates and
// normalizes all fields.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	var err error
	if cfg.Environment == "production" {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		err = cfg.loadFromSecretManager(ctx)
	} else {
		err = cfg.loadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("loading secrets: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFromSecretManager fetches credentials from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{name}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest",
		c.GCPProject, c.SecretName)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	if err := json.Unmarshal(result.Payload.Data, &c.Secrets); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	return nil
}

// loadFromEnv reads credentials from individual environment variables.
// Used in development mode for local testing.
func (c *Config) loadFromEnv() error {
	c.Secrets = SecretConfig{
		APIKey:            os.Getenv("API_KEY"),
		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
	}
	for _, t := range strings.Split(os.Getenv("ACCESS_TOKENS"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			c.Secrets.AccessTokens = append(c.Secrets.AccessTokens, t)
		}
	}
	return nil
}

var logLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// validate checks ranges and enumerations, clamping where the spec allows
// it and failing where it does not.
func (c *Config) validate() error {
	if c.Port < MinPort || c.Port > MaxPort {
		return fmt.Errorf("PORT must be in [%d, %d], got %d", MinPort, MaxPort, c.Port)
	}
	if _, ok := logLevels[c.LogLevel]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}

	ttl := time.Duration(c.CacheTTLSeconds) * time.Second
	if ttl < MinCacheTTL {
		c.CacheTTLSeconds = int(MinCacheTTL.Seconds())
	}
	if ttl > MaxCacheTTL {
		c.CacheTTLSeconds = int(MaxCacheTTL.Seconds())
	}

	switch c.AuthMode {
	case "static":
	case "oauth":
		if c.OAuth.IntrospectionURL == "" {
			return fmt.Errorf("OAUTH_INTROSPECTION_URL required when AUTH_MODE=oauth")
		}
		if _, err := url.Parse(c.OAuth.IntrospectionURL); err != nil {
			return fmt.Errorf("invalid OAUTH_INTROSPECTION_URL: %w", err)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be static or oauth, got %q", c.AuthMode)
	}

	return nil
}

// CacheTTL returns the validated cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// IntrospectionTimeout returns the OAuth introspection timeout as a
// duration; range clamping happens in the auth package.
func (c *Config) IntrospectionTimeout() time.Duration {
	return time.Duration(c.OAuth.IntrospectionTimeoutMS) * time.Millisecond
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}
