// Package secrets resolves secret references in configuration values.
// A value of the form secret://<provider>/<name> is fetched from the
// named backend; anything else passes through untouched.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrNotFound = errors.New("secret not found")
	ErrProvider = errors.New("secret provider error")
)

// Provider is a secret storage backend.
type Provider interface {
	// Get retrieves a secret by name.
	Get(ctx context.Context, name string) (string, error)

	// Name identifies the provider in references and logs.
	Name() string
}

// Config selects and configures the available backends.
type Config struct {
	// AWS Secrets Manager
	AWSRegion    string
	AWSPrefix    string
	AWSEndpoint  string
	AWSAccessKey string
	AWSSecretKey string

	// HashiCorp Vault
	VaultAddr      string
	VaultToken     string
	VaultPath      string
	VaultNamespace string

	// GCP Secret Manager
	GCPProject string
	GCPPrefix  string
}

// ConfigFromEnv reads backend settings from the environment, falling
// back to the standard AWS/Vault/GCP variables.
func ConfigFromEnv() *Config {
	cfg := &Config{
		AWSPrefix: "/relay/",
		VaultPath: "secret/data/relay",
		GCPPrefix: "relay-",
	}

	if r := os.Getenv("RELAY_SECRETS_AWS_REGION"); r != "" {
		cfg.AWSRegion = r
	} else if r := os.Getenv("AWS_REGION"); r != "" {
		cfg.AWSRegion = r
	}
	if p := os.Getenv("RELAY_SECRETS_AWS_PREFIX"); p != "" {
		cfg.AWSPrefix = p
	}
	if e := os.Getenv("RELAY_SECRETS_AWS_ENDPOINT"); e != "" {
		cfg.AWSEndpoint = e
	}
	cfg.AWSAccessKey = os.Getenv("RELAY_SECRETS_AWS_ACCESS_KEY")
	cfg.AWSSecretKey = os.Getenv("RELAY_SECRETS_AWS_SECRET_KEY")

	if a := os.Getenv("RELAY_SECRETS_VAULT_ADDR"); a != "" {
		cfg.VaultAddr = a
	} else if a := os.Getenv("VAULT_ADDR"); a != "" {
		cfg.VaultAddr = a
	}
	if t := os.Getenv("RELAY_SECRETS_VAULT_TOKEN"); t != "" {
		cfg.VaultToken = t
	} else if t := os.Getenv("VAULT_TOKEN"); t != "" {
		cfg.VaultToken = t
	}
	if p := os.Getenv("RELAY_SECRETS_VAULT_PATH"); p != "" {
		cfg.VaultPath = p
	}
	if n := os.Getenv("RELAY_SECRETS_VAULT_NAMESPACE"); n != "" {
		cfg.VaultNamespace = n
	}

	if p := os.Getenv("RELAY_SECRETS_GCP_PROJECT"); p != "" {
		cfg.GCPProject = p
	} else if p := os.Getenv("GOOGLE_CLOUD_PROJECT"); p != "" {
		cfg.GCPProject = p
	}
	if p := os.Getenv("RELAY_SECRETS_GCP_PREFIX"); p != "" {
		cfg.GCPPrefix = p
	}

	return cfg
}

// EnvProvider reads secrets from RELAY_SECRET_* environment variables.
type EnvProvider struct {
	prefix string
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Get(ctx context.Context, name string) (string, error) {
	envKey := p.prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	value := os.Getenv(envKey)
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

func (p *EnvProvider) Name() string { return "env" }

// Resolver dispatches secret:// references to registered providers.
// Providers are created lazily on first use so a binary that never
// references a backend never connects to it.
type Resolver struct {
	cfg       *Config
	providers map[string]Provider
}

const refScheme = "secret://"

func NewResolver(cfg *Config) *Resolver {
	if cfg == nil {
		cfg = ConfigFromEnv()
	}
	return &Resolver{
		cfg: cfg,
		providers: map[string]Provider{
			"env": NewEnvProvider("RELAY_SECRET_"),
		},
	}
}

// IsReference reports whether a config value is a secret reference.
func IsReference(value string) bool {
	return strings.HasPrefix(value, refScheme)
}

// Resolve returns the plain value, or the resolved secret when the value
// is a secret://<provider>/<name> reference.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}

	ref := strings.TrimPrefix(value, refScheme)
	providerName, name, ok := strings.Cut(ref, "/")
	if !ok || name == "" {
		return "", fmt.Errorf("malformed secret reference %q", value)
	}

	provider, err := r.provider(providerName)
	if err != nil {
		return "", err
	}

	secret, err := provider.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s from %s: %w", name, provider.Name(), err)
	}
	return secret, nil
}

func (r *Resolver) provider(name string) (Provider, error) {
	if p, ok := r.providers[name]; ok {
		return p, nil
	}

	var (
		p   Provider
		err error
	)
	switch name {
	case "aws-sm":
		p, err = NewAWSProvider(r.cfg)
	case "vault":
		p, err = NewVaultProvider(r.cfg)
	case "gcp-sm":
		p, err = NewGCPProvider(r.cfg)
	default:
		return nil, fmt.Errorf("unknown secret provider %q", name)
	}
	if err != nil {
		return nil, err
	}

	r.providers[name] = p
	return p, nil
}
