package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider reads secrets from a HashiCorp Vault KV v2 mount. The
// secret value is expected under the "value" key of the stored data.
type VaultProvider struct {
	client *vault.Client
	path   string
}

func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProvider)
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.VaultAddr

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	path := strings.TrimSuffix(cfg.VaultPath, "/")
	if path == "" {
		path = "secret/data/relay"
	}

	return &VaultProvider{client: client, path: path}, nil
}

func (p *VaultProvider) Get(ctx context.Context, name string) (string, error) {
	secret, err := p.client.KVv2("secret").Get(ctx, p.kvPath(name))
	if err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if secret == nil || secret.Data == nil {
		return "", ErrNotFound
	}
	if value, ok := secret.Data["value"].(string); ok {
		return value, nil
	}
	return "", ErrNotFound
}

func (p *VaultProvider) Name() string { return "vault" }

// kvPath strips the mount prefix; the KVv2 helper re-adds it.
func (p *VaultProvider) kvPath(name string) string {
	path := p.path + "/" + name
	path = strings.TrimPrefix(path, "secret/data/")
	path = strings.TrimPrefix(path, "secret/")
	return path
}
