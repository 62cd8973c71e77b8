package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPProvider reads secrets from GCP Secret Manager.
type GCPProvider struct {
	client  *secretmanager.Client
	project string
	prefix  string
}

func NewGCPProvider(cfg *Config) (*GCPProvider, error) {
	if cfg.GCPProject == "" {
		return nil, fmt.Errorf("%w: GCP project is required", ErrProvider)
	}

	client, err := secretmanager.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("create GCP secret manager client: %w", err)
	}

	return &GCPProvider{
		client:  client,
		project: cfg.GCPProject,
		prefix:  cfg.GCPPrefix,
	}, nil
}

func (p *GCPProvider) Get(ctx context.Context, name string) (string, error) {
	versionName := fmt.Sprintf("projects/%s/secrets/%s%s/versions/latest",
		p.project, p.prefix, name)

	result, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: versionName,
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}

	return string(result.Payload.Data), nil
}

func (p *GCPProvider) Name() string { return "gcp-sm" }

func (p *GCPProvider) Close() error {
	return p.client.Close()
}
