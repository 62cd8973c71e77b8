// Package testutil runs a LocalStack container for SQS integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

// LocalStack wraps a running container plus an SQS client pointed at it.
type LocalStack struct {
	Container *localstack.LocalStackContainer
	Endpoint  string
	Client    *sqs.Client
}

// Start launches a LocalStack container serving SQS.
func Start(ctx context.Context, t *testing.T) (*LocalStack, error) {
	t.Helper()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{"SERVICES": "sqs"}),
	)
	if err != nil {
		return nil, fmt.Errorf("start localstack: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("resolve localstack endpoint: %w", err)
	}
	endpoint = "http://" + endpoint

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "test")),
	)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &LocalStack{Container: container, Endpoint: endpoint, Client: client}, nil
}

// CreateQueue creates a standard queue and returns its URL.
func (l *LocalStack) CreateQueue(ctx context.Context, name string) (string, error) {
	out, err := l.Client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("create queue %s: %w", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// CreateFIFOQueue creates a FIFO queue with content-based deduplication.
func (l *LocalStack) CreateFIFOQueue(ctx context.Context, name string) (string, error) {
	out, err := l.Client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name + ".fifo"),
		Attributes: map[string]string{
			"FifoQueue":                 "true",
			"ContentBasedDeduplication": "true",
		},
	})
	if err != nil {
		return "", fmt.Errorf("create fifo queue %s: %w", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// Terminate stops the container.
func (l *LocalStack) Terminate(ctx context.Context) error {
	if l.Container != nil {
		return l.Container.Terminate(ctx)
	}
	return nil
}
