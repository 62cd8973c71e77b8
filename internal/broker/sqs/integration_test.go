//go:build integration

// Integration tests against a LocalStack container. Requires Docker;
// run with -tags integration.
package sqs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/haulstream/relay/internal/broker"
	"github.com/haulstream/relay/internal/broker/sqs/testutil"
	"github.com/haulstream/relay/internal/model"
)

func pointerBody(id string) string {
	return fmt.Sprintf(`{"id":%q,"mediationTarget":"https://example.com/hook"}`, id)
}

func TestIntegration_ConsumeAndAck(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ls, err := testutil.Start(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateQueue(ctx, "relay-test")
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	if _, err := ls.Client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(pointerBody("m1")),
	}); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	router := &recordingRouter{
		result: broker.RouteAccepted,
		settle: func(cb broker.Callback) { cb.Ack() },
	}

	c := NewConsumerWithAPI(ls.Client, Config{
		QueueURL:        queueURL,
		WaitTimeSeconds: 1,
	}, router, nil)
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	waitFor(t, 15*time.Second, func() bool { return router.count() == 1 })

	router.mu.Lock()
	got := router.messages[0].ID
	router.mu.Unlock()
	if got != "m1" {
		t.Errorf("Expected m1 routed, got %s", got)
	}

	// Acked messages stay gone past the visibility window.
	time.Sleep(2 * time.Second)
	if router.count() != 1 {
		t.Errorf("Expected no redelivery after ack, got %d deliveries", router.count())
	}
}

func TestIntegration_FIFOPreservesGroupOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	ls, err := testutil.Start(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateFIFOQueue(ctx, "relay-test")
	if err != nil {
		t.Fatalf("Failed to create FIFO queue: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := ls.Client.SendMessage(ctx, &awssqs.SendMessageInput{
			QueueUrl:       aws.String(queueURL),
			MessageBody:    aws.String(pointerBody(fmt.Sprintf("m%d", i))),
			MessageGroupId: aws.String("order-1"),
		}); err != nil {
			t.Fatalf("Failed to send message %d: %v", i, err)
		}
	}

	router := &recordingRouter{
		result: broker.RouteAccepted,
		settle: func(cb broker.Callback) { cb.Ack() },
	}

	c := NewConsumerWithAPI(ls.Client, Config{
		QueueURL:        queueURL,
		FIFO:            true,
		WaitTimeSeconds: 1,
	}, router, nil)
	c.Start(ctx)
	defer c.Stop(context.Background())

	waitFor(t, 20*time.Second, func() bool { return router.count() == 5 })

	router.mu.Lock()
	defer router.mu.Unlock()
	for i, msg := range router.messages {
		want := fmt.Sprintf("m%d", i)
		if msg.ID != want {
			t.Errorf("Expected %s at position %d, got %s", want, i, msg.ID)
		}
		if msg.MessageGroupID != "order-1" {
			t.Errorf("Expected group order-1 on %s, got %q", msg.ID, msg.MessageGroupID)
		}
	}
}
