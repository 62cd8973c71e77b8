// Package broker defines the contract between queue consumers and the
// queue manager. Each broker adapter turns its native delivery into a
// MessagePointer plus a Callback that knows how to settle the message with
// that broker.
package broker

import (
	"context"
	"time"

	"github.com/haulstream/relay/internal/model"
)

// Callback settles one delivered message with its broker. Implementations
// carry whatever the broker needs: a receipt handle, a JetStream message,
// an embedded-queue row id.
//
// A callback is used at most once; ack and nack after the first terminal
// call are no-ops at the broker's discretion.
type Callback interface {
	// Ack marks the message done; the broker must not redeliver it.
	Ack() error

	// Nack returns the message for redelivery per the broker's policy.
	Nack() error

	// NackWithDelay returns the message requesting redelivery no sooner
	// than delay. Brokers without per-message delay fall back to Nack.
	NackWithDelay(delay time.Duration) error
}

// RouteResult tells a consumer how the manager disposed of a delivery.
type RouteResult int

const (
	// RouteAccepted - the message entered a pool; the manager owns the callback.
	RouteAccepted RouteResult = iota

	// RouteDuplicate - the id is already in flight; consumer should ack
	// this delivery to drop it.
	RouteDuplicate

	// RouteRejected - no pool space; consumer should nack for redelivery.
	RouteRejected
)

// Router accepts deliveries from consumers. Implemented by the queue manager.
type Router interface {
	RouteMessage(msg *model.MessagePointer, cb Callback) RouteResult
}

// Consumer is a running poll loop against one broker queue.
type Consumer interface {
	// Name identifies the queue for logs and stats.
	Name() string

	// Start launches the poll loop(s). Non-blocking.
	Start(ctx context.Context) error

	// Stop halts polling, waiting up to the context deadline for
	// outstanding polls to finish.
	Stop(ctx context.Context) error
}
