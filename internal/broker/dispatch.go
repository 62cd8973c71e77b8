package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haulstream/relay/internal/metrics"
	"github.com/haulstream/relay/internal/model"
)

// StatsRecorder is the subset of queue stats the dispatch path feeds.
// Satisfied by metrics.QueueStatsService.
type StatsRecorder interface {
	RecordReceived(queueName string)
	RecordRouted(queueName string)
	RecordDuplicate(queueName string)
	RecordRejected(queueName string)
	RecordParseFailure(queueName string)
	RecordPollError(queueName string)
}

// ParsePointer decodes a broker message body. Unknown fields are ignored;
// a pointer without an id or mediation target is invalid.
func ParsePointer(body []byte) (*model.MessagePointer, error) {
	var ptr model.MessagePointer
	if err := json.Unmarshal(body, &ptr); err != nil {
		return nil, fmt.Errorf("decode message pointer: %w", err)
	}
	if ptr.ID == "" {
		return nil, fmt.Errorf("message pointer missing id")
	}
	if ptr.MediationTarget == "" {
		return nil, fmt.Errorf("message pointer %s missing mediation target", ptr.ID)
	}
	return &ptr, nil
}

// Dispatch routes one delivery and settles it per the manager's verdict:
// duplicates are acked away, rejected messages go back for redelivery.
func Dispatch(router Router, queueName string, msg *model.MessagePointer, cb Callback, stats StatsRecorder) {
	metrics.ConsumerMessagesReceived.WithLabelValues(queueName).Inc()
	if stats != nil {
		stats.RecordReceived(queueName)
	}

	switch router.RouteMessage(msg, cb) {
	case RouteAccepted:
		if stats != nil {
			stats.RecordRouted(queueName)
		}

	case RouteDuplicate:
		// Another delivery of this id is already being mediated; this
		// copy is safe to drop.
		if stats != nil {
			stats.RecordDuplicate(queueName)
		}
		if err := cb.Ack(); err != nil {
			slog.Warn("Failed to ack duplicate delivery",
				"queue", queueName,
				"messageId", msg.ID,
				"error", err)
		}

	case RouteRejected:
		if stats != nil {
			stats.RecordRejected(queueName)
		}
		if err := cb.Nack(); err != nil {
			slog.Warn("Failed to nack rejected delivery",
				"queue", queueName,
				"messageId", msg.ID,
				"error", err)
		}
	}
}

// DropPoisonMessage acks a message whose body cannot be parsed so the
// broker does not redeliver it forever.
func DropPoisonMessage(queueName string, cb Callback, parseErr error, stats StatsRecorder) {
	metrics.ConsumerParseFailures.WithLabelValues(queueName).Inc()
	if stats != nil {
		stats.RecordParseFailure(queueName)
	}
	slog.Error("Dropping unparseable message", "queue", queueName, "error", parseErr)
	if err := cb.Ack(); err != nil {
		slog.Warn("Failed to ack poison message", "queue", queueName, "error", err)
	}
}
