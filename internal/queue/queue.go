package queue

import (
	"context"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
)

// Publisher publishes analysis job messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg AnalysisJobMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg AnalysisJobMessage) error

// Consumer consumes analysis job messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// AnalysisQueue holds one message per photo awaiting inference.
	AnalysisQueue = "photo.analysis"

	// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
	queueMaxPriority int32 = 3
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.photo.analysis.
func DLQName(queue string) string {
	return "dlq." + queue
}

func WorkQueueNames() []string {
	return []string{AnalysisQueue}
}

func DLQNames() []string {
	return []string{DLQName(AnalysisQueue)}
}

// PriorityValue maps the job source to RabbitMQ message priority. A user
// waiting on a single photo outranks bulk batch work.
func PriorityValue(source domain.JobSource) uint8 {
	switch source {
	case domain.JobSourceSingle:
		return 3
	case domain.JobSourceRecovery:
		return 2
	case domain.JobSourceBatch:
		return 1
	default:
		return 0
	}
}
