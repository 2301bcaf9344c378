package queues

import (
	"context"
)

// Message is a single received queue message. The receipt handle is the ownership token
// needed to delete it before its visibility timeout elapses.
type Message struct {
	Body          string
	ReceiptHandle string
}

// Queue is a single message queue that a worker polls. Receive returns nil when the queue
// is empty. Delivery is at-least-once so handlers must be safe to re-run.
type Queue interface {
	Receive(ctx context.Context) (*Message, error)
	Delete(ctx context.Context, m *Message) error
	Name() string
}

// Publisher sends messages onto queues by URL
type Publisher interface {
	Send(ctx context.Context, queueURL string, body []byte) error
	SendBatch(ctx context.Context, queueURL string, bodies [][]byte) error
}
