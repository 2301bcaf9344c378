// Package events publishes custodian's outgoing events onto the events queue, where the
// fan-out sinks (notifications, analytics) pick them up.
package events

import (
	"context"
	"time"

	"github.com/nyaruka/gocommon/jsonx"
	"github.com/shelfmark/custodian/queues"
)

type payload struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Emitter publishes events to a single queue
type Emitter struct {
	pub      queues.Publisher
	queueURL string
}

func NewEmitter(pub queues.Publisher, queueURL string) *Emitter {
	return &Emitter{pub: pub, queueURL: queueURL}
}

func (e *Emitter) emit(ctx context.Context, typ string, data any) error {
	body := jsonx.MustMarshal(&payload{Type: typ, Timestamp: time.Now().UTC(), Data: data})
	return e.pub.Send(ctx, e.queueURL, body)
}

// ExportReady announces that a user's archive is built and downloadable at the given link
func (e *Emitter) ExportReady(ctx context.Context, requestID, encodedID, url string) error {
	return e.emit(ctx, "export.ready", map[string]any{
		"requestId":     requestID,
		"encodedUserId": encodedID,
		"archiveUrl":    url,
	})
}

// AccountDeleted announces that a user's rows have been cleared from the schema
func (e *Emitter) AccountDeleted(ctx context.Context, traceID string, userID int64) error {
	return e.emit(ctx, "account.deleted", map[string]any{
		"traceId": traceID,
		"userId":  userID,
	})
}
