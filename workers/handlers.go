package workers

import (
	"context"
	"encoding/json"

	"github.com/nyaruka/gocommon/uuids"
	"github.com/shelfmark/custodian/deleter"
	"github.com/shelfmark/custodian/exports"
	"github.com/shelfmark/custodian/poller"
	"github.com/shelfmark/custodian/queues"
)

// AccountDeleteEvent is the bridged event that arrives when an account is closed
type AccountDeleteEvent struct {
	TraceID   string `json:"traceId"`
	UserID    int64  `json:"userId"`
	Email     string `json:"email"`
	IsPremium bool   `json:"isPremium"`
}

// ExportRequestEvent is the bridged event that arrives when a user asks for their data
type ExportRequestEvent struct {
	RequestID string `json:"requestId"`
	UserID    int64  `json:"userId"`
	EncodedID string `json:"encodedUserId"`
}

// handleDelete handles the delete queue, which carries two message shapes: enveloped
// account delete events from the pub/sub bridge, and bare deletion jobs we enqueued
// ourselves for tables too large for one page.
func (s *Service) handleDelete(ctx context.Context, body []byte) bool {
	payload := queues.UnwrapBody(body)

	// a continuation job carries explicit key tuples
	job := &deleter.Job{}
	if err := json.Unmarshal(payload, job); err == nil && job.Table != "" && len(job.KeyNames) > 0 {
		s.deleter.DeleteKeys(ctx, job)
		s.stats.RecordHandled("delete")
		return true
	}

	evt := &AccountDeleteEvent{}
	if err := json.Unmarshal(payload, evt); err != nil || evt.UserID == 0 {
		// unparseable.. log the payload for manual replay and drop
		s.log.Error("unparseable delete message", "body", string(body))
		s.stats.RecordDropped("delete")
		return true
	}
	if evt.TraceID == "" {
		evt.TraceID = string(uuids.NewV4())
	}

	user := &deleter.User{TraceID: evt.TraceID, ID: evt.UserID, Email: evt.Email, IsPremium: evt.IsPremium}
	for _, table := range deleter.UserTables {
		if table.PremiumOnly && !user.IsPremium {
			continue
		}
		s.deleter.DeleteRows(ctx, user, table)
	}

	if err := s.emitter.AccountDeleted(ctx, user.TraceID, user.ID); err != nil {
		// the rows are gone, don't force a redelivery that would re-run every table
		s.log.Error("error emitting account deleted event", "trace_id", user.TraceID, "user_id", user.ID, "error", err)
	}

	s.stats.RecordHandled("delete")
	return true
}

// handleExportRequest handles enveloped export request events
func (s *Service) handleExportRequest(ctx context.Context, body []byte) bool {
	payload := queues.UnwrapBody(body)

	evt := &ExportRequestEvent{}
	if err := json.Unmarshal(payload, evt); err != nil || evt.RequestID == "" {
		s.log.Error("unparseable export request", "body", string(body))
		s.stats.RecordDropped("export_request")
		return true
	}

	if err := s.orch.StartExport(ctx, evt.RequestID, evt.UserID, evt.EncodedID); err != nil {
		s.log.Error("error starting export", "request_id", evt.RequestID, "user_id", evt.UserID, "error", err)
		s.stats.RecordRetried("export_request")
		return false
	}

	s.stats.RecordHandled("export_request")
	return true
}

// chunkHandler returns the handler for one producer's chunk queue
func (s *Service) chunkHandler(reg exports.Registration) poller.HandlerFunc {
	name := reg.Producer.Name()
	worker := chunkWorker(name)

	return func(ctx context.Context, body []byte) bool {
		job := &exports.ChunkJob{}
		if err := json.Unmarshal(body, job); err != nil || job.RequestID == "" {
			s.log.Error("unparseable chunk job", "producer", name, "body", string(body))
			s.stats.RecordDropped(worker)
			return true
		}

		if err := s.exporter.ExportChunk(ctx, reg.Producer, reg.QueueURL, job); err != nil {
			s.log.Error("error exporting chunk", "producer", name, "request_id", job.RequestID, "user_id", job.UserID,
				"cursor", job.Cursor, "part", job.Part, "error", err)
			s.stats.RecordRetried(worker)
			return false
		}

		s.stats.RecordHandled(worker)
		return true
	}
}
