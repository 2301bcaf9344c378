// Package exports builds downloadable archives of a user's data. Each dataset is exported
// by a producer which pages through its rows in bounded chunks, writing each page as an
// immutable part object and re-enqueuing itself until the dataset is exhausted. A
// completion barrier over all producers triggers the final archive exactly once.
package exports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nyaruka/gocommon/jsonx"
	"github.com/shelfmark/custodian/queues"
)

// ChunkJob is one page of export work for one producer. Part numbers strictly increase
// across re-enqueues and the cursor never decreases.
type ChunkJob struct {
	RequestID string `json:"requestId"`
	UserID    int64  `json:"userId"`
	EncodedID string `json:"encodedUserId"`
	Cursor    int64  `json:"cursor"` // last seen row key, -1 means start
	Part      int    `json:"part"`
}

// Row is one exportable row with the key used to paginate its dataset
type Row interface {
	RowKey() int64
}

// Producer exports one dataset type. Implementations fetch pages ordered by row key
// ascending, filtered to keys strictly greater than the cursor.
type Producer interface {
	Name() string
	FetchPage(ctx context.Context, userID int64, cursor int64, limit int) ([]Row, error)
	Format(rows []Row) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	FileKey(encodedID string, part int) string
}

// Exporter is the shared chunk driver for all producers
type Exporter struct {
	pub      queues.Publisher
	orch     *Orchestrator
	pageSize int
	log      *slog.Logger
}

func NewExporter(pub queues.Publisher, orch *Orchestrator, pageSize int) *Exporter {
	return &Exporter{pub: pub, orch: orch, pageSize: pageSize, log: slog.With("comp", "exports")}
}

// ExportChunk drives one chunk of one producer: fetch a page, write it as a part, then
// either signal completion or enqueue the continuation. Errors propagate to the queue
// handler so the message is left for redelivery.
func (e *Exporter) ExportChunk(ctx context.Context, p Producer, queueURL string, job *ChunkJob) error {
	log := e.log.With("producer", p.Name(), "request_id", job.RequestID, "user_id", job.UserID, "cursor", job.Cursor, "part", job.Part)

	// fetching one extra row tells us whether this is the final page without a second query
	rows, err := p.FetchPage(ctx, job.UserID, job.Cursor, e.pageSize+1)
	if err != nil {
		return fmt.Errorf("error fetching %s page: %w", p.Name(), err)
	}

	if len(rows) == 0 {
		if job.Part == 0 {
			// dataset is empty, complete immediately with no artifact
			return e.orch.PartComplete(ctx, job.RequestID, job.UserID, job.EncodedID, p.Name(), time.Now())
		}
		// a later part with no rows means the cursor and page size disagree somewhere
		log.Warn("no rows for non-first part")
		return nil
	}

	// the cursor is an exclusive lower bound, so the continuation resumes after the last
	// row this page writes
	nextCursor := int64(-1)
	if len(rows) > e.pageSize {
		rows = rows[:e.pageSize]
		nextCursor = rows[len(rows)-1].RowKey()
	}

	data, err := p.Format(rows)
	if err != nil {
		return fmt.Errorf("error formatting %s part %d: %w", p.Name(), job.Part, err)
	}
	key := p.FileKey(job.EncodedID, job.Part)
	if err := p.Write(ctx, key, data); err != nil {
		return fmt.Errorf("error writing %s part %d: %w", p.Name(), job.Part, err)
	}

	if nextCursor == -1 {
		// that was the last page
		return e.orch.PartComplete(ctx, job.RequestID, job.UserID, job.EncodedID, p.Name(), time.Now())
	}

	cont := &ChunkJob{RequestID: job.RequestID, UserID: job.UserID, EncodedID: job.EncodedID, Cursor: nextCursor, Part: job.Part + 1}
	if err := e.pub.Send(ctx, queueURL, jsonx.MustMarshal(cont)); err != nil {
		return fmt.Errorf("error enqueuing %s continuation: %w", p.Name(), err)
	}

	log.Info("wrote part", "key", key, "rows", len(rows), "next_cursor", nextCursor)
	return nil
}
