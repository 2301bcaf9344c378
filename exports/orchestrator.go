package exports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nyaruka/gocommon/jsonx"
	"github.com/shelfmark/custodian/events"
	"github.com/shelfmark/custodian/queues"
	"github.com/shelfmark/custodian/storage"
)

const archiveName = "shelfmark.zip"

// Registration binds a producer to the queue its chunk jobs run on
type Registration struct {
	Producer Producer
	QueueURL string
}

// Orchestrator starts exports and converges their producer completions into a single
// archive and notification.
type Orchestrator struct {
	status        StatusStore
	store         storage.Store
	pub           queues.Publisher
	emitter       *events.Emitter
	producers     []Registration
	required      []string
	partsPrefix   string
	archivePrefix string
	ttl           time.Duration
	linkExpiry    time.Duration
	log           *slog.Logger
}

func NewOrchestrator(status StatusStore, store storage.Store, pub queues.Publisher, emitter *events.Emitter,
	producers []Registration, partsPrefix, archivePrefix string, ttl, linkExpiry time.Duration) *Orchestrator {

	required := make([]string, len(producers))
	for i, r := range producers {
		required[i] = r.Producer.Name()
	}

	return &Orchestrator{
		status:        status,
		store:         store,
		pub:           pub,
		emitter:       emitter,
		producers:     producers,
		required:      required,
		partsPrefix:   partsPrefix,
		archivePrefix: archivePrefix,
		ttl:           ttl,
		linkExpiry:    linkExpiry,
		log:           slog.With("comp", "orchestrator"),
	}
}

// StartExport begins an export for the given request, fanning out a part zero chunk job to
// every producer. If an unexpired archive already exists for the user the request is
// trivially satisfied: we still create the request record for audit but notify immediately
// with a link to the cached archive instead of re-running the producers.
func (o *Orchestrator) StartExport(ctx context.Context, requestID string, userID int64, encodedID string) error {
	log := o.log.With("request_id", requestID, "user_id", userID)

	if err := o.status.Create(ctx, NewRecord(requestID, o.ttl)); err != nil {
		return err
	}

	key := o.archiveKey(encodedID)
	exists, modified, err := o.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists && time.Since(modified) < o.ttl {
		url, err := o.store.PresignGet(ctx, key, o.linkExpiry)
		if err != nil {
			return err
		}
		log.Info("unexpired archive exists, notifying with cached link")
		return o.emitter.ExportReady(ctx, requestID, encodedID, url)
	}

	for _, reg := range o.producers {
		job := &ChunkJob{RequestID: requestID, UserID: userID, EncodedID: encodedID, Cursor: -1, Part: 0}
		if err := o.pub.SendBatch(ctx, reg.QueueURL, [][]byte{jsonx.MustMarshal(job)}); err != nil {
			return fmt.Errorf("error enqueuing part zero for %s: %w", reg.Producer.Name(), err)
		}
	}

	log.Info("export started", "producers", len(o.producers))
	return nil
}

// PartComplete records that a producer has finished all its chunks for a request. The
// completion whose atomic update first makes the record read as fully complete runs the
// terminal archive and notify step, so the step runs exactly once however the producer
// completions interleave.
func (o *Orchestrator) PartComplete(ctx context.Context, requestID string, userID int64, encodedID, producer string, t time.Time) error {
	log := o.log.With("request_id", requestID, "user_id", userID, "producer", producer)

	rec, first, err := o.status.MarkComplete(ctx, requestID, producer, t)
	if err != nil {
		return err
	}

	if !rec.Complete(o.required) {
		log.Info("producer complete, waiting on others", "completed", len(rec.Completed), "required", len(o.required))
		return nil
	}

	if !first {
		// a redelivered completion after the barrier already passed.. only re-run the
		// terminal step if a crash kept the archive from being written
		exists, _, err := o.store.Exists(ctx, o.archiveKey(encodedID))
		if err != nil {
			return err
		}
		if exists {
			log.Info("ignoring redelivered completion, archive already built")
			return nil
		}
	}

	return o.finish(ctx, requestID, encodedID)
}

// finish archives all parts of the request into one bundle and notifies the requester.
// Failures here propagate so the completion message is redelivered and the step retried.
func (o *Orchestrator) finish(ctx context.Context, requestID, encodedID string) error {
	key := o.archiveKey(encodedID)

	parts, err := o.store.List(ctx, fmt.Sprintf("%s/%s/", o.partsPrefix, encodedID))
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("export %s completed with no parts", requestID)
	}

	if err := buildArchive(ctx, o.store, parts, key); err != nil {
		return fmt.Errorf("error archiving export %s: %w", requestID, err)
	}

	url, err := o.store.PresignGet(ctx, key, o.linkExpiry)
	if err != nil {
		return err
	}
	if err := o.emitter.ExportReady(ctx, requestID, encodedID, url); err != nil {
		return err
	}

	o.log.Info("export archived and requester notified", "request_id", requestID, "parts", len(parts), "key", key)
	return nil
}

func (o *Orchestrator) archiveKey(encodedID string) string {
	return fmt.Sprintf("%s/%s/%s", o.archivePrefix, encodedID, archiveName)
}
