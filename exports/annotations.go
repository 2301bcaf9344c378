package exports

import (
	"bytes"
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/shelfmark/custodian/storage"
)

// AnnotationsProducer exports the user's highlights and notes as JSON
type AnnotationsProducer struct {
	db     *sqlx.DB
	store  storage.Store
	prefix string
}

func NewAnnotationsProducer(db *sqlx.DB, store storage.Store, prefix string) *AnnotationsProducer {
	return &AnnotationsProducer{db: db, store: store, prefix: prefix}
}

func (p *AnnotationsProducer) Name() string { return "annotations" }

type annotationRow struct {
	AnnotationID int64     `db:"annotation_id" json:"annotation_id"`
	ItemID       int64     `db:"item_id"       json:"item_id"`
	ItemURL      string    `db:"given_url"     json:"item_url"`
	Quote        string    `db:"quote"         json:"quote"`
	Note         string    `db:"note"          json:"note,omitempty"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

func (r *annotationRow) RowKey() int64 { return r.AnnotationID }

const sqlSelectAnnotations = `
SELECT a.annotation_id, a.item_id, s.given_url, a.quote, a.note, a.created_at
  FROM annotations a
  JOIN saves s ON s.user_id = a.user_id AND s.item_id = a.item_id
 WHERE a.user_id = $1 AND a.annotation_id > $2
 ORDER BY a.annotation_id ASC
 LIMIT $3`

func (p *AnnotationsProducer) FetchPage(ctx context.Context, userID int64, cursor int64, limit int) ([]Row, error) {
	var annotations []*annotationRow
	if err := p.db.SelectContext(ctx, &annotations, sqlSelectAnnotations, userID, cursor, limit); err != nil {
		return nil, err
	}

	rows := make([]Row, len(annotations))
	for i, a := range annotations {
		rows[i] = a
	}
	return rows, nil
}

func (p *AnnotationsProducer) Format(rows []Row) ([]byte, error) {
	annotations := make([]*annotationRow, len(rows))
	for i, r := range rows {
		annotations[i] = r.(*annotationRow)
	}
	return jsonx.MustMarshal(annotations), nil
}

func (p *AnnotationsProducer) Write(ctx context.Context, key string, data []byte) error {
	return p.store.Put(ctx, key, "application/json", bytes.NewReader(data))
}

func (p *AnnotationsProducer) FileKey(encodedID string, part int) string {
	return partKey(p.prefix, encodedID, p.Name(), part, "json")
}
