package exports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shelfmark/custodian/storage"
)

// SavesProducer exports the user's saved items as CSV
type SavesProducer struct {
	db     *sqlx.DB
	store  storage.Store
	prefix string
}

func NewSavesProducer(db *sqlx.DB, store storage.Store, prefix string) *SavesProducer {
	return &SavesProducer{db: db, store: store, prefix: prefix}
}

func (p *SavesProducer) Name() string { return "saves" }

type saveRow struct {
	ItemID  int64     `db:"item_id"`
	URL     string    `db:"given_url"`
	Title   string    `db:"title"`
	Status  string    `db:"status"`
	SavedAt time.Time `db:"created_at"`
}

func (r *saveRow) RowKey() int64 { return r.ItemID }

const sqlSelectSaves = `
SELECT item_id, given_url, title, status, created_at
  FROM saves
 WHERE user_id = $1 AND item_id > $2
 ORDER BY item_id ASC
 LIMIT $3`

func (p *SavesProducer) FetchPage(ctx context.Context, userID int64, cursor int64, limit int) ([]Row, error) {
	var saves []*saveRow
	if err := p.db.SelectContext(ctx, &saves, sqlSelectSaves, userID, cursor, limit); err != nil {
		return nil, err
	}

	rows := make([]Row, len(saves))
	for i, s := range saves {
		rows[i] = s
	}
	return rows, nil
}

func (p *SavesProducer) Format(rows []Row) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	w.Write([]string{"url", "title", "status", "time_added"})

	for _, r := range rows {
		s := r.(*saveRow)
		w.Write([]string{s.URL, s.Title, s.Status, strconv.FormatInt(s.SavedAt.Unix(), 10)})
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (p *SavesProducer) Write(ctx context.Context, key string, data []byte) error {
	return p.store.Put(ctx, key, "text/csv", bytes.NewReader(data))
}

func (p *SavesProducer) FileKey(encodedID string, part int) string {
	return partKey(p.prefix, encodedID, p.Name(), part, "csv")
}

func partKey(prefix, encodedID, producer string, part int, ext string) string {
	return fmt.Sprintf("%s/%s/%s/part_%06d.%s", prefix, encodedID, producer, part, ext)
}
