package exports

import (
	"bytes"
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/shelfmark/custodian/storage"
)

// ShareableListsProducer exports the user's curated public lists, each with its items, as
// JSON
type ShareableListsProducer struct {
	db     *sqlx.DB
	store  storage.Store
	prefix string
}

func NewShareableListsProducer(db *sqlx.DB, store storage.Store, prefix string) *ShareableListsProducer {
	return &ShareableListsProducer{db: db, store: store, prefix: prefix}
}

func (p *ShareableListsProducer) Name() string { return "shareable_lists" }

type shareableListRow struct {
	ListID      int64     `db:"list_id"     json:"list_id"`
	Title       string    `db:"title"       json:"title"`
	Description string    `db:"description" json:"description,omitempty"`
	Slug        string    `db:"slug"        json:"slug"`
	Status      string    `db:"status"      json:"status"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`

	Items []*shareableListItem `json:"items"`
}

type shareableListItem struct {
	ListID  int64  `db:"list_id"   json:"-"`
	URL     string `db:"given_url" json:"url"`
	Title   string `db:"title"     json:"title"`
	Excerpt string `db:"excerpt"   json:"excerpt,omitempty"`
	SortKey int    `db:"sort_key"  json:"sort_key"`
}

func (r *shareableListRow) RowKey() int64 { return r.ListID }

const sqlSelectShareableLists = `
SELECT list_id, title, description, slug, status, created_at
  FROM shareable_lists
 WHERE user_id = $1 AND list_id > $2
 ORDER BY list_id ASC
 LIMIT $3`

const sqlSelectShareableListItems = `
SELECT list_id, given_url, title, excerpt, sort_key
  FROM shareable_list_items
 WHERE list_id = ANY($1)
 ORDER BY list_id ASC, sort_key ASC`

func (p *ShareableListsProducer) FetchPage(ctx context.Context, userID int64, cursor int64, limit int) ([]Row, error) {
	var lists []*shareableListRow
	if err := p.db.SelectContext(ctx, &lists, sqlSelectShareableLists, userID, cursor, limit); err != nil {
		return nil, err
	}
	if len(lists) == 0 {
		return nil, nil
	}

	byID := make(map[int64]*shareableListRow, len(lists))
	listIDs := make([]int64, len(lists))
	for i, l := range lists {
		l.Items = []*shareableListItem{}
		byID[l.ListID] = l
		listIDs[i] = l.ListID
	}

	var items []*shareableListItem
	if err := p.db.SelectContext(ctx, &items, sqlSelectShareableListItems, pq.Array(listIDs)); err != nil {
		return nil, err
	}
	for _, item := range items {
		byID[item.ListID].Items = append(byID[item.ListID].Items, item)
	}

	rows := make([]Row, len(lists))
	for i, l := range lists {
		rows[i] = l
	}
	return rows, nil
}

func (p *ShareableListsProducer) Format(rows []Row) ([]byte, error) {
	lists := make([]*shareableListRow, len(rows))
	for i, r := range rows {
		lists[i] = r.(*shareableListRow)
	}
	return jsonx.MustMarshal(lists), nil
}

func (p *ShareableListsProducer) Write(ctx context.Context, key string, data []byte) error {
	return p.store.Put(ctx, key, "application/json", bytes.NewReader(data))
}

func (p *ShareableListsProducer) FileKey(encodedID string, part int) string {
	return partKey(p.prefix, encodedID, p.Name(), part, "json")
}
