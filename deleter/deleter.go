// Package deleter erases a user's rows from the relational schema in bounded, deterministic
// batches. It discovers each table's key columns at runtime, pages through the matching key
// tuples, and issues size-capped tuple deletes so a single statement can never trigger a
// full table scan plan or unbounded replication lag.
package deleter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/shelfmark/custodian/queues"
)

// User is the account context carried through every deletion job for logging and
// special-case handling downstream.
type User struct {
	TraceID   string `json:"traceId"`
	ID        int64  `json:"userId"`
	Email     string `json:"email,omitempty"`
	IsPremium bool   `json:"isPremium,omitempty"`
}

// Job is one unit of deletion work: a set of key tuples to remove from one table. Jobs are
// created by the account delete handler or by the deleter itself when a table has more
// matching rows than one page can hold.
type Job struct {
	User
	Table     string   `json:"table"`
	KeyNames  []string `json:"primaryKeyNames"`
	KeyValues [][]any  `json:"primaryKeyValues"`
}

// UnmarshalJSON decodes a redelivered job with key values as the types we bind: text keys
// as strings and integral ids as int64. The default decoder hands every number back as
// float64, which loses precision on ids above 2^53.
func (j *Job) UnmarshalJSON(data []byte) error {
	type job Job

	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	if err := d.Decode((*job)(j)); err != nil {
		return err
	}

	for _, tuple := range j.KeyValues {
		for i, val := range tuple {
			if num, ok := val.(json.Number); ok {
				if n, err := num.Int64(); err == nil {
					tuple[i] = n
				} else if f, err := num.Float64(); err == nil {
					tuple[i] = f
				}
			}
		}
	}
	return nil
}

// Selector is the column/value predicate identifying which rows belong to the subject user
type Selector map[string]any

// Deleter deletes user rows in bounded batches
type Deleter struct {
	db        *sqlx.DB
	pub       queues.Publisher
	jobsQueue string
	pageSize  int
	chunkWait time.Duration
	log       *slog.Logger
}

func New(db *sqlx.DB, pub queues.Publisher, jobsQueueURL string, pageSize int, chunkWait time.Duration) *Deleter {
	return &Deleter{
		db:        db,
		pub:       pub,
		jobsQueue: jobsQueueURL,
		pageSize:  pageSize,
		chunkWait: chunkWait,
		log:       slog.With("comp", "deleter"),
	}
}

// DeleteRows removes all of the user's rows from the given table. The first page of key
// tuples is deleted inline, any further pages are re-enqueued as jobs so that no single
// queue message holds a table hostage. Failures are logged and swallowed, the caller is a
// queue handler that must make progress regardless.
func (d *Deleter) DeleteRows(ctx context.Context, user *User, table Table) {
	log := d.log.With("table", table.Name, "trace_id", user.TraceID, "user_id", user.ID)

	sel := Selector{table.SelectorColumn: user.ID}

	keyCols, err := d.KeyColumns(ctx, table, sel)
	if err != nil {
		log.Error("error discovering key columns", "error", err)
		return
	}

	// page through every matching key tuple before anything is deleted, deleting first
	// would shift the offsets under us
	var first [][]any
	var enqueued int
	for offset := 0; ; offset += d.pageSize {
		keys, err := d.RowKeys(ctx, table.Name, keyCols, sel, d.pageSize, offset)
		if err != nil {
			log.Error("error paginating row keys", "offset", offset, "error", err)
			return
		}
		if len(keys) == 0 {
			break
		}

		if offset == 0 {
			first = keys
		} else {
			job := &Job{User: *user, Table: table.Name, KeyNames: keyCols, KeyValues: keys}
			if err := d.pub.Send(ctx, d.jobsQueue, jsonx.MustMarshal(job)); err != nil {
				log.Error("error enqueuing deletion job", "offset", offset, "error", err)
				return
			}
			enqueued++
		}

		if len(keys) < d.pageSize {
			break
		}
	}

	if len(first) == 0 {
		log.Debug("no rows to delete")
		return
	}
	if enqueued > 0 {
		log.Info("enqueued deletion jobs for remaining pages", "jobs", enqueued)
	}

	d.DeleteKeys(ctx, &Job{User: *user, Table: table.Name, KeyNames: keyCols, KeyValues: first})
}

// DeleteKeys deletes the job's key tuples from its table, split into chunks no larger than
// the table's limit override. A failed chunk is logged with enough context to replay but
// does not stop the remaining chunks.
func (d *Deleter) DeleteKeys(ctx context.Context, job *Job) {
	log := d.log.With("table", job.Table, "trace_id", job.TraceID, "user_id", job.User.ID)

	table := TableFor(job.Table)

	for i, chunk := range ChunkKeys(job.KeyValues, table.Limit) {
		if i > 0 && d.chunkWait > 0 {
			// let replicas catch up between chunks
			time.Sleep(d.chunkWait)
		}

		if err := d.deleteChunk(ctx, job.Table, job.KeyNames, chunk); err != nil {
			log.Error("error deleting chunk", "chunk", i, "rows", len(chunk), "error", err)
			continue
		}

		// some tables have a documented 1:1 dependent sharing the same key, replay the
		// tuples we just deleted against it
		if table.Cascade != "" {
			if err := d.deleteChunk(ctx, table.Cascade, job.KeyNames, chunk); err != nil {
				log.Error("error deleting cascade chunk", "cascade", table.Cascade, "chunk", i, "rows", len(chunk), "error", err)
			}
		}
	}
}

// KeyColumns returns the table's primary key columns, falling back to its configured index
// columns unioned with the selector's own columns for tables without a declared primary
// key, so the delete predicate is never under-specified.
func (d *Deleter) KeyColumns(ctx context.Context, table Table, sel Selector) ([]string, error) {
	schema, name := splitTable(table.Name)

	rows, err := d.db.QueryxContext(ctx, sqlSelectPrimaryKey, schema, name)
	if err != nil {
		return nil, fmt.Errorf("error querying primary key of %s: %w", table.Name, err)
	}
	defer rows.Close()

	cols := make([]string, 0, 4)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("error scanning primary key of %s: %w", table.Name, err)
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading primary key of %s: %w", table.Name, err)
	}

	if len(cols) > 0 {
		return cols, nil
	}
	return FallbackColumns(table, sel), nil
}

// FallbackColumns is the key column set for a table with no declared primary key: its
// configured index columns unioned with the selector columns, deduped and sorted.
func FallbackColumns(table Table, sel Selector) []string {
	cols := slices.Clone(table.IndexColumns)
	for col := range sel {
		if !slices.Contains(cols, col) {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	return cols
}

// RowKeys returns one page of DISTINCT key tuples matching the selector, ordered by every
// key column ascending so pagination stays deterministic even when the fallback key columns
// allow duplicate combinations.
func (d *Deleter) RowKeys(ctx context.Context, table string, keyCols []string, sel Selector, limit, offset int) ([][]any, error) {
	sb := &strings.Builder{}
	sb.WriteString("SELECT DISTINCT ")
	sb.WriteString(quoteColumns(keyCols))
	sb.WriteString(" FROM ")
	sb.WriteString(quoteTable(table))
	sb.WriteString(" WHERE ")

	args := make([]any, 0, len(sel)+2)
	for i, col := range sortedColumns(sel) {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		args = append(args, sel[col])
		fmt.Fprintf(sb, "%s = $%d", pq.QuoteIdentifier(col), len(args))
	}

	sb.WriteString(" ORDER BY ")
	for i, col := range keyCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pq.QuoteIdentifier(col))
		sb.WriteString(" ASC")
	}
	args = append(args, limit)
	fmt.Fprintf(sb, " LIMIT $%d", len(args))
	args = append(args, offset)
	fmt.Fprintf(sb, " OFFSET $%d", len(args))

	rows, err := d.db.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("error querying row keys of %s: %w", table, err)
	}
	defer rows.Close()

	keys := make([][]any, 0, limit)
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("error scanning row keys of %s: %w", table, err)
		}
		keys = append(keys, normalizeTuple(vals))
	}
	return keys, rows.Err()
}

// normalizeTuple converts scanned key values into types that survive the JSON round trip
// through the jobs queue. The driver hands text columns back as []byte, which would encode
// as base64 and then bind as garbage on redelivery.
func normalizeTuple(vals []any) []any {
	for i, val := range vals {
		if b, ok := val.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals
}

// ChunkKeys splits a key tuple set into slices no larger than limit, 0 meaning unlimited
func ChunkKeys(keys [][]any, limit int) [][][]any {
	if limit <= 0 || len(keys) < limit {
		return [][][]any{keys}
	}
	chunks := make([][][]any, 0, (len(keys)+limit-1)/limit)
	for chunk := range slices.Chunk(keys, limit) {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (d *Deleter) deleteChunk(ctx context.Context, table string, keyCols []string, keys [][]any) error {
	query, args := DeleteQuery(table, keyCols, keys)
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	// rows may already be gone on a redelivered job, that's fine
	affected, _ := res.RowsAffected()
	d.log.Debug("deleted chunk", "table", table, "tuples", len(keys), "affected", affected)
	return nil
}

// DeleteQuery builds a tuple-IN delete for one chunk of key values
func DeleteQuery(table string, keyCols []string, keys [][]any) (string, []any) {
	sb := &strings.Builder{}
	sb.WriteString("DELETE FROM ")
	sb.WriteString(quoteTable(table))
	sb.WriteString(" WHERE (")
	sb.WriteString(quoteColumns(keyCols))
	sb.WriteString(") IN (")

	args := make([]any, 0, len(keys)*len(keyCols))
	for i, tuple := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, val := range tuple {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, val)
			fmt.Fprintf(sb, "$%d", len(args))
		}
		sb.WriteString(")")
	}
	sb.WriteString(")")
	return sb.String(), args
}

const sqlSelectPrimaryKey = `
SELECT kcu.column_name
  FROM information_schema.table_constraints tc
  JOIN information_schema.key_column_usage kcu
    ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
 WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
 ORDER BY kcu.ordinal_position`

func splitTable(name string) (string, string) {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return schema, table
	}
	return "public", name
}

func quoteTable(name string) string {
	schema, table := splitTable(name)
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func sortedColumns(sel Selector) []string {
	cols := make([]string, 0, len(sel))
	for col := range sel {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
