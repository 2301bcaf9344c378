package exports_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shelfmark/custodian/events"
	"github.com/shelfmark/custodian/exports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// in-memory object store
type fakeStore struct {
	mutex    sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, modified: map[string]time.Time{}}
}

func (s *fakeStore) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.objects[key] = data
	s.modified[key] = time.Now()
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, time.Time, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.objects[key]
	return ok, s.modified[key], nil
}

func (s *fakeStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	keys := make([]string, 0, 8)
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fakeStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example.com/" + key, nil
}

// publisher that records sent bodies per queue URL
type fakePublisher struct {
	mutex sync.Mutex
	sent  map[string][][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: map[string][][]byte{}}
}

func (p *fakePublisher) Send(ctx context.Context, queueURL string, body []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.sent[queueURL] = append(p.sent[queueURL], body)
	return nil
}

func (p *fakePublisher) SendBatch(ctx context.Context, queueURL string, bodies [][]byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.sent[queueURL] = append(p.sent[queueURL], bodies...)
	return nil
}

func (p *fakePublisher) pop(queueURL string) []byte {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	pending := p.sent[queueURL]
	if len(pending) == 0 {
		return nil
	}
	body := pending[0]
	p.sent[queueURL] = pending[1:]
	return body
}

func (p *fakePublisher) count(queueURL string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.sent[queueURL])
}

// status store with the same atomic mark-once semantics as the Dynamo implementation
type fakeStatusStore struct {
	mutex   sync.Mutex
	records map[string]*exports.Record
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{records: map[string]*exports.Record{}}
}

func (s *fakeStatusStore) Create(ctx context.Context, rec *exports.Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.records[rec.RequestID]; !exists {
		s.records[rec.RequestID] = rec
	}
	return nil
}

func (s *fakeStatusStore) MarkComplete(ctx context.Context, requestID, producer string, t time.Time) (*exports.Record, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, exists := s.records[requestID]
	if !exists {
		return nil, false, fmt.Errorf("no export record with id %s", requestID)
	}

	_, already := rec.Completed[producer]
	if !already {
		rec.Completed[producer] = t
	}
	return s.snapshot(rec), !already, nil
}

func (s *fakeStatusStore) Get(ctx context.Context, requestID string) (*exports.Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rec, exists := s.records[requestID]
	if !exists {
		return nil, fmt.Errorf("no export record with id %s", requestID)
	}
	return s.snapshot(rec), nil
}

func (s *fakeStatusStore) snapshot(rec *exports.Record) *exports.Record {
	cp := *rec
	cp.Completed = make(map[string]time.Time, len(rec.Completed))
	for k, v := range rec.Completed {
		cp.Completed[k] = v
	}
	return &cp
}

// producer over a fixed set of row keys, writing parts through the fake store
type fakeRow struct{ key int64 }

func (r *fakeRow) RowKey() int64 { return r.key }

type fakeProducer struct {
	name  string
	keys  []int64
	store *fakeStore
}

func (p *fakeProducer) Name() string { return p.name }

func (p *fakeProducer) FetchPage(ctx context.Context, userID int64, cursor int64, limit int) ([]exports.Row, error) {
	rows := make([]exports.Row, 0, limit)
	for _, k := range p.keys {
		if k > cursor {
			rows = append(rows, &fakeRow{key: k})
			if len(rows) == limit {
				break
			}
		}
	}
	return rows, nil
}

func (p *fakeProducer) Format(rows []exports.Row) ([]byte, error) {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = fmt.Sprintf("%d", r.(*fakeRow).key)
	}
	return []byte(strings.Join(parts, ",") + "\n"), nil
}

func (p *fakeProducer) Write(ctx context.Context, key string, data []byte) error {
	return p.store.Put(ctx, key, "text/plain", bytes.NewReader(data))
}

func (p *fakeProducer) FileKey(encodedID string, part int) string {
	return fmt.Sprintf("parts/%s/%s/part_%06d.txt", encodedID, p.name, part)
}

type fixture struct {
	store    *fakeStore
	status   *fakeStatusStore
	pub      *fakePublisher
	orch     *exports.Orchestrator
	exporter *exports.Exporter
}

func newFixture(t *testing.T, pageSize int, store *fakeStore, producers ...exports.Registration) *fixture {
	status := newFakeStatusStore()
	pub := newFakePublisher()
	emitter := events.NewEmitter(pub, "events")

	orch := exports.NewOrchestrator(status, store, pub, emitter, producers, "parts", "archives", 7*24*time.Hour, time.Hour)
	return &fixture{
		store:    store,
		status:   status,
		pub:      pub,
		orch:     orch,
		exporter: exports.NewExporter(pub, orch, pageSize),
	}
}

// drive runs a producer's chunk jobs from its queue until there are none left
func (f *fixture) drive(t *testing.T, p exports.Producer, queueURL string) {
	ctx := context.Background()
	for {
		body := f.pub.pop(queueURL)
		if body == nil {
			return
		}
		job := &exports.ChunkJob{}
		require.NoError(t, json.Unmarshal(body, job))
		require.NoError(t, f.exporter.ExportChunk(ctx, p, queueURL, job))
	}
}

func TestChunkMonotonicity(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := &fakeProducer{name: "saves", keys: []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, store: store}

	f := newFixture(t, 3, store, exports.Registration{Producer: p, QueueURL: "saves-q"})

	require.NoError(t, f.orch.StartExport(ctx, "r1", 42, "u42"))
	f.drive(t, p, "saves-q")

	// 10 rows at page size 3 is parts 0..3
	keys, err := f.store.List(ctx, "parts/u42/saves/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"parts/u42/saves/part_000000.txt",
		"parts/u42/saves/part_000001.txt",
		"parts/u42/saves/part_000002.txt",
		"parts/u42/saves/part_000003.txt",
	}, keys)

	// concatenating parts in order reproduces the source rows with no gaps or duplicates
	var all []string
	for _, key := range keys {
		body, _ := f.store.Get(ctx, key)
		data, _ := io.ReadAll(body)
		all = append(all, strings.Split(strings.TrimSpace(string(data)), ",")...)
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"}, all)

	// the only producer finished, so the archive was built and the requester notified once
	exists, _, _ := f.store.Exists(ctx, "archives/u42/shelfmark.zip")
	assert.True(t, exists)
	assert.Equal(t, 1, f.pub.count("events"))
}

func TestChunkScenario(t *testing.T) {
	// 6 rows at page size 3: part 0 writes {1,2,3} and enqueues {cursor:3, part:1}, part 1
	// writes {4,5,6} and completes
	ctx := context.Background()
	store := newFakeStore()
	p := &fakeProducer{name: "saves", keys: []int64{1, 2, 3, 4, 5, 6}, store: store}

	f := newFixture(t, 3, store, exports.Registration{Producer: p, QueueURL: "saves-q"})

	require.NoError(t, f.orch.StartExport(ctx, "r1", 42, "u42"))

	body := f.pub.pop("saves-q")
	job := &exports.ChunkJob{}
	require.NoError(t, json.Unmarshal(body, job))
	assert.Equal(t, int64(-1), job.Cursor)
	assert.Equal(t, 0, job.Part)

	require.NoError(t, f.exporter.ExportChunk(ctx, p, "saves-q", job))

	cont := &exports.ChunkJob{}
	require.NoError(t, json.Unmarshal(f.pub.pop("saves-q"), cont))
	assert.Equal(t, int64(3), cont.Cursor)
	assert.Equal(t, 1, cont.Part)

	require.NoError(t, f.exporter.ExportChunk(ctx, p, "saves-q", cont))
	assert.Nil(t, f.pub.pop("saves-q"))

	part1, _ := f.store.Get(ctx, "parts/u42/saves/part_000001.txt")
	data, _ := io.ReadAll(part1)
	assert.Equal(t, "4,5,6\n", string(data))
	assert.Equal(t, 1, f.pub.count("events"))
}

func TestEmptyDatasetCompletesWithoutArtifact(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	empty := &fakeProducer{name: "annotations", keys: nil, store: store}
	saves := &fakeProducer{name: "saves", keys: []int64{1, 2}, store: store}

	f := newFixture(t, 3, store,
		exports.Registration{Producer: saves, QueueURL: "saves-q"},
		exports.Registration{Producer: empty, QueueURL: "annotations-q"},
	)

	require.NoError(t, f.orch.StartExport(ctx, "r1", 42, "u42"))
	f.drive(t, saves, "saves-q")
	f.drive(t, empty, "annotations-q")

	// the empty dataset wrote no parts but still counted toward the barrier
	keys, _ := f.store.List(ctx, "parts/u42/")
	assert.Equal(t, []string{"parts/u42/saves/part_000000.txt"}, keys)

	exists, _, _ := f.store.Exists(ctx, "archives/u42/shelfmark.zip")
	assert.True(t, exists)
	assert.Equal(t, 1, f.pub.count("events"))
}

func TestLatePartWithNoRows(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := &fakeProducer{name: "saves", keys: []int64{1, 2}, store: store}

	f := newFixture(t, 3, store, exports.Registration{Producer: p, QueueURL: "saves-q"})
	require.NoError(t, f.status.Create(ctx, exports.NewRecord("r1", time.Hour)))

	// a cursor past the end of the dataset on a non-first part is logged and dropped
	job := &exports.ChunkJob{RequestID: "r1", UserID: 42, EncodedID: "u42", Cursor: 99, Part: 3}
	require.NoError(t, f.exporter.ExportChunk(ctx, p, "saves-q", job))

	keys, _ := f.store.List(ctx, "parts/u42/")
	assert.Empty(t, keys)
	rec, err := f.status.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, rec.Completed)
}

func TestCompletionBarrierExactlyOnce(t *testing.T) {
	ctx := context.Background()

	// run the three completions concurrently many times over, the terminal step must fire
	// exactly once per request however they interleave
	for round := 0; round < 50; round++ {
		store := newFakeStore()
		producers := []exports.Registration{}
		names := []string{"saves", "annotations", "shareable_lists"}
		for _, name := range names {
			producers = append(producers, exports.Registration{Producer: &fakeProducer{name: name, store: store}, QueueURL: name + "-q"})
		}

		f := newFixture(t, 3, store, producers...)

		requestID := fmt.Sprintf("r%d", round)
		require.NoError(t, f.status.Create(ctx, exports.NewRecord(requestID, time.Hour)))
		require.NoError(t, store.Put(ctx, "parts/u42/saves/part_000000.txt", "text/plain", strings.NewReader("1,2\n")))

		wg := &sync.WaitGroup{}
		for _, name := range names {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				assert.NoError(t, f.orch.PartComplete(ctx, requestID, 42, "u42", name, time.Now()))
			}(name)
		}
		wg.Wait()

		assert.Equal(t, 1, f.pub.count("events"), "round %d", round)
	}
}

func TestRedeliveredCompletionAfterArchive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := &fakeProducer{name: "saves", keys: []int64{1}, store: store}

	f := newFixture(t, 3, store, exports.Registration{Producer: p, QueueURL: "saves-q"})

	require.NoError(t, f.orch.StartExport(ctx, "r1", 42, "u42"))
	f.drive(t, p, "saves-q")
	assert.Equal(t, 1, f.pub.count("events"))

	// the same completion signal arriving again is ignored once the archive exists
	require.NoError(t, f.orch.PartComplete(ctx, "r1", 42, "u42", "saves", time.Now()))
	assert.Equal(t, 1, f.pub.count("events"))
}

func TestStartExportReusesUnexpiredArchive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := &fakeProducer{name: "saves", keys: []int64{1}, store: store}

	f := newFixture(t, 3, store, exports.Registration{Producer: p, QueueURL: "saves-q"})

	require.NoError(t, store.Put(ctx, "archives/u42/shelfmark.zip", "application/zip", strings.NewReader("zip")))

	require.NoError(t, f.orch.StartExport(ctx, "r2", 42, "u42"))

	// no producers were re-triggered, the requester got the cached link immediately
	assert.Equal(t, 0, f.pub.count("saves-q"))
	assert.Equal(t, 1, f.pub.count("events"))

	// but the request record still exists for audit
	_, err := f.status.Get(ctx, "r2")
	assert.NoError(t, err)
}

func TestFinishWithNoPartsIsAnError(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := &fakeProducer{name: "saves", store: store}

	f := newFixture(t, 3, store, exports.Registration{Producer: p, QueueURL: "saves-q"})
	require.NoError(t, f.status.Create(ctx, exports.NewRecord("r1", time.Hour)))

	// sole producer completes with an empty dataset, leaving zero parts to archive
	err := f.orch.PartComplete(ctx, "r1", 42, "u42", "saves", time.Now())
	assert.ErrorContains(t, err, "no parts")
}
