package poller_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shelfmark/custodian/poller"
	"github.com/shelfmark/custodian/queues"
	"github.com/stretchr/testify/assert"
)

// fake queue that replays a script of receive results
type fakeQueue struct {
	mutex    sync.Mutex
	pending  []*queues.Message
	recvErr  error
	receives int
	deleted  []string
	delErr   error
}

func (q *fakeQueue) Receive(ctx context.Context) (*queues.Message, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.receives++
	if q.recvErr != nil {
		return nil, q.recvErr
	}
	if len(q.pending) == 0 {
		return nil, nil
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	return m, nil
}

func (q *fakeQueue) Delete(ctx context.Context, m *queues.Message) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.delErr != nil {
		return q.delErr
	}
	q.deleted = append(q.deleted, m.ReceiptHandle)
	return nil
}

func (q *fakeQueue) Name() string { return "test" }

const idle = 10 * time.Second
const busy = 50 * time.Millisecond

func newPoller(q queues.Queue, handle poller.HandlerFunc, paused bool) *poller.Poller {
	wg := &sync.WaitGroup{}
	return poller.New(q, handle,
		func() bool { return paused },
		func() time.Duration { return idle },
		func() time.Duration { return busy },
		wg,
	)
}

func TestPollHandlesAndDeletes(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{pending: []*queues.Message{{Body: `{"n":1}`, ReceiptHandle: "rh1"}}}

	var handled []string
	p := newPoller(q, func(ctx context.Context, body []byte) bool {
		handled = append(handled, string(body))
		return true
	}, false)

	// a handled message is deleted and the next poll comes quickly
	assert.Equal(t, busy, p.Poll(ctx))
	assert.Equal(t, []string{`{"n":1}`}, handled)
	assert.Equal(t, []string{"rh1"}, q.deleted)

	// empty queue backs off to the idle interval
	assert.Equal(t, idle, p.Poll(ctx))
	assert.Equal(t, 2, q.receives)
}

func TestPollLeavesFailedMessages(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{pending: []*queues.Message{{Body: `bad`, ReceiptHandle: "rh1"}}}

	p := newPoller(q, func(ctx context.Context, body []byte) bool { return false }, false)

	// handler said retry later, so no delete, but we still drain quickly
	assert.Equal(t, busy, p.Poll(ctx))
	assert.Empty(t, q.deleted)
}

func TestPollDeleteFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{
		pending: []*queues.Message{{Body: `{}`, ReceiptHandle: "rh1"}},
		delErr:  errors.New("gone away"),
	}

	p := newPoller(q, func(ctx context.Context, body []byte) bool { return true }, false)

	assert.Equal(t, busy, p.Poll(ctx))
}

func TestPollReceiveError(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{recvErr: errors.New("queue unreachable")}

	handled := false
	p := newPoller(q, func(ctx context.Context, body []byte) bool { handled = true; return true }, false)

	// a transport failure schedules the next poll at the idle interval, no synchronous retry
	assert.Equal(t, idle, p.Poll(ctx))
	assert.Equal(t, 1, q.receives)
	assert.False(t, handled)
}

func TestKillSwitch(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{pending: []*queues.Message{{Body: `{}`, ReceiptHandle: "rh1"}}}

	p := newPoller(q, func(ctx context.Context, body []byte) bool { return true }, true)

	// paused pollers never touch the queue but keep rescheduling
	assert.Equal(t, idle, p.Poll(ctx))
	assert.Equal(t, idle, p.Poll(ctx))
	assert.Equal(t, 0, q.receives)
}

func TestStartStopDrains(t *testing.T) {
	q := &fakeQueue{}
	wg := &sync.WaitGroup{}

	p := poller.New(q, func(ctx context.Context, body []byte) bool { return true },
		func() bool { return false },
		func() time.Duration { return time.Millisecond },
		func() time.Duration { return time.Millisecond },
		wg,
	)

	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	wg.Wait()

	q.mutex.Lock()
	defer q.mutex.Unlock()
	assert.Greater(t, q.receives, 1)
}
