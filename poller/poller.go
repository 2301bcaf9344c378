// Package poller implements the single-message poll loop that every custodian worker runs.
// Each poller owns one queue: it receives at most one message, hands it to its handler, and
// re-arms itself after an interval that depends on whether there was work to do.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shelfmark/custodian/queues"
)

// HandlerFunc handles one message body. Returning true acknowledges the message; returning
// false leaves it for redelivery after its visibility timeout. Handlers must not panic for
// expected failures and must be safe to re-run with the same body.
type HandlerFunc func(ctx context.Context, body []byte) bool

// Poller polls a single queue. The kill switch and both intervals are closures so their
// values are read fresh on every cycle.
type Poller struct {
	queue  queues.Queue
	handle HandlerFunc

	paused       func() bool
	idleInterval func() time.Duration
	busyInterval func() time.Duration

	wg   *sync.WaitGroup
	quit chan bool
	log  *slog.Logger
}

func New(queue queues.Queue, handle HandlerFunc, paused func() bool, idle, busy func() time.Duration, wg *sync.WaitGroup) *Poller {
	return &Poller{
		queue:        queue,
		handle:       handle,
		paused:       paused,
		idleInterval: idle,
		busyInterval: busy,
		wg:           wg,
		quit:         make(chan bool),
		log:          slog.With("comp", "poller", "queue", queue.Name()),
	}
}

// Start begins polling, triggering the first cycle immediately
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop stops scheduling new cycles. An in-flight cycle is allowed to finish, callers can use
// the wait group to track the drain.
func (p *Poller) Stop() {
	close(p.quit)
}

func (p *Poller) run() {
	defer p.wg.Done()

	p.log.Info("poller started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.quit:
			p.log.Info("poller stopped")
			return
		case <-timer.C:
			timer.Reset(p.Poll(context.Background()))
		}
	}
}

// Poll runs one poll cycle and returns the delay before the next one should run.
func (p *Poller) Poll(ctx context.Context) time.Duration {
	// kill switch enabled? do nothing but keep the loop alive
	if p.paused() {
		return p.idleInterval()
	}

	msg, err := p.queue.Receive(ctx)
	if err != nil {
		p.log.Error("error receiving message", "error", err)
		return p.idleInterval()
	}
	if msg == nil {
		return p.idleInterval()
	}

	if p.handle(ctx, []byte(msg.Body)) {
		// delete is best effort.. a failure means the message is redelivered and the
		// handler runs again, which must be safe
		if err := p.queue.Delete(ctx, msg); err != nil {
			p.log.Error("error deleting handled message", "error", err)
		}
	}

	// there was a message so poll again quickly to drain any backlog
	return p.busyInterval()
}
