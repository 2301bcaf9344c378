// Package workers wires the queue pollers to their handlers and owns their lifecycle.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shelfmark/custodian/deleter"
	"github.com/shelfmark/custodian/events"
	"github.com/shelfmark/custodian/exports"
	"github.com/shelfmark/custodian/flags"
	"github.com/shelfmark/custodian/poller"
	"github.com/shelfmark/custodian/queues"
	"github.com/shelfmark/custodian/runtime"
	"github.com/shelfmark/custodian/storage"
)

const heartbeatInterval = time.Minute

// Service runs one poller per queue: the delete queue, the export request queue, and one
// chunk queue per export producer.
type Service struct {
	rt    *runtime.Runtime
	sqs   *queues.SQS
	flags *flags.Client

	deleter  *deleter.Deleter
	exporter *exports.Exporter
	orch     *exports.Orchestrator
	emitter  *events.Emitter

	producers []exports.Registration
	pollers   []*poller.Poller
	stats     *StatsCollector

	wg   *sync.WaitGroup
	quit chan bool
	log  *slog.Logger
}

func NewService(rt *runtime.Runtime) *Service {
	cfg := rt.Config

	sq := queues.NewSQS(rt.SQS, cfg.QueueWaitTime, cfg.QueueVisibilityTimeout)
	store := storage.NewS3Store(rt.S3, cfg.ExportBucket)
	emitter := events.NewEmitter(sq, cfg.EventsQueueURL)

	producers := []exports.Registration{
		{Producer: exports.NewSavesProducer(rt.DB, store, cfg.PartsPrefix), QueueURL: cfg.SavesQueueURL},
		{Producer: exports.NewAnnotationsProducer(rt.DB, store, cfg.PartsPrefix), QueueURL: cfg.AnnotationsQueueURL},
		{Producer: exports.NewShareableListsProducer(rt.DB, store, cfg.PartsPrefix), QueueURL: cfg.ShareableListsQueueURL},
	}

	orch := exports.NewOrchestrator(
		exports.NewDynamoStatusStore(rt.Dynamo), store, sq, emitter, producers,
		cfg.PartsPrefix, cfg.ArchivePrefix,
		time.Duration(cfg.ExportTTLDays)*24*time.Hour,
		time.Duration(cfg.LinkExpiryHours)*time.Hour,
	)

	return &Service{
		rt:        rt,
		sqs:       sq,
		flags:     flags.NewClient(rt.RP),
		deleter:   deleter.New(rt.DB, sq, cfg.DeleteQueueURL, cfg.DeleteBatchSize, time.Duration(cfg.DeleteChunkWait)*time.Millisecond),
		exporter:  exports.NewExporter(sq, orch, cfg.ExportPageSize),
		orch:      orch,
		emitter:   emitter,
		producers: producers,
		stats:     NewStatsCollector(),
		wg:        &sync.WaitGroup{},
		quit:      make(chan bool),
		log:       slog.With("comp", "workers"),
	}
}

// Start starts a poller per queue and the metrics heartbeat
func (s *Service) Start() {
	s.addPoller(s.rt.Config.DeleteQueueURL, "delete", s.handleDelete)
	s.addPoller(s.rt.Config.ExportRequestQueueURL, "export_request", s.handleExportRequest)
	for _, reg := range s.producers {
		s.addPoller(reg.QueueURL, chunkWorker(reg.Producer.Name()), s.chunkHandler(reg))
	}

	for _, p := range s.pollers {
		p.Start()
	}

	s.wg.Add(1)
	go s.heartbeat()

	s.log.Info("workers started", "pollers", len(s.pollers))
}

// Stop stops scheduling new poll cycles and waits for in-flight work to finish
func (s *Service) Stop() {
	for _, p := range s.pollers {
		p.Stop()
	}
	close(s.quit)
	s.wg.Wait()

	s.log.Info("workers stopped")
}

// Stats returns a snapshot of the stats accumulated since the last heartbeat
func (s *Service) Stats() *Stats {
	return s.stats.Snapshot()
}

// chunkWorker is the label a producer's chunk queue poller is registered and measured
// under, so its pause flag and its stats dimension always name the same worker
func chunkWorker(producer string) string {
	return producer + "_chunks"
}

func (s *Service) addPoller(queueURL, worker string, handle poller.HandlerFunc) {
	cfg := s.rt.Config

	// each worker has its own kill switch, intervals are shared and tunable live
	paused := func() bool { return s.flags.Bool(fmt.Sprintf("%s_paused", worker), false) }
	idle := func() time.Duration {
		return time.Duration(s.flags.Int("default_poll_interval", cfg.DefaultPollInterval)) * time.Millisecond
	}
	busy := func() time.Duration {
		return time.Duration(s.flags.Int("after_message_poll_interval", cfg.AfterMessagePollInterval)) * time.Millisecond
	}

	s.pollers = append(s.pollers, poller.New(s.sqs.Queue(queueURL), handle, paused, idle, busy, s.wg))
}

func (s *Service) heartbeat() {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case <-time.After(heartbeatInterval):
			metrics := s.stats.Extract().ToMetrics()
			if len(metrics) == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.rt.CW.Send(ctx, metrics...); err != nil {
				s.log.Error("error sending metrics", "error", err)
			}
			cancel()
		}
	}
}
