// Package progress delivers pipeline progress events to observers: the log,
// websocket clients and an AMQP exchange.
package progress

import (
	"sync"
	"sync/atomic"

	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/pipeline"
)

// Multi fans every event out to each sink in order.
type Multi []pipeline.Sink

// Emit implements pipeline.Sink.
func (m Multi) Emit(e pipeline.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger.WithComponent("progress")}
}

// Emit implements pipeline.Sink.
func (s *LogSink) Emit(e pipeline.Event) {
	log := s.logger.WithRunID(e.RunID)

	switch e.Type {
	case pipeline.EventProcessingStarted:
		log.Info("processing started", "total_ips", e.TotalIPs)
	case pipeline.EventBatchStart:
		log.Debug("batch started", "batch", e.BatchIndex, "total_batches", e.TotalBatches, "batch_size", e.BatchSize)
	case pipeline.EventBatchComplete:
		log.Info("batch complete",
			"batch", e.BatchIndex,
			"total_batches", e.TotalBatches,
			"successful", e.Successful,
			"failed", e.Failed,
			"skipped", e.Skipped,
			"processed", e.ProcessedIPs,
			"total_ips", e.TotalIPs,
			"percent", e.ProgressPercent)
	case pipeline.EventBatchError:
		log.Error("batch failed", "batch", e.BatchIndex, "error", e.Error)
	case pipeline.EventProcessingCompleted:
		if e.Summary != nil {
			log.Info("processing completed",
				"total", e.Summary.Total,
				"successful", e.Summary.Successful,
				"failed", e.Summary.Failed,
				"skipped", e.Summary.Skipped)
		}
	case pipeline.EventProcessingError:
		log.Error("processing failed", "error", e.Error)
	}
}

// ChannelSink decouples a slow sink from the pipeline. Events are queued in
// a bounded buffer and delivered by one goroutine; when the buffer is full
// the oldest queued event is dropped to make room.
type ChannelSink struct {
	next    pipeline.Sink
	events  chan pipeline.Event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewChannelSink starts delivering to next through a buffer of size events.
func NewChannelSink(next pipeline.Sink, size int) *ChannelSink {
	if size < 1 {
		size = 1
	}
	s := &ChannelSink{
		next:   next,
		events: make(chan pipeline.Event, size),
		done:   make(chan struct{}),
	}
	go s.deliver()
	return s
}

func (s *ChannelSink) deliver() {
	defer close(s.done)
	for e := range s.events {
		s.next.Emit(e)
	}
}

// Emit implements pipeline.Sink. It never blocks on the downstream sink.
// Events emitted after Close are discarded.
func (s *ChannelSink) Emit(e pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.events <- e:
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are delivered.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
}
