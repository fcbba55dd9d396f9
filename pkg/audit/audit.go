// Package audit implements the append-only decision log of §5: every
// evaluated decision is recorded, but recording never blocks or fails the
// decision path itself. An always-succeeds discarding sink and a
// repository-backed one share one interface; the repository-backed one is
// a buffered, drop-on-overwhelm channel worker sitting in front of the
// repository-backed writer.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/hodei/verified-permissions/pkg/domain"
)

// Sink accepts decision audit records, best-effort.
type Sink interface {
	Record(ctx context.Context, record domain.AuditRecord)
}

// Writer is the narrow persistence capability a Sink ultimately commits
// to. repository.Repository satisfies this directly.
type Writer interface {
	AppendAudit(ctx context.Context, record domain.AuditRecord) error
}

// Metrics exposes drop/write counters for observability.
type Metrics struct {
	Enqueued uint64
	Dropped  uint64
	Written  uint64
	Failed   uint64
}

// ChannelSink buffers records in a fixed-capacity channel, drained by one
// background goroutine that commits to Writer. A full buffer drops the
// newest record rather than blocking the caller — the decision path must
// never wait on audit I/O.
type ChannelSink struct {
	ch     chan domain.AuditRecord
	writer Writer
	log    *slog.Logger

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64

	done chan struct{}
}

// NewChannelSink starts the background writer goroutine. capacity <= 0
// defaults to 1024.
func NewChannelSink(writer Writer, capacity int, log *slog.Logger) *ChannelSink {
	if capacity <= 0 {
		capacity = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	s := &ChannelSink{
		ch:     make(chan domain.AuditRecord, capacity),
		writer: writer,
		log:    log,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues record, dropping it (and counting the drop) if the
// buffer is full.
func (s *ChannelSink) Record(ctx context.Context, record domain.AuditRecord) {
	select {
	case s.ch <- record:
		s.enqueued.Add(1)
	default:
		s.dropped.Add(1)
		s.log.Warn("audit buffer full, dropping record", "store", record.StoreID, "event", record.EventID)
	}
}

func (s *ChannelSink) run() {
	defer close(s.done)
	for record := range s.ch {
		if err := s.writer.AppendAudit(context.Background(), record); err != nil {
			s.failed.Add(1)
			s.log.Warn("failed to persist audit record", "event", record.EventID, "error", err)
			continue
		}
		s.written.Add(1)
	}
}

// Close stops accepting new records and waits for the buffer to drain.
func (s *ChannelSink) Close() {
	close(s.ch)
	<-s.done
}

// Stats returns a snapshot of the sink's counters.
func (s *ChannelSink) Stats() Metrics {
	return Metrics{
		Enqueued: s.enqueued.Load(),
		Dropped:  s.dropped.Load(),
		Written:  s.written.Load(),
		Failed:   s.failed.Load(),
	}
}

// NoopSink discards every record, for callers that need a Sink value but
// no audit trail. (The decision engine itself also accepts a nil sink.)
type NoopSink struct{}

// Record discards record.
func (NoopSink) Record(context.Context, domain.AuditRecord) {}
