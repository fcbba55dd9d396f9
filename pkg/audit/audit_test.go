package audit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/verified-permissions/pkg/audit"
	"github.com/hodei/verified-permissions/pkg/domain"
)

type recordingWriter struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (w *recordingWriter) AppendAudit(ctx context.Context, record domain.AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, record)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func TestChannelSinkWritesThroughToWriter(t *testing.T) {
	w := &recordingWriter{}
	sink := audit.NewChannelSink(w, 16, nil)
	sink.Record(context.Background(), domain.AuditRecord{EventID: "e1"})
	sink.Close()

	assert.Equal(t, 1, w.count())
	stats := sink.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Written)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestChannelSinkDropsWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	w := &blockingWriter{release: block}
	sink := audit.NewChannelSink(w, 1, nil)

	// First record is picked up by the worker and blocks on release;
	// subsequent records fill (and then overflow) the size-1 buffer.
	sink.Record(context.Background(), domain.AuditRecord{EventID: "e1"})
	time.Sleep(20 * time.Millisecond) // let the worker pick up e1
	sink.Record(context.Background(), domain.AuditRecord{EventID: "e2"})
	sink.Record(context.Background(), domain.AuditRecord{EventID: "e3"})

	close(block)
	sink.Close()

	stats := sink.Stats()
	assert.GreaterOrEqual(t, stats.Dropped, uint64(1))
}

type blockingWriter struct {
	release chan struct{}
	once    sync.Once
}

func (w *blockingWriter) AppendAudit(ctx context.Context, record domain.AuditRecord) error {
	w.once.Do(func() { <-w.release })
	return nil
}

func TestNoopSinkDiscardsSilently(t *testing.T) {
	var sink audit.Sink = audit.NoopSink{}
	require.NotPanics(t, func() {
		sink.Record(context.Background(), domain.AuditRecord{EventID: "e1"})
	})
}
