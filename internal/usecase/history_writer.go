package usecase

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/ports"
)

// historyWriter copies the history ring into the local cache off the store
// goroutine. Only the most recent pending snapshot is written.
type historyWriter struct {
	cache   ports.HistoryCache
	logger  *zap.Logger
	pending chan []domain.HistoryEntry
	done    chan struct{}

	mu   sync.Mutex
	last []domain.HistoryEntry
}

func newHistoryWriter(cache ports.HistoryCache, logger *zap.Logger) *historyWriter {
	return &historyWriter{
		cache:   cache,
		logger:  logger,
		pending: make(chan []domain.HistoryEntry, 1),
		done:    make(chan struct{}),
	}
}

// seen marks entries as already persisted.
func (w *historyWriter) seen(entries []domain.HistoryEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = slices.Clone(entries)
}

// offer queues entries when they differ from the last queued snapshot.
func (w *historyWriter) offer(entries []domain.HistoryEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sameHistory(w.last, entries) {
		return
	}
	w.last = slices.Clone(entries)
	snapshot := slices.Clone(entries)
	for {
		select {
		case w.pending <- snapshot:
			return
		default:
		}
		select {
		case <-w.pending:
		default:
		}
	}
}

func (w *historyWriter) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case entries := <-w.pending:
			if err := w.cache.Replace(ctx, entries); err != nil {
				w.logger.Warn("failed to persist history snapshot", zap.Int("entries", len(entries)), zap.Error(err))
			}
		}
	}
}

func (w *historyWriter) wait() {
	<-w.done
}

func sameHistory(a, b []domain.HistoryEntry) bool {
	return slices.EqualFunc(a, b, func(x, y domain.HistoryEntry) bool {
		return x.ID == y.ID && x.CreatedAt == y.CreatedAt && x.Text == y.Text && x.Status == y.Status
	})
}
