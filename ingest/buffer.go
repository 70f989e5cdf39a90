// Package ingest owns the in-memory buffering layer between room
// connections and durable storage: an adaptive flush loop and the
// sanitize/filter/enqueue pipeline in front of it.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roomcap/roomcap/models"
	"github.com/roomcap/roomcap/store"
)

const (
	// flush faster while the stream is busy, slower when idle
	fastFlushInterval = time.Second
	slowFlushInterval = 3 * time.Second
	busyBatchSize     = 20

	// cooldown after a storage failure, so a broken backend is not hammered
	storageErrorCooldown = 5 * time.Minute
)

// Buffer accumulates one append-only queue per record kind and flushes them
// to the Store on an adaptive interval. The queues are swapped out before
// the write starts, so producers never block on storage I/O; a batch that
// has been swapped out when the process dies is lost, which is the accepted
// loss model for this layer.
type Buffer struct {
	store  store.Store
	logger *slog.Logger

	lk     sync.Mutex
	queues map[string][]*models.Message

	// overridable in tests
	fastInterval time.Duration
	slowInterval time.Duration
	cooldown     time.Duration
}

func NewBuffer(st store.Store, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	queues := make(map[string][]*models.Message, len(models.RecordKinds))
	for _, kind := range models.RecordKinds {
		queues[kind] = nil
	}
	return &Buffer{
		store:        st,
		logger:       logger.With("system", "ingest"),
		queues:       queues,
		fastInterval: fastFlushInterval,
		slowInterval: slowFlushInterval,
		cooldown:     storageErrorCooldown,
	}
}

// Enqueue appends one message to the kind's queue. Never blocks on storage.
func (b *Buffer) Enqueue(kind string, msg *models.Message) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.queues[kind] = append(b.queues[kind], msg)
	bufferDepth.Inc()
}

// Pending returns the number of queued, not yet flushed messages.
func (b *Buffer) Pending() int {
	b.lk.Lock()
	defer b.lk.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// swap takes the current queues, leaving empty ones behind.
func (b *Buffer) swap() map[string][]*models.Message {
	b.lk.Lock()
	defer b.lk.Unlock()
	out := b.queues
	queues := make(map[string][]*models.Message, len(out))
	for kind := range out {
		queues[kind] = nil
	}
	b.queues = queues
	return out
}

// Flush writes all queued messages and returns the batch size. The swap
// happens before any storage call, so new appends during the write land in
// the next batch and nothing is double-counted.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	batch := b.swap()
	total := 0
	for _, kind := range models.RecordKinds {
		msgs := batch[kind]
		if len(msgs) == 0 {
			continue
		}
		total += len(msgs)
		bufferDepth.Sub(float64(len(msgs)))
		if err := b.store.AppendMessages(ctx, kind, msgs); err != nil {
			return total, err
		}
		flushedCounter.WithLabelValues(kind).Add(float64(len(msgs)))
	}
	if total > 0 {
		flushBatchSize.Observe(float64(total))
	}
	return total, nil
}

// Run drives the flush loop until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	timer := time.NewTimer(b.slowInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			// best-effort final flush on shutdown
			if _, err := b.Flush(context.Background()); err != nil {
				b.logger.Error("final buffer flush failed", "err", err)
			}
			return
		case <-timer.C:
		}

		n, err := b.Flush(ctx)
		next := b.slowInterval
		switch {
		case err != nil:
			b.logger.Error("buffer flush failed", "err", err, "dropped", n)
			next = b.cooldown
		case n >= busyBatchSize:
			next = b.fastInterval
		}
		timer.Reset(next)
	}
}
