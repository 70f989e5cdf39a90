// Package archive folds aged-out active rows into compressed, day-bucketed
// blobs. The move is two-phase: the blob insert is the durable intent and
// the cleaned flag is the commit marker, so a crash anywhere in between is
// repaired by the next cleanup pass.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roomcap/roomcap/models"
	"github.com/roomcap/roomcap/store"
	"github.com/roomcap/roomcap/util"
)

type CompactorConfig struct {
	// archive retention per kind, in whole day buckets
	RetentionDays map[string]int

	UploadLogRetentionDays    int
	RoomSnapshotRetentionDays int
}

func DefaultCompactorConfig() *CompactorConfig {
	return &CompactorConfig{
		RetentionDays: map[string]int{
			models.KindDirect:  14,
			models.KindRelayed: 7,
		},
		UploadLogRetentionDays:    7,
		RoomSnapshotRetentionDays: 14,
	}
}

type Compactor struct {
	store  store.Store
	logger *slog.Logger

	lk  sync.Mutex
	cfg *CompactorConfig

	// clock hook for tests
	now func() time.Time
}

func NewCompactor(st store.Store, cfg *CompactorConfig, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compactor{
		store:  st,
		logger: logger.With("system", "compactor"),
		now:    time.Now,
	}
	c.SetConfig(cfg)
	return c
}

// SetConfig swaps the retention windows; the next pass prunes with them.
func (c *Compactor) SetConfig(cfg *CompactorConfig) {
	if cfg == nil {
		cfg = DefaultCompactorConfig()
	}
	c.lk.Lock()
	defer c.lk.Unlock()
	c.cfg = cfg
}

func (c *Compactor) config() *CompactorConfig {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.cfg
}

// RunPass executes one full compaction: crash recovery, archival of rows
// older than today, commit, then retention pruning.
func (c *Compactor) RunPass(ctx context.Context) error {
	ctx, span := otel.Tracer("compactor").Start(ctx, "RunPass")
	defer span.End()
	start := c.now()

	for _, kind := range models.RecordKinds {
		if err := c.compactKind(ctx, kind); err != nil {
			passErrors.WithLabelValues(kind).Inc()
			return fmt.Errorf("compacting %s: %w", kind, err)
		}
	}
	if err := c.prune(ctx); err != nil {
		return fmt.Errorf("retention pruning: %w", err)
	}

	passDuration.Observe(c.now().Sub(start).Seconds())
	c.logger.Info("compaction pass complete", "took", c.now().Sub(start))
	return nil
}

func (c *Compactor) compactKind(ctx context.Context, kind string) error {
	ctx, span := otel.Tracer("compactor").Start(ctx, "compactKind")
	defer span.End()
	span.SetAttributes(attribute.String("kind", kind))

	// recover any move interrupted by a crash before archiving more
	if err := c.cleanupPass(ctx, kind); err != nil {
		return fmt.Errorf("cleanup pass: %w", err)
	}

	// today's rows are never archived
	today := models.DayFloor(c.now().UnixMilli(), 0)
	msgs, err := c.store.MessagesBefore(ctx, kind, today)
	if err != nil {
		return fmt.Errorf("selecting rows: %w", err)
	}
	if len(msgs) > 0 {
		groups := groupByRoomAndDay(msgs)
		for _, g := range groups {
			if err := c.archiveGroup(ctx, kind, g); err != nil {
				return err
			}
		}
		c.logger.Info("archived rows", "kind", kind, "rows", len(msgs), "blobs", len(groups))
	}

	// delete the just-archived source rows and commit the new blobs
	if err := c.cleanupPass(ctx, kind); err != nil {
		return fmt.Errorf("commit pass: %w", err)
	}
	return nil
}

// cleanupPass completes the two-phase move for every uncommitted blob:
// recover the exact source keys from the blob itself, delete them, then set
// the cleaned flag. Re-running is always safe since deleting absent keys is
// a no-op.
func (c *Compactor) cleanupPass(ctx context.Context, kind string) error {
	blobs, err := c.store.UncleanedArchives(ctx, kind)
	if err != nil {
		return err
	}
	for _, blob := range blobs {
		var archived []models.ArchivedMessage
		if err := util.GunzipJSON(blob.Compressed, &archived); err != nil {
			return fmt.Errorf("decoding blob %d: %w", blob.ID, err)
		}
		ids := make([]uint, len(archived))
		for i, m := range archived {
			ids[i] = m.Key
		}
		if err := c.store.DeleteMessages(ctx, kind, ids); err != nil {
			return fmt.Errorf("deleting source rows for blob %d: %w", blob.ID, err)
		}
		if err := c.store.MarkArchiveCleaned(ctx, blob.ID); err != nil {
			return fmt.Errorf("marking blob %d cleaned: %w", blob.ID, err)
		}
	}
	return nil
}

type group struct {
	roomID    int64
	dayBucket int64
	msgs      []*models.Message
}

func groupByRoomAndDay(msgs []*models.Message) []*group {
	index := make(map[int64]map[int64]*group)
	var out []*group
	for _, m := range msgs {
		day := models.DayFloor(m.Timestamp, 0)
		rooms, ok := index[m.RoomID]
		if !ok {
			rooms = make(map[int64]*group)
			index[m.RoomID] = rooms
		}
		g, ok := rooms[day]
		if !ok {
			g = &group{roomID: m.RoomID, dayBucket: day}
			rooms[day] = g
			out = append(out, g)
		}
		g.msgs = append(g.msgs, m)
	}
	return out
}

// archiveGroup writes the durable intent record for one (room, day) group.
// The blob embeds each row's primary key so cleanup can find the sources.
func (c *Compactor) archiveGroup(ctx context.Context, kind string, g *group) error {
	archived := make([]models.ArchivedMessage, len(g.msgs))
	for i, m := range g.msgs {
		archived[i] = models.ArchivedMessage{
			Key:       m.ID,
			RoomID:    m.RoomID,
			Timestamp: m.Timestamp,
			JSON:      m.JSON,
		}
	}
	compressed, err := util.GzipJSON(archived)
	if err != nil {
		return fmt.Errorf("compressing group room=%d day=%d: %w", g.roomID, g.dayBucket, err)
	}
	arc := &models.Archive{
		Kind:       kind,
		RoomID:     g.roomID,
		DayBucket:  g.dayBucket,
		Cleaned:    false,
		Compressed: compressed,
	}
	if err := c.store.InsertArchive(ctx, arc); err != nil {
		return fmt.Errorf("inserting blob room=%d day=%d: %w", g.roomID, g.dayBucket, err)
	}
	blobsCreated.WithLabelValues(kind).Inc()
	rowsArchived.WithLabelValues(kind).Add(float64(len(g.msgs)))
	return nil
}

// prune applies the retention windows: old archive blobs, their ledger
// rows, upload log entries, and room snapshots.
func (c *Compactor) prune(ctx context.Context) error {
	cfg := c.config()
	nowMs := c.now().UnixMilli()
	for _, kind := range models.RecordKinds {
		days, ok := cfg.RetentionDays[kind]
		if !ok {
			continue
		}
		cutoff := models.DayFloor(nowMs, days)
		if err := c.store.DeleteArchivesBefore(ctx, kind, cutoff); err != nil {
			return fmt.Errorf("pruning %s archives: %w", kind, err)
		}
		if err := c.store.DeleteLedgerBefore(ctx, kind, cutoff); err != nil {
			return fmt.Errorf("pruning %s ledger: %w", kind, err)
		}
	}
	logCutoff := nowMs - int64(cfg.UploadLogRetentionDays)*24*int64(time.Hour/time.Millisecond)
	if err := c.store.DeleteUploadLogsBefore(ctx, logCutoff); err != nil {
		return fmt.Errorf("pruning upload logs: %w", err)
	}
	snapCutoff := models.DayFloor(nowMs, cfg.RoomSnapshotRetentionDays)
	if err := c.store.DeleteRoomSnapshotsBefore(ctx, snapCutoff); err != nil {
		return fmt.Errorf("pruning room snapshots: %w", err)
	}
	return nil
}
