// Package store provides the durable table layer shared by the ingest
// buffer, the compactor, and the uploader. All table access goes through the
// Store interface so callers stay backend-agnostic; GormStore is the
// production implementation and MemStore backs unit tests.
package store

import (
	"context"
	"errors"

	"github.com/roomcap/roomcap/models"
)

var ErrNotFound = errors.New("store: record not found")

// ArchiveKey identifies one archived (room, day) partition within a kind.
type ArchiveKey struct {
	RoomID    int64
	DayBucket int64
}

type Store interface {
	// AppendMessages bulk-inserts captured events for one kind.
	AppendMessages(ctx context.Context, kind string, msgs []*models.Message) error
	// MessagesBefore returns rows with timestamp strictly before cutoff,
	// with primary keys populated.
	MessagesBefore(ctx context.Context, kind string, cutoff int64) ([]*models.Message, error)
	// MessagesInRange returns one room's rows with from <= timestamp < until,
	// ascending.
	MessagesInRange(ctx context.Context, kind string, roomID, from, until int64) ([]*models.Message, error)
	// DeleteMessages removes rows by primary key. Absent keys are ignored.
	DeleteMessages(ctx context.Context, kind string, ids []uint) error

	InsertArchive(ctx context.Context, arc *models.Archive) error
	// UncleanedArchives returns blobs whose two-phase move has not committed.
	UncleanedArchives(ctx context.Context, kind string) ([]*models.Archive, error)
	MarkArchiveCleaned(ctx context.Context, id uint) error
	ArchivesForDay(ctx context.Context, kind string, roomID, dayBucket int64) ([]*models.Archive, error)
	// ArchiveDays enumerates the distinct (room, day) keys present in
	// archive storage for a kind, ascending by room then day.
	ArchiveDays(ctx context.Context, kind string) ([]ArchiveKey, error)
	DeleteArchivesBefore(ctx context.Context, kind string, cutoff int64) error

	// LedgerSuccess reports whether a successful upload is recorded for the
	// (kind, room, day, endpoint) key.
	LedgerSuccess(ctx context.Context, kind string, roomID, dayBucket int64, endpoint string) (bool, error)
	PutLedger(ctx context.Context, entry *models.LedgerEntry) error
	DeleteLedgerBefore(ctx context.Context, kind string, cutoff int64) error
	ClearLedger(ctx context.Context) error

	AppendUploadLog(ctx context.Context, level, msg string) error
	// UploadLogs returns the most recent entries, newest first.
	UploadLogs(ctx context.Context, limit int) ([]*models.UploadLog, error)
	DeleteUploadLogsBefore(ctx context.Context, cutoff int64) error

	AppendRoomSnapshot(ctx context.Context, snap *models.RoomSnapshot) error
	RoomSnapshotsInRange(ctx context.Context, roomID, from, until int64) ([]*models.RoomSnapshot, error)
	DeleteRoomSnapshotsBefore(ctx context.Context, cutoff int64) error
}
