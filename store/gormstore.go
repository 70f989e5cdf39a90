package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/roomcap/roomcap/models"
)

const createBatchSize = 500

// GormStore is the gorm-backed Store implementation (sqlite or postgres).
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	for _, model := range []any{
		&models.Message{},
		&models.Archive{},
		&models.LedgerEntry{},
		&models.UploadLog{},
		&models.RoomSnapshot{},
	} {
		if err := db.AutoMigrate(model); err != nil {
			return nil, err
		}
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) AppendMessages(ctx context.Context, kind string, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		m.Kind = kind
	}
	return s.db.WithContext(ctx).CreateInBatches(msgs, createBatchSize).Error
}

func (s *GormStore) MessagesBefore(ctx context.Context, kind string, cutoff int64) ([]*models.Message, error) {
	var out []*models.Message
	err := s.db.WithContext(ctx).
		Where("kind = ? AND timestamp < ?", kind, cutoff).
		Order("timestamp").
		Find(&out).Error
	return out, err
}

func (s *GormStore) MessagesInRange(ctx context.Context, kind string, roomID, from, until int64) ([]*models.Message, error) {
	var out []*models.Message
	err := s.db.WithContext(ctx).
		Where("kind = ? AND room_id = ? AND timestamp >= ? AND timestamp < ?", kind, roomID, from, until).
		Order("timestamp").
		Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteMessages(ctx context.Context, kind string, ids []uint) error {
	// chunked so the IN clause stays bounded on large compactions
	for len(ids) > 0 {
		chunk := ids
		if len(chunk) > createBatchSize {
			chunk = chunk[:createBatchSize]
		}
		ids = ids[len(chunk):]
		if err := s.db.WithContext(ctx).
			Where("kind = ? AND id IN ?", kind, chunk).
			Delete(&models.Message{}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) InsertArchive(ctx context.Context, arc *models.Archive) error {
	return s.db.WithContext(ctx).Create(arc).Error
}

func (s *GormStore) UncleanedArchives(ctx context.Context, kind string) ([]*models.Archive, error) {
	var out []*models.Archive
	err := s.db.WithContext(ctx).
		Where("kind = ? AND cleaned = ?", kind, false).
		Find(&out).Error
	return out, err
}

func (s *GormStore) MarkArchiveCleaned(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).
		Model(&models.Archive{}).
		Where("id = ?", id).
		UpdateColumn("cleaned", true).Error
}

func (s *GormStore) ArchivesForDay(ctx context.Context, kind string, roomID, dayBucket int64) ([]*models.Archive, error) {
	var out []*models.Archive
	err := s.db.WithContext(ctx).
		Where("kind = ? AND room_id = ? AND day_bucket = ?", kind, roomID, dayBucket).
		Find(&out).Error
	return out, err
}

func (s *GormStore) ArchiveDays(ctx context.Context, kind string) ([]ArchiveKey, error) {
	var out []ArchiveKey
	err := s.db.WithContext(ctx).
		Model(&models.Archive{}).
		Select("DISTINCT room_id, day_bucket").
		Where("kind = ?", kind).
		Order("room_id").Order("day_bucket").
		Scan(&out).Error
	return out, err
}

func (s *GormStore) DeleteArchivesBefore(ctx context.Context, kind string, cutoff int64) error {
	return s.db.WithContext(ctx).
		Where("kind = ? AND day_bucket < ?", kind, cutoff).
		Delete(&models.Archive{}).Error
}

func (s *GormStore) LedgerSuccess(ctx context.Context, kind string, roomID, dayBucket int64, endpoint string) (bool, error) {
	var entry models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("kind = ? AND room_id = ? AND day_bucket = ? AND endpoint = ?", kind, roomID, dayBucket, endpoint).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.Success, nil
}

func (s *GormStore) PutLedger(ctx context.Context, entry *models.LedgerEntry) error {
	err := s.db.WithContext(ctx).Create(entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.db.WithContext(ctx).
			Model(&models.LedgerEntry{}).
			Where("kind = ? AND room_id = ? AND day_bucket = ? AND endpoint = ?",
				entry.Kind, entry.RoomID, entry.DayBucket, entry.Endpoint).
			UpdateColumn("success", entry.Success).Error
	}
	return err
}

func (s *GormStore) DeleteLedgerBefore(ctx context.Context, kind string, cutoff int64) error {
	return s.db.WithContext(ctx).
		Where("kind = ? AND day_bucket < ?", kind, cutoff).
		Delete(&models.LedgerEntry{}).Error
}

func (s *GormStore) ClearLedger(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&models.LedgerEntry{}).Error
}

func (s *GormStore) AppendUploadLog(ctx context.Context, level, msg string) error {
	return s.db.WithContext(ctx).Create(&models.UploadLog{
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Message:   msg,
	}).Error
}

func (s *GormStore) UploadLogs(ctx context.Context, limit int) ([]*models.UploadLog, error) {
	var out []*models.UploadLog
	err := s.db.WithContext(ctx).
		Order("timestamp desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteUploadLogsBefore(ctx context.Context, cutoff int64) error {
	return s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.UploadLog{}).Error
}

func (s *GormStore) AppendRoomSnapshot(ctx context.Context, snap *models.RoomSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

func (s *GormStore) RoomSnapshotsInRange(ctx context.Context, roomID, from, until int64) ([]*models.RoomSnapshot, error) {
	var out []*models.RoomSnapshot
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND timestamp >= ? AND timestamp < ?", roomID, from, until).
		Order("timestamp").
		Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteRoomSnapshotsBefore(ctx context.Context, cutoff int64) error {
	return s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.RoomSnapshot{}).Error
}
