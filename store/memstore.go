package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roomcap/roomcap/models"
)

// MemStore is an in-memory Store used in tests.
type MemStore struct {
	lk sync.Mutex

	nextMessageID  uint
	nextArchiveID  uint
	nextLedgerID   uint
	nextLogID      uint
	nextSnapshotID uint

	messages  []*models.Message
	archives  []*models.Archive
	ledger    []*models.LedgerEntry
	logs      []*models.UploadLog
	snapshots []*models.RoomSnapshot
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) AppendMessages(ctx context.Context, kind string, msgs []*models.Message) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, m := range msgs {
		s.nextMessageID++
		cp := *m
		cp.ID = s.nextMessageID
		cp.Kind = kind
		m.ID = cp.ID
		s.messages = append(s.messages, &cp)
	}
	return nil
}

func (s *MemStore) MessagesBefore(ctx context.Context, kind string, cutoff int64) ([]*models.Message, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.Kind == kind && m.Timestamp < cutoff {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *MemStore) MessagesInRange(ctx context.Context, kind string, roomID, from, until int64) ([]*models.Message, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.Kind == kind && m.RoomID == roomID && m.Timestamp >= from && m.Timestamp < until {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *MemStore) DeleteMessages(ctx context.Context, kind string, ids []uint) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	drop := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.messages[:0]
	for _, m := range s.messages {
		if _, ok := drop[m.ID]; ok && m.Kind == kind {
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return nil
}

func (s *MemStore) InsertArchive(ctx context.Context, arc *models.Archive) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.nextArchiveID++
	cp := *arc
	cp.ID = s.nextArchiveID
	arc.ID = cp.ID
	s.archives = append(s.archives, &cp)
	return nil
}

func (s *MemStore) UncleanedArchives(ctx context.Context, kind string) ([]*models.Archive, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []*models.Archive
	for _, a := range s.archives {
		if a.Kind == kind && !a.Cleaned {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) MarkArchiveCleaned(ctx context.Context, id uint) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, a := range s.archives {
		if a.ID == id {
			a.Cleaned = true
		}
	}
	return nil
}

func (s *MemStore) ArchivesForDay(ctx context.Context, kind string, roomID, dayBucket int64) ([]*models.Archive, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []*models.Archive
	for _, a := range s.archives {
		if a.Kind == kind && a.RoomID == roomID && a.DayBucket == dayBucket {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) ArchiveDays(ctx context.Context, kind string) ([]ArchiveKey, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	seen := make(map[ArchiveKey]struct{})
	var out []ArchiveKey
	for _, a := range s.archives {
		if a.Kind != kind {
			continue
		}
		key := ArchiveKey{RoomID: a.RoomID, DayBucket: a.DayBucket}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].DayBucket < out[j].DayBucket
	})
	return out, nil
}

func (s *MemStore) DeleteArchivesBefore(ctx context.Context, kind string, cutoff int64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	kept := s.archives[:0]
	for _, a := range s.archives {
		if a.Kind == kind && a.DayBucket < cutoff {
			continue
		}
		kept = append(kept, a)
	}
	s.archives = kept
	return nil
}

func (s *MemStore) LedgerSuccess(ctx context.Context, kind string, roomID, dayBucket int64, endpoint string) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, e := range s.ledger {
		if e.Kind == kind && e.RoomID == roomID && e.DayBucket == dayBucket && e.Endpoint == endpoint {
			return e.Success, nil
		}
	}
	return false, nil
}

func (s *MemStore) PutLedger(ctx context.Context, entry *models.LedgerEntry) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, e := range s.ledger {
		if e.Kind == entry.Kind && e.RoomID == entry.RoomID && e.DayBucket == entry.DayBucket && e.Endpoint == entry.Endpoint {
			e.Success = entry.Success
			return nil
		}
	}
	s.nextLedgerID++
	cp := *entry
	cp.ID = s.nextLedgerID
	s.ledger = append(s.ledger, &cp)
	return nil
}

func (s *MemStore) DeleteLedgerBefore(ctx context.Context, kind string, cutoff int64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	kept := s.ledger[:0]
	for _, e := range s.ledger {
		if e.Kind == kind && e.DayBucket < cutoff {
			continue
		}
		kept = append(kept, e)
	}
	s.ledger = kept
	return nil
}

func (s *MemStore) ClearLedger(ctx context.Context) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.ledger = nil
	return nil
}

func (s *MemStore) AppendUploadLog(ctx context.Context, level, msg string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.nextLogID++
	s.logs = append(s.logs, &models.UploadLog{
		ID:        s.nextLogID,
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Message:   msg,
	})
	return nil
}

func (s *MemStore) UploadLogs(ctx context.Context, limit int) ([]*models.UploadLog, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []*models.UploadLog
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.logs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) DeleteUploadLogsBefore(ctx context.Context, cutoff int64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	kept := s.logs[:0]
	for _, l := range s.logs {
		if l.Timestamp < cutoff {
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return nil
}

func (s *MemStore) AppendRoomSnapshot(ctx context.Context, snap *models.RoomSnapshot) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.nextSnapshotID++
	cp := *snap
	cp.ID = s.nextSnapshotID
	snap.ID = cp.ID
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

func (s *MemStore) RoomSnapshotsInRange(ctx context.Context, roomID, from, until int64) ([]*models.RoomSnapshot, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []*models.RoomSnapshot
	for _, snap := range s.snapshots {
		if snap.RoomID == roomID && snap.Timestamp >= from && snap.Timestamp < until {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *MemStore) DeleteRoomSnapshotsBefore(ctx context.Context, cutoff int64) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	kept := s.snapshots[:0]
	for _, snap := range s.snapshots {
		if snap.Timestamp < cutoff {
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return nil
}

func sortMessages(msgs []*models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}
