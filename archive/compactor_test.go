package archive

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomcap/roomcap/models"
	"github.com/roomcap/roomcap/store"
	"github.com/roomcap/roomcap/util"
)

func testCompactor(t *testing.T) (*Compactor, *store.MemStore, time.Time) {
	t.Helper()
	st := store.NewMemStore()
	c := NewCompactor(st, nil, nil)
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, st, now
}

func appendMsgs(t *testing.T, st store.Store, kind string, roomID int64, ts int64, n int) {
	t.Helper()
	msgs := make([]*models.Message, n)
	for i := range msgs {
		msgs[i] = &models.Message{
			Kind:      kind,
			RoomID:    roomID,
			Timestamp: ts + int64(i),
			JSON:      fmt.Sprintf(`{"cmd":"chat","i":%d}`, i),
		}
	}
	require.NoError(t, st.AppendMessages(context.Background(), kind, msgs))
}

func TestCompactionMovesOldRows(t *testing.T) {
	ctx := context.Background()
	c, st, now := testCompactor(t)
	today := models.DayFloor(now.UnixMilli(), 0)

	appendMsgs(t, st, models.KindDirect, 42, today-1000, 5) // yesterday
	appendMsgs(t, st, models.KindDirect, 42, today+1000, 3) // today, stays

	require.NoError(t, c.RunPass(ctx))

	remaining, err := st.MessagesBefore(ctx, models.KindDirect, today+1_000_000)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)

	keys, err := st.ArchiveDays(ctx, models.KindDirect)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, int64(42), keys[0].RoomID)
	assert.Equal(t, models.DayFloor(today-1000, 0), keys[0].DayBucket)

	blobs, err := st.ArchivesForDay(ctx, models.KindDirect, 42, keys[0].DayBucket)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.True(t, blobs[0].Cleaned)

	var archived []models.ArchivedMessage
	require.NoError(t, util.GunzipJSON(blobs[0].Compressed, &archived))
	assert.Len(t, archived, 5)
}

func TestCompactionIdempotent(t *testing.T) {
	ctx := context.Background()
	c, st, now := testCompactor(t)
	today := models.DayFloor(now.UnixMilli(), 0)

	appendMsgs(t, st, models.KindDirect, 1, today-5000, 10)

	require.NoError(t, c.RunPass(ctx))
	require.NoError(t, c.RunPass(ctx))

	keys, err := st.ArchiveDays(ctx, models.KindDirect)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	blobs, err := st.ArchivesForDay(ctx, models.KindDirect, 1, keys[0].DayBucket)
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	c, st, now := testCompactor(t)
	today := models.DayFloor(now.UnixMilli(), 0)

	appendMsgs(t, st, models.KindDirect, 7, today-5000, 4)
	rows, err := st.MessagesBefore(ctx, models.KindDirect, today)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// simulate a crash after the intent insert but before cleanup: the blob
	// exists uncleaned and the source rows are still present
	archived := make([]models.ArchivedMessage, len(rows))
	for i, m := range rows {
		archived[i] = models.ArchivedMessage{Key: m.ID, RoomID: m.RoomID, Timestamp: m.Timestamp, JSON: m.JSON}
	}
	compressed, err := util.GzipJSON(archived)
	require.NoError(t, err)
	day := models.DayFloor(rows[0].Timestamp, 0)
	require.NoError(t, st.InsertArchive(ctx, &models.Archive{
		Kind: models.KindDirect, RoomID: 7, DayBucket: day, Cleaned: false, Compressed: compressed,
	}))

	require.NoError(t, c.RunPass(ctx))

	// the pass completed the deletion, committed the blob, and did not
	// archive the same rows twice
	remaining, err := st.MessagesBefore(ctx, models.KindDirect, today)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	blobs, err := st.ArchivesForDay(ctx, models.KindDirect, 7, day)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.True(t, blobs[0].Cleaned)

	uncleaned, err := st.UncleanedArchives(ctx, models.KindDirect)
	require.NoError(t, err)
	assert.Empty(t, uncleaned)
}

func TestGroupingByRoomAndDay(t *testing.T) {
	ctx := context.Background()
	c, st, now := testCompactor(t)
	today := models.DayFloor(now.UnixMilli(), 0)
	dayMs := int64(24 * time.Hour / time.Millisecond)

	for _, room := range []int64{1, 2} {
		appendMsgs(t, st, models.KindDirect, room, today-1000, 2)       // yesterday
		appendMsgs(t, st, models.KindDirect, room, today-dayMs-1000, 2) // two days ago
	}

	require.NoError(t, c.RunPass(ctx))

	keys, err := st.ArchiveDays(ctx, models.KindDirect)
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestKindsIndependent(t *testing.T) {
	ctx := context.Background()
	c, st, now := testCompactor(t)
	today := models.DayFloor(now.UnixMilli(), 0)

	appendMsgs(t, st, models.KindDirect, 5, today-1000, 2)
	appendMsgs(t, st, models.KindRelayed, 5, today-1000, 3)

	require.NoError(t, c.RunPass(ctx))

	direct, err := st.ArchiveDays(ctx, models.KindDirect)
	require.NoError(t, err)
	relayed, err := st.ArchiveDays(ctx, models.KindRelayed)
	require.NoError(t, err)
	assert.Len(t, direct, 1)
	assert.Len(t, relayed, 1)
}

func TestRetentionPruning(t *testing.T) {
	ctx := context.Background()
	c, st, now := testCompactor(t)
	nowMs := now.UnixMilli()

	oldDirect := models.DayFloor(nowMs, 20)   // beyond 14d
	freshDirect := models.DayFloor(nowMs, 3)  // within 14d
	oldRelayed := models.DayFloor(nowMs, 10)  // beyond 7d
	freshRelayed := models.DayFloor(nowMs, 2) // within 7d

	for _, a := range []*models.Archive{
		{Kind: models.KindDirect, RoomID: 1, DayBucket: oldDirect, Cleaned: true},
		{Kind: models.KindDirect, RoomID: 1, DayBucket: freshDirect, Cleaned: true},
		{Kind: models.KindRelayed, RoomID: 1, DayBucket: oldRelayed, Cleaned: true},
		{Kind: models.KindRelayed, RoomID: 1, DayBucket: freshRelayed, Cleaned: true},
	} {
		require.NoError(t, st.InsertArchive(ctx, a))
	}
	require.NoError(t, st.PutLedger(ctx, &models.LedgerEntry{
		Kind: models.KindDirect, RoomID: 1, DayBucket: oldDirect, Endpoint: "https://up.example", Success: true,
	}))
	require.NoError(t, st.AppendUploadLog(ctx, "info", "recent entry"))
	require.NoError(t, st.AppendRoomSnapshot(ctx, &models.RoomSnapshot{
		RoomID: 1, Timestamp: models.DayFloor(nowMs, 20), Compressed: []byte("x"),
	}))

	require.NoError(t, c.RunPass(ctx))

	direct, err := st.ArchiveDays(ctx, models.KindDirect)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, freshDirect, direct[0].DayBucket)

	relayed, err := st.ArchiveDays(ctx, models.KindRelayed)
	require.NoError(t, err)
	require.Len(t, relayed, 1)
	assert.Equal(t, freshRelayed, relayed[0].DayBucket)

	ok, err := st.LedgerSuccess(ctx, models.KindDirect, 1, oldDirect, "https://up.example")
	require.NoError(t, err)
	assert.False(t, ok)

	snaps, err := st.RoomSnapshotsInRange(ctx, 1, 0, nowMs)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	// a log entry written moments ago is inside the retention window
	logs, err := st.UploadLogs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSetConfigTightensRetention(t *testing.T) {
	ctx := context.Background()
	c, st, now := testCompactor(t)
	nowMs := now.UnixMilli()

	day := models.DayFloor(nowMs, 5) // inside the default 14d window
	require.NoError(t, st.InsertArchive(ctx, &models.Archive{
		Kind: models.KindDirect, RoomID: 1, DayBucket: day, Cleaned: true,
	}))

	require.NoError(t, c.RunPass(ctx))
	keys, err := st.ArchiveDays(ctx, models.KindDirect)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// a reloaded retention window applies on the next pass
	cfg := DefaultCompactorConfig()
	cfg.RetentionDays[models.KindDirect] = 3
	c.SetConfig(cfg)
	require.NoError(t, c.RunPass(ctx))

	keys, err = st.ArchiveDays(ctx, models.KindDirect)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
