package rooms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomcap/roomcap/liveapi"
	"github.com/roomcap/roomcap/models"
)

func TestStatsRates(t *testing.T) {
	s := NewStats()
	now := time.Now()

	for i := 0; i < 10; i++ {
		s.RecordSaved(1, models.CmdChat)
	}
	s.RecordSaved(1, models.CmdPopularity)
	s.Sample(now)

	for i := 0; i < 5; i++ {
		s.RecordSaved(1, models.CmdChat)
	}
	s.Sample(now.Add(10 * time.Second))

	reports := s.Report(now.Add(11 * time.Second))
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, int64(1), r.RoomID)
	assert.Equal(t, uint64(16), r.Saved)
	assert.Equal(t, uint64(15), r.ChatSaved)
	// newest cumulative minus oldest sample in the window
	assert.Equal(t, uint64(5), r.SavedRate)
	assert.Equal(t, uint64(5), r.ChatSavedRate)
}

func TestStatsWindowBounded(t *testing.T) {
	s := NewStats()
	s.RecordSaved(1, models.CmdChat)
	now := time.Now()
	for i := 0; i < statsWindowSamples*3; i++ {
		s.Sample(now.Add(time.Duration(i) * statsSampleInterval))
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	assert.Len(t, s.rooms[1].samples, statsWindowSamples)
}

func TestStatsDisconnectWindow(t *testing.T) {
	s := NewStats()
	now := time.Now()
	s.RecordDisconnect(7, now.Add(-90*time.Second))
	s.RecordDisconnect(7, now.Add(-30*time.Second))
	s.RecordDisconnect(7, now.Add(-5*time.Second))

	reports := s.Report(now)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].RecentDisconnects)
}

func TestStatsMeta(t *testing.T) {
	s := NewStats()
	s.SetMeta(3, &liveapi.RoomMeta{Uname: "alice", Title: "hi", IsLive: true})
	reports := s.Report(time.Now())
	require.Len(t, reports, 1)
	assert.Equal(t, "alice", reports[0].Uname)
	assert.True(t, reports[0].Live)

	s.SetLive(3, false)
	assert.False(t, s.Report(time.Now())[0].Live)

	s.Forget(3)
	assert.Empty(t, s.Report(time.Now()))
}
