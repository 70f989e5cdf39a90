package rooms

import (
	"sync"
	"time"

	"github.com/roomcap/roomcap/liveapi"
	"github.com/roomcap/roomcap/models"
)

const (
	statsWindowSamples  = 7
	statsSampleInterval = 10 * time.Second
	disconnectWindow    = time.Minute
)

// Stats keeps per-room telemetry: cumulative save counters sampled into a
// fixed-length rolling window for rate derivation, recent disconnects, and
// the last known live status and metadata. Health signal only; ingestion
// and archival never depend on it.
type Stats struct {
	lk    sync.Mutex
	rooms map[int64]*roomStats
}

type roomStats struct {
	saved     uint64
	chatSaved uint64

	// rolling window of cumulative counter samples, oldest first
	samples []statSample

	disconnects []time.Time

	live bool
	meta *liveapi.RoomMeta
}

type statSample struct {
	saved     uint64
	chatSaved uint64
}

func NewStats() *Stats {
	return &Stats{rooms: make(map[int64]*roomStats)}
}

func (s *Stats) room(id int64) *roomStats {
	rs, ok := s.rooms[id]
	if !ok {
		rs = &roomStats{}
		s.rooms[id] = rs
	}
	return rs
}

// RecordSaved bumps the cumulative counters for one saved message.
func (s *Stats) RecordSaved(roomID int64, cmd string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	rs := s.room(roomID)
	rs.saved++
	if cmd == models.CmdChat {
		rs.chatSaved++
	}
}

// RecordDisconnect notes one connection loss at t.
func (s *Stats) RecordDisconnect(roomID int64, t time.Time) {
	s.lk.Lock()
	defer s.lk.Unlock()
	rs := s.room(roomID)
	rs.disconnects = append(rs.disconnects, t)
	reconnectsCounter.Inc()
}

// SetLive records the room's live flag.
func (s *Stats) SetLive(roomID int64, live bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.room(roomID).live = live
}

// SetMeta records the room's last fetched metadata.
func (s *Stats) SetMeta(roomID int64, meta *liveapi.RoomMeta) {
	s.lk.Lock()
	defer s.lk.Unlock()
	rs := s.room(roomID)
	rs.meta = meta
	rs.live = meta.IsLive
}

// Sample pushes the current cumulative counters into every room's rolling
// window, evicting the oldest sample once the window is full. Call on a
// fixed interval.
func (s *Stats) Sample(now time.Time) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, rs := range s.rooms {
		rs.samples = append(rs.samples, statSample{saved: rs.saved, chatSaved: rs.chatSaved})
		if len(rs.samples) > statsWindowSamples {
			rs.samples = rs.samples[1:]
		}
		rs.pruneDisconnects(now)
	}
}

func (rs *roomStats) pruneDisconnects(now time.Time) {
	cutoff := now.Add(-disconnectWindow)
	i := 0
	for i < len(rs.disconnects) && rs.disconnects[i].Before(cutoff) {
		i++
	}
	rs.disconnects = rs.disconnects[i:]
}

// RoomReport is one room's published telemetry.
type RoomReport struct {
	RoomID int64 `json:"roomid"`
	Live   bool  `json:"live"`

	Uname string `json:"uname,omitempty"`
	Title string `json:"title,omitempty"`

	Saved     uint64 `json:"saved"`
	ChatSaved uint64 `json:"chat_saved"`

	// deltas across the rolling window
	SavedRate     uint64 `json:"saved_rate"`
	ChatSavedRate uint64 `json:"chat_saved_rate"`

	RecentDisconnects int `json:"recent_disconnects"`
}

// Report publishes the current telemetry for every tracked room.
func (s *Stats) Report(now time.Time) []RoomReport {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]RoomReport, 0, len(s.rooms))
	for id, rs := range s.rooms {
		rs.pruneDisconnects(now)
		r := RoomReport{
			RoomID:            id,
			Live:              rs.live,
			Saved:             rs.saved,
			ChatSaved:         rs.chatSaved,
			RecentDisconnects: len(rs.disconnects),
		}
		if rs.meta != nil {
			r.Uname = rs.meta.Uname
			r.Title = rs.meta.Title
		}
		if len(rs.samples) > 0 {
			oldest := rs.samples[0]
			r.SavedRate = rs.saved - oldest.saved
			r.ChatSavedRate = rs.chatSaved - oldest.chatSaved
		}
		out = append(out, r)
	}
	return out
}

// Forget drops a room's telemetry, for rooms removed from the desired set.
func (s *Stats) Forget(roomID int64) {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.rooms, roomID)
}
