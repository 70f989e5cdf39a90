package models

// Record kinds partition captured events into independent logical streams
// that share the same capture/compaction/upload pipeline but carry separate
// retention policies.
const (
	// KindDirect holds events captured by the daemon's own room connections.
	KindDirect = "direct"
	// KindRelayed holds events submitted by external hook processes through
	// the HTTP ingest endpoint.
	KindRelayed = "relayed"
)

// RecordKinds lists every kind, in the order pipeline passes iterate them.
var RecordKinds = []string{KindDirect, KindRelayed}

var sourceLabels = map[string]string{
	KindDirect:  "collector",
	KindRelayed: "webhook",
}

// SourceLabel returns the source name used for a kind in upload payloads.
func SourceLabel(kind string) string {
	return sourceLabels[kind]
}

// Well-known event commands.
const (
	CmdChat         = "chat"
	CmdLiveStart    = "live_start"
	CmdLiveEnd      = "live_end"
	CmdRotateNotice = "rotate_notice"
	CmdPopularity   = "popularity"
	CmdRoomInfo     = "room_info"
)

// Message is one captured room event. Rows are immutable once written;
// compaction deletes them after folding them into an Archive.
type Message struct {
	ID        uint   `gorm:"primarykey"`
	Kind      string `gorm:"index:idx_messages_kind_ts"`
	RoomID    int64  `gorm:"index:idx_messages_room_ts"`
	Timestamp int64  `gorm:"index:idx_messages_kind_ts;index:idx_messages_room_ts"` // unix millis
	JSON      string
}

// Archive is a compressed snapshot of all Messages for one
// (kind, room, day bucket). Cleaned is the commit marker of the two-phase
// move: while false, the source rows it summarizes may still exist in the
// messages table and the blob must be treated as in-doubt.
type Archive struct {
	ID         uint   `gorm:"primarykey"`
	Kind       string `gorm:"index:idx_archives_kind_day"`
	RoomID     int64  `gorm:"index:idx_archives_room_day"`
	DayBucket  int64  `gorm:"index:idx_archives_kind_day;index:idx_archives_room_day"` // unix millis, fixed-offset day floor
	Cleaned    bool   `gorm:"index"`
	Compressed []byte
}

// LedgerEntry records a completed upload of one (kind, room, day) to one
// endpoint. Presence of a successful entry makes re-upload a no-op.
type LedgerEntry struct {
	ID        uint   `gorm:"primarykey"`
	Kind      string `gorm:"uniqueIndex:idx_ledger_key"`
	RoomID    int64  `gorm:"uniqueIndex:idx_ledger_key"`
	DayBucket int64  `gorm:"uniqueIndex:idx_ledger_key"`
	Endpoint  string `gorm:"uniqueIndex:idx_ledger_key"`
	Success   bool
}

// UploadLog is an append-only diagnostic trail for upload attempts,
// pruned by age.
type UploadLog struct {
	ID        uint  `gorm:"primarykey"`
	Timestamp int64 `gorm:"index"` // unix millis
	Level     string
	Message   string
}

// RoomSnapshot is a compressed room-metadata payload captured on the
// periodic metadata refresh. Snapshots ride along with direct-kind uploads
// as synthetic room_info messages.
type RoomSnapshot struct {
	ID         uint  `gorm:"primarykey"`
	RoomID     int64 `gorm:"index:idx_snapshots_room_ts"`
	Timestamp  int64 `gorm:"index:idx_snapshots_room_ts"` // unix millis
	Compressed []byte
}
