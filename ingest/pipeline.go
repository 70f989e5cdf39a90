package ingest

import (
	"github.com/roomcap/roomcap/filter"
	"github.com/roomcap/roomcap/models"
)

// Pipeline is the shared save path for every ingest surface: websocket
// connections and the webhook endpoint both feed messages through here.
type Pipeline struct {
	Filter *filter.Filter
	Buffer *Buffer

	// OnSaved, if set, is called after a message passes the filter and is
	// queued. The room supervisor hooks stats and notifications in here.
	OnSaved func(roomID int64, kind, cmd string)
}

// Save runs one raw message through sanitize, filter and enqueue. Returns
// true when the message was kept.
func (p *Pipeline) Save(roomID int64, kind, cmd string, raw []byte) bool {
	raw = filter.Sanitize(cmd, raw)
	if !p.Filter.Keep(roomID, kind, cmd, string(raw)) {
		droppedCounter.WithLabelValues(kind, cmd).Inc()
		return false
	}
	p.Buffer.Enqueue(kind, &models.Message{
		Kind:      kind,
		RoomID:    roomID,
		Timestamp: models.NowMillis(),
		JSON:      string(raw),
	})
	if p.OnSaved != nil {
		p.OnSaved(roomID, kind, cmd)
	}
	return true
}
