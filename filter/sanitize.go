package filter

import (
	"encoding/json"
	"strings"

	"github.com/roomcap/roomcap/models"
)

const (
	selfMarkerTrue  = `{"send_from_me":true,`
	selfMarkerFalse = `{"send_from_me":false,`
)

// Sanitize normalizes the sender-identity marker inside a chat event's
// meta.extra field so records captured from the operator's own session look
// like everyone else's. The fix is cosmetic: on any parse failure or
// unexpected shape the payload is returned unchanged.
func Sanitize(cmd string, raw []byte) []byte {
	if cmd != models.CmdChat {
		return raw
	}

	var event map[string]json.RawMessage
	if err := json.Unmarshal(raw, &event); err != nil {
		return raw
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(event["meta"], &meta); err != nil {
		return raw
	}
	var extra string
	if err := json.Unmarshal(meta["extra"], &extra); err != nil {
		return raw
	}
	if !strings.HasPrefix(extra, selfMarkerTrue) {
		return raw
	}

	extra = selfMarkerFalse + extra[len(selfMarkerTrue):]
	encoded, err := json.Marshal(extra)
	if err != nil {
		return raw
	}
	meta["extra"] = encoded
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return raw
	}
	event["meta"] = metaRaw
	out, err := json.Marshal(event)
	if err != nil {
		return raw
	}
	return out
}
