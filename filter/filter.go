// Package filter decides which captured events reach the ingest buffer:
// ignored commands are dropped outright, and commands in the dedup set are
// dropped when their payload matches the previous payload seen for the same
// room and command.
package filter

import (
	"sync"
)

// Filter holds the ignore/dedup command sets and per-room dedup state.
// Dedup state lives for the process lifetime only; it grows with
// active-room x distinct-dedup-command count and resets on restart.
type Filter struct {
	lk     sync.Mutex
	ignore map[string]struct{}
	dedup  map[string]struct{}
	// roomid -> "kind:command" -> last seen payload
	last map[int64]map[string]string
}

func New(ignoreCmds, dedupCmds []string) *Filter {
	f := &Filter{
		last: make(map[int64]map[string]string),
	}
	f.SetCommandSets(ignoreCmds, dedupCmds)
	return f
}

// SetCommandSets replaces both command sets. Called on config reload;
// existing dedup state is kept.
func (f *Filter) SetCommandSets(ignoreCmds, dedupCmds []string) {
	ignore := make(map[string]struct{}, len(ignoreCmds))
	for _, cmd := range ignoreCmds {
		ignore[cmd] = struct{}{}
	}
	dedup := make(map[string]struct{}, len(dedupCmds))
	for _, cmd := range dedupCmds {
		dedup[cmd] = struct{}{}
	}

	f.lk.Lock()
	defer f.lk.Unlock()
	f.ignore = ignore
	f.dedup = dedup
}

// Keep reports whether an event should be buffered. For dedup commands an
// identical payload to the last seen one for (room, kind:command) is
// dropped; a differing payload updates the last-seen value and is kept.
func (f *Filter) Keep(roomID int64, kind, cmd, json string) bool {
	f.lk.Lock()
	defer f.lk.Unlock()

	if _, ok := f.ignore[cmd]; ok {
		return false
	}
	if _, ok := f.dedup[cmd]; !ok {
		return true
	}

	key := kind + ":" + cmd
	roomLast, ok := f.last[roomID]
	if !ok {
		roomLast = make(map[string]string)
		f.last[roomID] = roomLast
	}
	if roomLast[key] == json {
		return false
	}
	roomLast[key] = json
	return true
}
