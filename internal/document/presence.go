package document

import (
	"encoding/json"
	"hash/fnv"
)

// cursorPalette mirrors the editor's caret colors. Collisions are fine; the
// color is cosmetic.
var cursorPalette = []string{
	"#958DF1",
	"#F98181",
	"#FBBC88",
	"#FAF594",
	"#70CFF8",
	"#94FADB",
	"#B9F18D",
}

// ColorForSubject deterministically assigns a caret color to a principal, so a
// user keeps the same color across sessions.
func ColorForSubject(subject string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(subject))
	return cursorPalette[int(hasher.Sum32())%len(cursorPalette)]
}

// PresenceInfo is the ephemeral per-session payload shown to other
// participants. It is overwritten on every presence message and never
// persisted.
type PresenceInfo struct {
	DisplayName string          `json:"display_name"`
	Color       string          `json:"color"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

// PresenceBroadcast is a presence entry annotated with the session identity it
// belongs to, as relayed to the other sessions in a room.
type PresenceBroadcast struct {
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
	Left      bool   `json:"left,omitempty"`
	PresenceInfo
}
