package document

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionHandle is one live connection attached to a Room. Send methods report
// false when the session's outbound queue is full; the Room then drops the
// session instead of blocking delivery to healthy ones.
type SessionHandle interface {
	ID() string
	SendInit(fullState []byte) bool
	SendUpdate(update []byte) bool
	SendPresence(update PresenceBroadcast) bool
	Close(reason string)
}

// Checkpointer is the persistence collaborator rooms and the registry talk to.
// Implemented by the persistence bridge.
type Checkpointer interface {
	// Load returns the stored full-state encoding for the identifier, or nil
	// when nothing usable could be loaded in time.
	Load(ctx context.Context, id string) []byte
	// Schedule arms (or re-arms) the debounced checkpoint for the room.
	Schedule(room *Room)
	// Flush stops any pending debounce and checkpoints the room immediately.
	Flush(room *Room) error
	// Forget drops any pending checkpoint work for the identifier.
	Forget(id string)
}

// Room owns one document's live state and its connected sessions. Every
// mutation of the state is serialized under the room mutex, which is also the
// ordering point for broadcasts: all sessions observe updates in the order the
// room accepted them.
type Room struct {
	id string

	mu           sync.Mutex
	state        *State
	sessions     map[string]SessionHandle
	presence     map[string]PresenceBroadcast
	dirty        bool
	lastMutation time.Time
	retired      bool

	checkpoints Checkpointer
	clock       func() time.Time
	logger      *zap.Logger
}

func newRoom(id string, state *State, checkpoints Checkpointer, clock func() time.Time, logger *zap.Logger) *Room {
	if clock == nil {
		clock = time.Now
	}
	return &Room{
		id:          id,
		state:       state,
		sessions:    make(map[string]SessionHandle),
		presence:    make(map[string]PresenceBroadcast),
		checkpoints: checkpoints,
		clock:       clock,
		logger:      logger,
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// Join attaches the session and enqueues the full current state encoding as
// its first outbound frame. Registration and init delivery happen under the
// same lock that orders broadcasts, so no later update can land ahead of the
// init. Returns false when the room has been retired from the registry; the
// caller must resolve a fresh room and retry.
func (r *Room) Join(session SessionHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return false
	}
	r.sessions[session.ID()] = session
	session.SendInit(r.state.EncodeFull())
	return true
}

// Leave detaches the session, clears its presence entry, and tells the other
// participants it is gone. Returns the number of sessions still attached so
// the caller can schedule eviction at zero.
func (r *Room) Leave(session SessionHandle) (remaining int) {
	r.mu.Lock()
	id := session.ID()
	if _, attached := r.sessions[id]; !attached {
		remaining = len(r.sessions)
		r.mu.Unlock()
		return remaining
	}
	delete(r.sessions, id)
	departure, hadPresence := r.presence[id]
	delete(r.presence, id)
	remaining = len(r.sessions)

	var victims []SessionHandle
	if hadPresence {
		departure.Left = true
		departure.Cursor = nil
		for _, peer := range r.sessions {
			if !peer.SendPresence(departure) {
				victims = append(victims, peer)
			}
		}
		r.dropLocked(victims)
	}
	r.mu.Unlock()
	r.closeVictims(victims)
	return remaining
}

// ReceiveUpdate applies the update to the document, marks the room dirty, and
// relays the same bytes to every other session in acceptance order. A
// malformed update is rejected without affecting the room.
func (r *Room) ReceiveUpdate(sender SessionHandle, update []byte) error {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return fmt.Errorf("document: room %s is retired", r.id)
	}
	if err := r.state.ApplyUpdate(update); err != nil {
		r.mu.Unlock()
		return err
	}
	r.dirty = true
	r.lastMutation = r.clock()

	var victims []SessionHandle
	senderID := sender.ID()
	for id, peer := range r.sessions {
		if id == senderID {
			continue
		}
		if !peer.SendUpdate(update) {
			victims = append(victims, peer)
		}
	}
	r.dropLocked(victims)
	r.mu.Unlock()

	r.closeVictims(victims)
	r.checkpoints.Schedule(r)
	return nil
}

// ReceivePresence overwrites the sender's presence entry and relays it to the
// other sessions. Presence never touches persistence.
func (r *Room) ReceivePresence(sender SessionHandle, update PresenceBroadcast) {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return
	}
	r.presence[sender.ID()] = update

	var victims []SessionHandle
	senderID := sender.ID()
	for id, peer := range r.sessions {
		if id == senderID {
			continue
		}
		if !peer.SendPresence(update) {
			victims = append(victims, peer)
		}
	}
	r.dropLocked(victims)
	r.mu.Unlock()
	r.closeVictims(victims)
}

// Presence snapshots the current presence table, for catching up a session
// that just joined.
func (r *Room) Presence() []PresenceBroadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]PresenceBroadcast, 0, len(r.presence))
	for _, entry := range r.presence {
		entries = append(entries, entry)
	}
	return entries
}

// SessionCount returns the number of attached sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Dirty reports whether the state has mutated since the last successful
// checkpoint.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// LastMutation returns the time of the most recent accepted update.
func (r *Room) LastMutation() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMutation
}

// CheckpointState captures the current full-state encoding together with the
// state version it corresponds to, for ClearDirty.
func (r *Room) CheckpointState() (encoded []byte, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.EncodeFull(), r.state.Version()
}

// ClearDirty marks the room clean, unless the state has mutated past the
// checkpointed version in the meantime.
func (r *Room) ClearDirty(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Version() == version {
		r.dirty = false
	}
}

// retire marks the room unusable when it still has zero sessions. Once retired
// no session can join and no update is accepted.
func (r *Room) retire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) > 0 {
		return false
	}
	r.retired = true
	return true
}

// shutdown retires the room unconditionally and disconnects every session.
func (r *Room) shutdown(reason string) {
	r.mu.Lock()
	r.retired = true
	victims := make([]SessionHandle, 0, len(r.sessions))
	for _, session := range r.sessions {
		victims = append(victims, session)
	}
	r.sessions = make(map[string]SessionHandle)
	r.presence = make(map[string]PresenceBroadcast)
	r.mu.Unlock()

	for _, session := range victims {
		session.Close(reason)
	}
}

// dropLocked removes sessions whose outbound queue overflowed. Caller holds
// the room mutex and must Close the victims after unlocking.
func (r *Room) dropLocked(victims []SessionHandle) {
	for _, victim := range victims {
		delete(r.sessions, victim.ID())
		delete(r.presence, victim.ID())
	}
}

func (r *Room) closeVictims(victims []SessionHandle) {
	for _, victim := range victims {
		r.logger.Warn("disconnecting slow session",
			zap.String("room_id", r.id),
			zap.String("session_id", victim.ID()))
		victim.Close("outbound queue overflow")
	}
}
