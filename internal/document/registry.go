package document

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry holds the single in-memory Room per identifier. Rooms are created
// lazily on first join and evicted a grace period after the last session
// detaches, never before their final dirty state has been flushed.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry

	bridge Checkpointer
	grace  time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

type roomEntry struct {
	room  *Room
	ready chan struct{}
	// gone is closed once the entry has been removed from the registry after
	// eviction, so waiters can recreate the room.
	gone       chan struct{}
	evicting   bool
	evictTimer *time.Timer
}

// RegistryConfig describes the registry dependencies.
type RegistryConfig struct {
	Bridge        Checkpointer
	EvictionGrace time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:  make(map[string]*roomEntry),
		bridge: cfg.Bridge,
		grace:  cfg.EvictionGrace,
		clock:  clock,
		logger: logger,
	}
}

// GetOrCreate resolves the room for the identifier, constructing it on first
// use. The first caller performs the (time-bounded) durable load; concurrent
// callers for the same unseen identifier wait on that one in-flight creation
// instead of racing to a second room.
func (reg *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	for {
		reg.mu.Lock()
		entry, ok := reg.rooms[id]
		if !ok {
			entry = &roomEntry{
				ready: make(chan struct{}),
				gone:  make(chan struct{}),
			}
			reg.rooms[id] = entry
			reg.mu.Unlock()
			reg.buildRoom(ctx, id, entry)
			return entry.room, nil
		}
		evicting := entry.evicting
		reg.mu.Unlock()

		if evicting {
			select {
			case <-entry.gone:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		select {
		case <-entry.ready:
			return entry.room, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (reg *Registry) buildRoom(ctx context.Context, id string, entry *roomEntry) {
	stored := reg.bridge.Load(ctx, id)

	state, err := NewStateFromEncoded(stored)
	if err != nil {
		// A corrupt durable record must not block collaboration; start the
		// room empty, the next checkpoint overwrites it.
		reg.logger.Error("stored document state is corrupt, starting empty",
			zap.String("room_id", id), zap.Error(err))
		state = NewState()
	}

	entry.room = newRoom(id, state, reg.bridge, reg.clock, reg.logger)
	reg.logger.Info("room created",
		zap.String("room_id", id),
		zap.Int64("state_version", state.Version()))
	close(entry.ready)
}

// ScheduleEviction arms the grace timer for a room that just reached zero
// sessions. A newer schedule replaces the pending one rather than stacking.
func (reg *Registry) ScheduleEviction(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	entry, ok := reg.rooms[id]
	if !ok || entry.evicting {
		return
	}
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
	}
	entry.evictTimer = time.AfterFunc(reg.grace, func() {
		reg.evict(id, entry)
	})
}

// evict removes the room once the grace period passed with zero sessions. The
// final flush happens before the registry entry disappears, so an evicted
// dirty room is always checkpointed at least once.
func (reg *Registry) evict(id string, entry *roomEntry) {
	reg.mu.Lock()
	if current, ok := reg.rooms[id]; !ok || current != entry {
		reg.mu.Unlock()
		return
	}
	if !entry.room.retire() {
		// A session reconnected during the grace period.
		reg.mu.Unlock()
		return
	}
	entry.evicting = true
	reg.mu.Unlock()

	if err := reg.bridge.Flush(entry.room); err != nil {
		reg.logger.Error("final checkpoint before eviction failed",
			zap.String("room_id", id), zap.Error(err))
	}
	reg.bridge.Forget(id)

	reg.mu.Lock()
	if reg.rooms[id] == entry {
		delete(reg.rooms, id)
	}
	close(entry.gone)
	reg.mu.Unlock()

	reg.logger.Info("room evicted", zap.String("room_id", id))
}

// Discard drops a loaded room without checkpointing it, disconnecting any
// attached sessions. Used when the document itself has been deleted.
func (reg *Registry) Discard(id string) {
	reg.mu.Lock()
	entry, ok := reg.rooms[id]
	if !ok || entry.evicting {
		reg.mu.Unlock()
		return
	}
	select {
	case <-entry.ready:
	default:
		// Still being created; leave it to finish, nothing durable to drop.
		reg.mu.Unlock()
		return
	}
	entry.evicting = true
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
	}
	reg.mu.Unlock()

	entry.room.shutdown("document deleted")
	reg.bridge.Forget(id)

	reg.mu.Lock()
	if reg.rooms[id] == entry {
		delete(reg.rooms, id)
	}
	close(entry.gone)
	reg.mu.Unlock()
}

// Shutdown flushes every remaining dirty room, for process teardown.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	entries := make([]*roomEntry, 0, len(reg.rooms))
	for _, entry := range reg.rooms {
		entries = append(entries, entry)
	}
	reg.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.ready:
		default:
			continue
		}
		if err := reg.bridge.Flush(entry.room); err != nil {
			reg.logger.Error("shutdown checkpoint failed",
				zap.String("room_id", entry.room.ID()), zap.Error(err))
		}
	}
}

// Len reports the number of rooms currently loaded, for stats.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
