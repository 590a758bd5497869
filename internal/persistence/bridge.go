package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inkwell-labs/inkwell/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLoadTimeout = 3 * time.Second
	defaultDebounce    = 500 * time.Millisecond
)

var errMissingDatabase = errors.New("persistence: database handle is required")

// BridgeConfig describes the bridge dependencies.
type BridgeConfig struct {
	Database    *gorm.DB
	Logger      *zap.Logger
	Clock       func() time.Time
	LoadTimeout time.Duration
	Debounce    time.Duration
}

// Bridge connects in-memory rooms to durable storage: it loads initial state
// with a timeout fallback, checkpoints dirty rooms on a debounced schedule,
// and purges state on document deletion. It implements document.Checkpointer.
type Bridge struct {
	db          *gorm.DB
	logger      *zap.Logger
	clock       func() time.Time
	loadTimeout time.Duration
	debounce    time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewBridge constructs a persistence bridge.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Bridge{
		db:          cfg.Database,
		logger:      logger,
		clock:       clock,
		loadTimeout: loadTimeout,
		debounce:    debounce,
		timers:      make(map[string]*time.Timer),
	}, nil
}

// Load fetches the stored state encoding for the identifier. The query is
// bounded by the load timeout; on a miss, a timeout, or any storage error it
// returns nil so the room starts from an empty document instead of blocking.
func (b *Bridge) Load(ctx context.Context, id string) []byte {
	loadCtx, cancel := context.WithTimeout(ctx, b.loadTimeout)
	defer cancel()

	var record StateRecord
	err := b.db.WithContext(loadCtx).
		Where("document_id = ?", id).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		b.logger.Debug("no stored state, starting fresh", zap.String("room_id", id))
		return nil
	}
	if err != nil {
		// Availability over consistency: a missing checkpoint only costs the
		// edits since the last successful store.
		b.logger.Warn("degraded start: durable load failed, serving empty document",
			zap.String("room_id", id), zap.Error(err))
		return nil
	}
	return record.BinaryState
}

// Schedule marks the room for checkpointing after the debounce window. Each
// new mutation re-arms the same timer, so a burst of edits collapses into a
// single store once activity quiesces.
func (b *Bridge) Schedule(room *document.Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	id := room.ID()
	if timer, ok := b.timers[id]; ok {
		timer.Reset(b.debounce)
		return
	}
	b.timers[id] = time.AfterFunc(b.debounce, func() {
		if err := b.store(room); err != nil {
			b.logger.Error("checkpoint failed, room stays dirty",
				zap.String("room_id", id), zap.Error(err))
		}
	})
}

// Flush cancels any pending debounce and checkpoints the room now if it is
// dirty. Eviction and shutdown go through here: a dirty room is never evicted
// without at least one flush attempt.
func (b *Bridge) Flush(room *document.Room) error {
	b.stopTimer(room.ID())
	if !room.Dirty() {
		return nil
	}
	return b.store(room)
}

// Forget drops pending checkpoint work for an identifier whose room is gone.
func (b *Bridge) Forget(id string) {
	b.stopTimer(id)
}

// DeleteState removes the durable state record for the identifier. Half of
// the coordinated metadata/state deletion.
func (b *Bridge) DeleteState(ctx context.Context, id string) error {
	err := b.db.WithContext(ctx).
		Where("document_id = ?", id).
		Delete(&StateRecord{}).Error
	if err != nil {
		return fmt.Errorf("persistence: delete state %s: %w", id, err)
	}
	return nil
}

// Close stops every pending debounce timer. Rooms still dirty must be flushed
// by the registry before calling Close.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
}

func (b *Bridge) store(room *document.Room) error {
	if !room.Dirty() {
		return nil
	}
	encoded, version := room.CheckpointState()
	record := StateRecord{
		DocumentID:       room.ID(),
		BinaryState:      encoded,
		UpdatedAtSeconds: b.clock().UTC().Unix(),
	}
	err := b.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"binary_state", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("persistence: store state %s: %w", room.ID(), err)
	}
	room.ClearDirty(version)
	b.logger.Debug("checkpoint stored",
		zap.String("room_id", room.ID()),
		zap.Int64("state_version", version),
		zap.Int("encoded_bytes", len(encoded)))
	return nil
}

func (b *Bridge) stopTimer(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timer, ok := b.timers[id]; ok {
		timer.Stop()
		delete(b.timers, id)
	}
}
