package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMetadataConflict indicates create was called for an identifier that
	// already has a record.
	ErrMetadataConflict = errors.New("metadata: record already exists")
	// ErrNotOwner indicates the caller does not own the document.
	ErrNotOwner = errors.New("metadata: caller is not the document owner")

	errMissingDatabase   = errors.New("metadata: database handle is required")
	errMissingDocumentID = errors.New("metadata: document identifier is required")
	errMissingOwnerID    = errors.New("metadata: owner identifier is required")
)

// StateDeleter removes the durable document state for an identifier.
// Implemented by the persistence bridge.
type StateDeleter interface {
	DeleteState(ctx context.Context, id string) error
}

// ServiceConfig describes the coordinator dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	States   StateDeleter
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service keeps document metadata records aligned with the document state
// lifecycle, including the best-effort dual delete of both durable records.
type Service struct {
	db     *gorm.DB
	states StateDeleter
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the metadata coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		states: cfg.States,
		clock:  clock,
		logger: logger,
	}, nil
}

// Create inserts a metadata record for a new document. Returns
// ErrMetadataConflict when the identifier already has one.
func (s *Service) Create(ctx context.Context, documentID, ownerID, title string) (Record, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return Record{}, errMissingDocumentID
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Record{}, errMissingOwnerID
	}
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}

	now := s.clock().UTC().Unix()
	record := Record{
		DocumentID:       documentID,
		OwnerID:          ownerID,
		Title:            title,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return Record{}, fmt.Errorf("metadata: create %s: %w", documentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrMetadataConflict, documentID)
	}
	return record, nil
}

// Get returns the record for the identifier, or the default-title placeholder
// when none exists. Lookup never depends on whether a room is loaded.
func (s *Service) Get(ctx context.Context, documentID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Placeholder(documentID, s.clock()), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("metadata: get %s: %w", documentID, err)
	}
	return record, nil
}

// List returns the caller's documents, most recently updated first.
func (s *Service) List(ctx context.Context, ownerID string) ([]Record, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errMissingOwnerID
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at_s DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("metadata: list for %s: %w", ownerID, err)
	}
	return records, nil
}

// UpdateTitle upserts the title, bumping updated_at. A record is created on
// the fly when the document was opened before any explicit create.
func (s *Service) UpdateTitle(ctx context.Context, documentID, title string) (Record, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return Record{}, errMissingDocumentID
	}
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}

	now := s.clock().UTC().Unix()
	record := Record{
		DocumentID:       documentID,
		Title:            title,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		return Record{}, fmt.Errorf("metadata: update title %s: %w", documentID, err)
	}
	return s.Get(ctx, documentID)
}

// VerifyOwner reports whether the caller may act on the document. A document
// without a metadata record carries no ownership and refuses no caller, the
// same policy Delete applies to stray state records.
func (s *Service) VerifyOwner(ctx context.Context, documentID, callerID string) error {
	var record Record
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("metadata: owner lookup %s: %w", documentID, err)
	}
	if record.OwnerID != callerID {
		return fmt.Errorf("%w: %s", ErrNotOwner, documentID)
	}
	return nil
}

// Delete removes the metadata record and asks the persistence bridge to purge
// the durable state for the same identifier. The two deletes are independent
// operations, not a transaction; a partial failure leaves an orphaned record
// and is logged distinctly so it can be reconciled out of band.
func (s *Service) Delete(ctx context.Context, documentID, callerID string) error {
	var record Record
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No metadata, still purge any stray state record.
		return s.deleteState(ctx, documentID, true)
	}
	if err != nil {
		return fmt.Errorf("metadata: delete lookup %s: %w", documentID, err)
	}
	if record.OwnerID != callerID {
		return fmt.Errorf("%w: %s", ErrNotOwner, documentID)
	}

	metadataErr := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&Record{}).Error
	stateErr := s.deleteState(ctx, documentID, metadataErr == nil)

	if metadataErr != nil && stateErr == nil {
		s.logger.Error("orphaned durable record: state deleted but metadata remains",
			zap.String("document_id", documentID), zap.Error(metadataErr))
		return fmt.Errorf("metadata: delete %s: %w", documentID, metadataErr)
	}
	if metadataErr != nil {
		return fmt.Errorf("metadata: delete %s: %w", documentID, metadataErr)
	}
	return stateErr
}

func (s *Service) deleteState(ctx context.Context, documentID string, metadataDeleted bool) error {
	if s.states == nil {
		return nil
	}
	if err := s.states.DeleteState(ctx, documentID); err != nil {
		if metadataDeleted {
			s.logger.Error("orphaned durable record: metadata deleted but state remains",
				zap.String("document_id", documentID), zap.Error(err))
		}
		return err
	}
	return nil
}
