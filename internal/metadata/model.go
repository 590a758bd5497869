package metadata

import "time"

// DefaultTitle is what a document without a stored record is called.
const DefaultTitle = "Untitled document"

// Record is the durable lightweight descriptor of a document, distinct from
// its binary state but keyed by the same identifier.
type Record struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_metadata_owner_updated,priority:1"`
	Title            string `gorm:"column:title;size:512;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_metadata_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "document_metadata"
}

// Placeholder returns the record served for an unknown document identifier.
func Placeholder(documentID string, now time.Time) Record {
	return Record{
		DocumentID:       documentID,
		Title:            DefaultTitle,
		CreatedAtSeconds: now.UTC().Unix(),
		UpdatedAtSeconds: now.UTC().Unix(),
	}
}
