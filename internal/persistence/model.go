package persistence

// StateRecord stores the durable full-state encoding of one document, keyed by
// the same identifier as its metadata record.
type StateRecord struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	BinaryState      []byte `gorm:"column:binary_state;type:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateRecord) TableName() string {
	return "document_states"
}
