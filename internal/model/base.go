package model

import "time"

// A Model is a persistable record.
type Model interface {
	GetID() string
	SetID(id string)
	SetCreatedAt(t time.Time)
	SetUpdatedAt(t time.Time)
}

// Base holds the common fields of all persisted models.
type Base struct {
	ID        string     `json:"id"         storm:"id"`
	CreatedAt *time.Time `json:"created_at" storm:"index"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// GetID returns the record identifier.
func (m *Base) GetID() string {
	return m.ID
}

// SetID defines the record identifier.
func (m *Base) SetID(id string) {
	m.ID = id
}

// SetCreatedAt defines the creation time of the record.
func (m *Base) SetCreatedAt(t time.Time) {
	m.CreatedAt = &t
}

// SetUpdatedAt defines the last modification time of the record.
func (m *Base) SetUpdatedAt(t time.Time) {
	m.UpdatedAt = &t
}
