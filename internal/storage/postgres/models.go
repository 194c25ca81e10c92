package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ComponentSignatureModel maps to the "component_signatures" table.
// Append-only: rows are inserted by the startup scan and never updated.
type ComponentSignatureModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Path      string    `gorm:"not null;index;uniqueIndex:idx_component_signature_identity,priority:1"`
	Version   string    `gorm:"not null;uniqueIndex:idx_component_signature_identity,priority:2"`
	Folder    string    `gorm:"not null;default:'';uniqueIndex:idx_component_signature_identity,priority:3"`
	Signature string    `gorm:"not null;uniqueIndex:idx_component_signature_identity,priority:4"`
	CodeHash  string    `gorm:"not null"`
	Code      string    `gorm:"type:text;not null"`
	Metadata  JSONB     `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"index"`
}

func (ComponentSignatureModel) TableName() string { return "component_signatures" }

// VariableModel maps to the "variables" table.
type VariableModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"not null;uniqueIndex:idx_variable_owner_name,priority:1"`
	Name      string `gorm:"not null;uniqueIndex:idx_variable_owner_name,priority:2"`
	Value     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (VariableModel) TableName() string { return "variables" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID   string    `gorm:"not null;index"`
	ExecutionType string    `gorm:"not null"`
	UserID        string    `gorm:"index"`
	FlowID        string
	ComponentPath string `gorm:"not null;index"`
	Trust         string `gorm:"not null"`
	Action        string `gorm:"not null"`
	Success       bool   `gorm:"not null"`
	ErrorCategory string
	Error         string `gorm:"type:text"`
	ExitCode      *int
	DurationMS    int64
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite hands the column back as TEXT.
type JSONB json.RawMessage

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
	return nil
}
