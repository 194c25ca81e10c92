package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/ngome/internal/audit"
)

// AuditRepository implements audit.Store with GORM.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event. This is the only write method.
func (r *AuditRepository) Append(ctx context.Context, e audit.Event) error {
	model := toAuditModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Get returns the most recent event for an execution id.
func (r *AuditRepository) Get(ctx context.Context, executionID string) (*audit.Event, error) {
	var model AuditEventModel
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, audit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting audit event %s: %w", executionID, err)
	}
	e := toAuditDomain(&model)
	return &e, nil
}

// Query returns audit events newest first. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	db := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	if q.ComponentPath != "" {
		db = db.Where("component_path = ?", q.ComponentPath)
	}

	var models []AuditEventModel
	if err := db.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]audit.Event, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

func toAuditModel(e audit.Event) AuditEventModel {
	return AuditEventModel{
		ID:            uuid.New(),
		ExecutionID:   e.ExecutionID,
		ExecutionType: e.ExecutionType,
		UserID:        e.UserID,
		FlowID:        e.FlowID,
		ComponentPath: e.ComponentPath,
		Trust:         e.Trust,
		Action:        e.Action,
		Success:       e.Success,
		ErrorCategory: e.ErrorCategory,
		Error:         e.Error,
		ExitCode:      e.ExitCode,
		DurationMS:    e.DurationMS,
		CreatedAt:     e.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) audit.Event {
	return audit.Event{
		Timestamp:     m.CreatedAt,
		ExecutionID:   m.ExecutionID,
		ExecutionType: m.ExecutionType,
		UserID:        m.UserID,
		FlowID:        m.FlowID,
		ComponentPath: m.ComponentPath,
		Trust:         m.Trust,
		Action:        m.Action,
		Success:       m.Success,
		ErrorCategory: m.ErrorCategory,
		Error:         m.Error,
		ExitCode:      m.ExitCode,
		DurationMS:    m.DurationMS,
	}
}

var _ audit.Store = (*AuditRepository)(nil)
