package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/ngome/internal/secrets"
)

// VariableRepository stores per-user host variables.
type VariableRepository struct {
	db *gorm.DB
}

// NewVariableRepository creates a VariableRepository.
func NewVariableRepository(db *gorm.DB) *VariableRepository {
	return &VariableRepository{db: db}
}

func (r *VariableRepository) GetVariable(ctx context.Context, userID, name string) (*secrets.Variable, error) {
	var model VariableModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, secrets.ErrVariableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting variable %s: %w", name, err)
	}
	return &secrets.Variable{
		UserID:    model.UserID,
		Name:      model.Name,
		Value:     model.Value,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

func (r *VariableRepository) SetVariable(ctx context.Context, v *secrets.Variable) error {
	now := time.Now().UTC()
	model := VariableModel{
		UserID:    v.UserID,
		Name:      v.Name,
		Value:     v.Value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&model)
	if result.Error != nil {
		return fmt.Errorf("setting variable %s: %w", v.Name, result.Error)
	}
	return nil
}

func (r *VariableRepository) DeleteVariable(ctx context.Context, userID, name string) error {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		Delete(&VariableModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting variable %s: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return secrets.ErrVariableNotFound
	}
	return nil
}

func (r *VariableRepository) ListVariableNames(ctx context.Context, userID string) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Model(&VariableModel{}).
		Where("user_id = ?", userID).
		Order("name ASC").
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("listing variables: %w", err)
	}
	return names, nil
}

var _ secrets.VariableStore = (*VariableRepository)(nil)
