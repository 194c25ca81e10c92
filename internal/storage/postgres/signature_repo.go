package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/ngome/internal/signature"
)

// SignatureRepository implements signature.Store with GORM.
// Append-only apart from the development Reset.
type SignatureRepository struct {
	db *gorm.DB
}

// NewSignatureRepository creates a SignatureRepository.
func NewSignatureRepository(db *gorm.DB) *SignatureRepository {
	return &SignatureRepository{db: db}
}

// Upsert inserts sig unless the same (path, version, folder, signature) row
// exists, so distinct bodies under one (path, version, folder) are all kept.
func (r *SignatureRepository) Upsert(ctx context.Context, sig *signature.ComponentSignature) (bool, error) {
	model := toSignatureModel(sig)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "path"},
				{Name: "version"},
				{Name: "folder"},
				{Name: "signature"},
			},
			DoNothing: true,
		}).
		Create(&model)
	if result.Error != nil {
		return false, fmt.Errorf("upserting signature %s@%s: %w", sig.Path, sig.Version, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *SignatureRepository) ListByPath(ctx context.Context, path string) ([]signature.ComponentSignature, error) {
	var models []ComponentSignatureModel
	err := r.db.WithContext(ctx).
		Where("path = ?", path).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing signatures for %s: %w", path, err)
	}
	sigs := make([]signature.ComponentSignature, len(models))
	for i := range models {
		sigs[i] = toSignatureDomain(&models[i])
	}
	return sigs, nil
}

func (r *SignatureRepository) Latest(ctx context.Context, path string) (*signature.ComponentSignature, error) {
	var model ComponentSignatureModel
	err := r.db.WithContext(ctx).
		Where("path = ?", path).
		Order("created_at DESC, id DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, signature.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest signature for %s: %w", path, err)
	}
	sig := toSignatureDomain(&model)
	return &sig, nil
}

func (r *SignatureRepository) Paths(ctx context.Context) ([]string, error) {
	var paths []string
	err := r.db.WithContext(ctx).
		Model(&ComponentSignatureModel{}).
		Distinct().
		Order("path ASC").
		Pluck("path", &paths).Error
	if err != nil {
		return nil, fmt.Errorf("listing signature paths: %w", err)
	}
	return paths, nil
}

func (r *SignatureRepository) Stats(ctx context.Context) (signature.Stats, error) {
	var total, components int64
	db := r.db.WithContext(ctx).Model(&ComponentSignatureModel{})
	if err := db.Count(&total).Error; err != nil {
		return signature.Stats{}, fmt.Errorf("counting signatures: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&ComponentSignatureModel{}).Distinct("path").Count(&components).Error; err != nil {
		return signature.Stats{}, fmt.Errorf("counting signed components: %w", err)
	}
	return signature.ComputeStats(int(components), int(total)), nil
}

// Reset deletes every signature row. Development use only.
func (r *SignatureRepository) Reset(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&ComponentSignatureModel{}).Error
	if err != nil {
		return fmt.Errorf("resetting signatures: %w", err)
	}
	return nil
}

func toSignatureModel(s *signature.ComponentSignature) ComponentSignatureModel {
	meta := JSONB("{}")
	if len(s.Metadata) > 0 {
		if data, err := json.Marshal(s.Metadata); err == nil {
			meta = JSONB(data)
		}
	}
	return ComponentSignatureModel{
		Path:      s.Path,
		Version:   s.Version,
		Folder:    s.Folder,
		Signature: s.Signature,
		CodeHash:  s.CodeHash,
		Code:      s.Code,
		Metadata:  meta,
		CreatedAt: s.CreatedAt,
	}
}

func toSignatureDomain(m *ComponentSignatureModel) signature.ComponentSignature {
	var meta map[string]any
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return signature.ComponentSignature{
		Path:      m.Path,
		Folder:    m.Folder,
		Version:   m.Version,
		Code:      m.Code,
		Signature: m.Signature,
		CodeHash:  m.CodeHash,
		Metadata:  meta,
		CreatedAt: m.CreatedAt,
	}
}

var _ signature.Store = (*SignatureRepository)(nil)
