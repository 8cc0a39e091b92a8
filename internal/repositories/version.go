package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
)

// gormVersionRepository is the GORM implementation of VersionRepository.
type gormVersionRepository struct {
	db *gorm.DB
}

// NewVersionRepository returns a VersionRepository backed by the provided
// *gorm.DB.
func NewVersionRepository(database *gorm.DB) VersionRepository {
	return &gormVersionRepository{db: database}
}

// NextVersion computes max(version_num)+1 for the record. Runs inside the
// caller's transaction; the unique (record_id, record_type, version_num)
// index catches any race the transaction isolation misses.
func (r *gormVersionRepository) NextVersion(ctx context.Context, recordID uuid.UUID, recordType string) (int, error) {
	var current int
	err := r.db.WithContext(ctx).
		Model(&db.RecordVersion{}).
		Where("record_id = ? AND record_type = ?", recordID, recordType).
		Select("COALESCE(MAX(version_num), 0)").
		Scan(&current).Error
	if err != nil {
		return 0, fmt.Errorf("versions: next for %s/%s: %w", recordType, recordID, err)
	}
	return current + 1, nil
}

func (r *gormVersionRepository) Create(ctx context.Context, v *db.RecordVersion) error {
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("versions: create: %w", err)
	}
	return nil
}

func (r *gormVersionRepository) ListFor(ctx context.Context, recordID uuid.UUID, recordType string) ([]db.RecordVersion, error) {
	var versions []db.RecordVersion
	err := r.db.WithContext(ctx).
		Where("record_id = ? AND record_type = ?", recordID, recordType).
		Order("version_num").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("versions: list for %s/%s: %w", recordType, recordID, err)
	}
	return versions, nil
}

func (r *gormVersionRepository) Latest(ctx context.Context, recordID uuid.UUID, recordType string) (*db.RecordVersion, error) {
	var v db.RecordVersion
	err := r.db.WithContext(ctx).
		Where("record_id = ? AND record_type = ?", recordID, recordType).
		Order("version_num DESC").
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("versions: latest for %s/%s: %w", recordType, recordID, err)
	}
	return &v, nil
}
