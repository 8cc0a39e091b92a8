package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
)

// gormOrganizationRepository is the GORM implementation of
// OrganizationRepository.
type gormOrganizationRepository struct {
	db *gorm.DB
}

// NewOrganizationRepository returns an OrganizationRepository backed by the
// provided *gorm.DB.
func NewOrganizationRepository(database *gorm.DB) OrganizationRepository {
	return &gormOrganizationRepository{db: database}
}

func (r *gormOrganizationRepository) Create(ctx context.Context, org *db.Organization) error {
	if err := r.db.WithContext(ctx).Create(org).Error; err != nil {
		return fmt.Errorf("organizations: create: %w", err)
	}
	return nil
}

func (r *gormOrganizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Organization, error) {
	var org db.Organization
	err := r.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("organizations: get by id: %w", err)
	}
	return &org, nil
}

func (r *gormOrganizationRepository) GetByNormalizedName(ctx context.Context, normalized string) (*db.Organization, error) {
	var org db.Organization
	err := r.db.WithContext(ctx).First(&org, "normalized_name = ?", normalized).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("organizations: get by normalized name: %w", err)
	}
	return &org, nil
}

func (r *gormOrganizationRepository) Update(ctx context.Context, org *db.Organization) error {
	result := r.db.WithContext(ctx).Save(org)
	if result.Error != nil {
		return fmt.Errorf("organizations: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormOrganizationRepository) List(ctx context.Context, opts ListOptions) ([]db.Organization, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Organization{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("organizations: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("normalized_name")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var orgs []db.Organization
	if err := q.Find(&orgs).Error; err != nil {
		return nil, 0, fmt.Errorf("organizations: list: %w", err)
	}
	return orgs, total, nil
}

// UpsertSource keys on (canonical_id, scraper_id): a scraper's repeated view
// of the same organization refreshes its row instead of duplicating it.
func (r *gormOrganizationRepository) UpsertSource(ctx context.Context, src *db.OrganizationSource) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "canonical_id"}, {Name: "scraper_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "data", "updated_at"}),
	}).Create(src).Error
	if err != nil {
		return fmt.Errorf("organizations: upsert source: %w", err)
	}
	return nil
}

func (r *gormOrganizationRepository) SourcesFor(ctx context.Context, canonicalID uuid.UUID) ([]db.OrganizationSource, error) {
	var sources []db.OrganizationSource
	err := r.db.WithContext(ctx).
		Where("canonical_id = ?", canonicalID).
		Order("scraper_id").
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("organizations: sources for %s: %w", canonicalID, err)
	}
	return sources, nil
}
