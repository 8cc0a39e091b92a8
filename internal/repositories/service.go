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

// gormServiceRepository is the GORM implementation of ServiceRepository.
type gormServiceRepository struct {
	db *gorm.DB
}

// NewServiceRepository returns a ServiceRepository backed by the provided
// *gorm.DB.
func NewServiceRepository(database *gorm.DB) ServiceRepository {
	return &gormServiceRepository{db: database}
}

func (r *gormServiceRepository) Create(ctx context.Context, svc *db.Service) error {
	if err := r.db.WithContext(ctx).Create(svc).Error; err != nil {
		return fmt.Errorf("services: create: %w", err)
	}
	return nil
}

func (r *gormServiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Service, error) {
	var svc db.Service
	err := r.db.WithContext(ctx).First(&svc, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("services: get by id: %w", err)
	}
	return &svc, nil
}

func (r *gormServiceRepository) Update(ctx context.Context, svc *db.Service) error {
	result := r.db.WithContext(ctx).Save(svc)
	if result.Error != nil {
		return fmt.Errorf("services: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormServiceRepository) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]db.Service, error) {
	var svcs []db.Service
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("name").
		Find(&svcs).Error
	if err != nil {
		return nil, fmt.Errorf("services: list by organization: %w", err)
	}
	return svcs, nil
}

// LinkLocation is idempotent: the unique (service_id, location_id) index
// absorbs duplicate links via DO NOTHING.
func (r *gormServiceRepository) LinkLocation(ctx context.Context, serviceID, locationID uuid.UUID) error {
	link := db.ServiceAtLocation{ServiceID: serviceID, LocationID: locationID}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_id"}, {Name: "location_id"}},
		DoNothing: true,
	}).Create(&link).Error
	if err != nil {
		return fmt.Errorf("services: link location: %w", err)
	}
	return nil
}

func (r *gormServiceRepository) UpsertSource(ctx context.Context, src *db.ServiceSource) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "canonical_id"}, {Name: "scraper_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "data", "updated_at"}),
	}).Create(src).Error
	if err != nil {
		return fmt.Errorf("services: upsert source: %w", err)
	}
	return nil
}

func (r *gormServiceRepository) SourcesFor(ctx context.Context, canonicalID uuid.UUID) ([]db.ServiceSource, error) {
	var sources []db.ServiceSource
	err := r.db.WithContext(ctx).
		Where("canonical_id = ?", canonicalID).
		Order("scraper_id").
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("services: sources for %s: %w", canonicalID, err)
	}
	return sources, nil
}
