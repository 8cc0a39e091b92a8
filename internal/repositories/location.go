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

// gormLocationRepository is the GORM implementation of LocationRepository.
type gormLocationRepository struct {
	db *gorm.DB
}

// NewLocationRepository returns a LocationRepository backed by the provided
// *gorm.DB.
func NewLocationRepository(database *gorm.DB) LocationRepository {
	return &gormLocationRepository{db: database}
}

func (r *gormLocationRepository) Create(ctx context.Context, loc *db.Location) error {
	if err := r.db.WithContext(ctx).Create(loc).Error; err != nil {
		return fmt.Errorf("locations: create: %w", err)
	}
	return nil
}

func (r *gormLocationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Location, error) {
	var loc db.Location
	err := r.db.WithContext(ctx).First(&loc, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locations: get by id: %w", err)
	}
	return &loc, nil
}

// FindByRoundedCoords matches on the 4-decimal grid cell. Oldest first so
// the tie-break (keep the earliest canonical row) is a [0] index away.
func (r *gormLocationRepository) FindByRoundedCoords(ctx context.Context, lat, lng float64) ([]db.Location, error) {
	var locs []db.Location
	err := r.db.WithContext(ctx).
		Where("rounded_lat = ? AND rounded_lng = ?", lat, lng).
		Order("created_at").
		Find(&locs).Error
	if err != nil {
		return nil, fmt.Errorf("locations: find by rounded coords: %w", err)
	}
	return locs, nil
}

// LockByID takes a row lock on PostgreSQL so concurrent reconcilers merging
// into the same location serialize. SQLite has a single writer, so the plain
// read is equivalent there.
func (r *gormLocationRepository) LockByID(ctx context.Context, id uuid.UUID) (*db.Location, error) {
	q := r.db.WithContext(ctx)
	if q.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var loc db.Location
	err := q.First(&loc, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locations: lock by id: %w", err)
	}
	return &loc, nil
}

func (r *gormLocationRepository) Update(ctx context.Context, loc *db.Location) error {
	result := r.db.WithContext(ctx).Save(loc)
	if result.Error != nil {
		return fmt.Errorf("locations: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormLocationRepository) List(ctx context.Context, opts ListOptions) ([]db.Location, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Location{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("locations: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var locs []db.Location
	if err := q.Find(&locs).Error; err != nil {
		return nil, 0, fmt.Errorf("locations: list: %w", err)
	}
	return locs, total, nil
}

func (r *gormLocationRepository) UpsertSource(ctx context.Context, src *db.LocationSource) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "canonical_id"}, {Name: "scraper_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "latitude", "longitude", "data", "updated_at"}),
	}).Create(src).Error
	if err != nil {
		return fmt.Errorf("locations: upsert source: %w", err)
	}
	return nil
}

func (r *gormLocationRepository) SourcesFor(ctx context.Context, canonicalID uuid.UUID) ([]db.LocationSource, error) {
	var sources []db.LocationSource
	err := r.db.WithContext(ctx).
		Where("canonical_id = ?", canonicalID).
		Order("scraper_id").
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("locations: sources for %s: %w", canonicalID, err)
	}
	return sources, nil
}
