// Package repositories defines the data-access contracts for the canonical
// HSDS tables and their GORM implementations. The reconciler depends only on
// these interfaces; binding a repository set to a transaction handle scopes
// every call in it to that transaction.
package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

type OrganizationRepository interface {
	Create(ctx context.Context, org *db.Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Organization, error)
	// GetByNormalizedName is the dedup lookup. Returns ErrNotFound when no
	// canonical organization carries the normalized name.
	GetByNormalizedName(ctx context.Context, normalized string) (*db.Organization, error)
	Update(ctx context.Context, org *db.Organization) error
	List(ctx context.Context, opts ListOptions) ([]db.Organization, int64, error)
	// UpsertSource inserts or refreshes one scraper's view keyed on
	// (canonical_id, scraper_id).
	UpsertSource(ctx context.Context, src *db.OrganizationSource) error
	SourcesFor(ctx context.Context, canonicalID uuid.UUID) ([]db.OrganizationSource, error)
}

type LocationRepository interface {
	Create(ctx context.Context, loc *db.Location) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Location, error)
	// FindByRoundedCoords returns every canonical location at the 4-decimal
	// coordinate cell, oldest first, for the dedup match and its tie-break.
	FindByRoundedCoords(ctx context.Context, lat, lng float64) ([]db.Location, error)
	// LockByID reloads a location with a row lock (SELECT ... FOR UPDATE on
	// PostgreSQL; plain read on SQLite where the single writer suffices).
	// Only meaningful inside a transaction.
	LockByID(ctx context.Context, id uuid.UUID) (*db.Location, error)
	Update(ctx context.Context, loc *db.Location) error
	List(ctx context.Context, opts ListOptions) ([]db.Location, int64, error)
	UpsertSource(ctx context.Context, src *db.LocationSource) error
	SourcesFor(ctx context.Context, canonicalID uuid.UUID) ([]db.LocationSource, error)
}

type ServiceRepository interface {
	Create(ctx context.Context, svc *db.Service) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Service, error)
	Update(ctx context.Context, svc *db.Service) error
	ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]db.Service, error)
	// LinkLocation records that the service is delivered at the location.
	// Idempotent: re-linking an existing pair is not an error.
	LinkLocation(ctx context.Context, serviceID, locationID uuid.UUID) error
	UpsertSource(ctx context.Context, src *db.ServiceSource) error
	SourcesFor(ctx context.Context, canonicalID uuid.UUID) ([]db.ServiceSource, error)
}

type VersionRepository interface {
	// NextVersion returns max(version_num)+1 for the record, starting at 1.
	// Must be called inside the same transaction as the subsequent Create so
	// the sequence stays gapless under concurrent reconcilers.
	NextVersion(ctx context.Context, recordID uuid.UUID, recordType string) (int, error)
	Create(ctx context.Context, v *db.RecordVersion) error
	ListFor(ctx context.Context, recordID uuid.UUID, recordType string) ([]db.RecordVersion, error)
	Latest(ctx context.Context, recordID uuid.UUID, recordType string) (*db.RecordVersion, error)
}

// Set bundles one repository per aggregate, all bound to the same database
// handle. Build a fresh Set from the *gorm.DB a transaction callback receives
// to scope the whole reconciliation to that transaction.
type Set struct {
	Organizations OrganizationRepository
	Locations     LocationRepository
	Services      ServiceRepository
	Versions      VersionRepository
}

// New binds a repository set to the given database or transaction handle.
func New(database *gorm.DB) *Set {
	return &Set{
		Organizations: NewOrganizationRepository(database),
		Locations:     NewLocationRepository(database),
		Services:      NewServiceRepository(database),
		Versions:      NewVersionRepository(database),
	}
}
