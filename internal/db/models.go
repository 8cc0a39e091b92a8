package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
//
// Base must stay exported: GORM's schema parser skips unexported embedded
// structs, which would leave every model without its primary key and
// timestamp columns.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Record types used by RecordVersion and the source tables.
const (
	RecordTypeOrganization = "organization"
	RecordTypeService      = "service"
	RecordTypeLocation     = "location"
)

// Geocoding statuses on Location. "clamped" means the source coordinates fell
// outside the continental U.S. box and were pulled to the nearest edge.
const (
	GeocodingVerified = "verified"
	GeocodingClamped  = "clamped"
	GeocodingMissing  = "missing"
)

// -----------------------------------------------------------------------------
// Canonical entities
// -----------------------------------------------------------------------------

// Organization is the canonical, merged view of a provider organization.
// NormalizedName (lowercased, whitespace-collapsed) is the dedup key: two
// sources naming the same organization reconcile onto one row.
//
// Association fields are intentionally absent. GORM cannot resolve foreign
// keys when the primary key is uuid.UUID (a custom type); related records are
// loaded via explicit queries in the repository layer.
type Organization struct {
	Base
	Name             string `gorm:"not null"`
	NormalizedName   string `gorm:"not null;uniqueIndex"`
	Description      string `gorm:"type:text;default:''"`
	Email            string `gorm:"default:''"`
	Website          string `gorm:"default:''"`
	YearIncorporated string `gorm:"default:''"`
	LegalStatus      string `gorm:"default:''"`
	TaxStatus        string `gorm:"default:''"`
	TaxID            string `gorm:"default:''"`
}

// Location is a canonical physical site. RoundedLat/RoundedLng hold the
// coordinates rounded to four decimals (roughly 11 m) and back the dedup
// lookup; Latitude/Longitude keep full precision. Nil coordinates mean the
// source had none (or reported the 0,0 placeholder).
type Location struct {
	Base
	Name            string   `gorm:"not null"`
	Description     string   `gorm:"type:text;default:''"`
	Latitude        *float64 `gorm:"type:double precision"`
	Longitude       *float64 `gorm:"type:double precision"`
	RoundedLat      *float64 `gorm:"type:double precision;index:idx_locations_rounded,priority:1"`
	RoundedLng      *float64 `gorm:"type:double precision;index:idx_locations_rounded,priority:2"`
	GeocodingStatus string   `gorm:"not null;default:'missing'"`
	LocationType    string   `gorm:"default:'physical'"`
	TransportNote   string   `gorm:"type:text;default:''"`
}

// Service is a canonical service offering. Services are never deduplicated
// across sources — each reconciled service stays attributed to the
// organization it arrived under.
type Service struct {
	Base
	OrganizationID     uuid.UUID `gorm:"type:text;not null;index"`
	Name               string    `gorm:"not null"`
	Description        string    `gorm:"type:text;default:''"`
	Status             string    `gorm:"not null;default:'active'"`
	URL                string    `gorm:"default:''"`
	Email              string    `gorm:"default:''"`
	Fees               string    `gorm:"type:text;default:''"`
	ApplicationProcess string    `gorm:"type:text;default:''"`
	EligibilityNote    string    `gorm:"type:text;default:''"`
}

// ServiceAtLocation links a service to a site where it is delivered.
type ServiceAtLocation struct {
	Base
	ServiceID   uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_sal_pair,priority:1"`
	LocationID  uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_sal_pair,priority:2"`
	Description string    `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Child entities
// -----------------------------------------------------------------------------

// Address belongs to a location. AddressType is "physical", "postal", or
// "virtual".
type Address struct {
	Base
	LocationID    uuid.UUID `gorm:"type:text;not null;index"`
	Attention     string    `gorm:"default:''"`
	Address1      string    `gorm:"not null"`
	Address2      string    `gorm:"default:''"`
	City          string    `gorm:"not null"`
	Region        string    `gorm:"default:''"`
	StateProvince string    `gorm:"not null"`
	PostalCode    string    `gorm:"not null"`
	Country       string    `gorm:"not null"`
	AddressType   string    `gorm:"not null;default:'physical'"`
}

// Phone may hang off an organization, a service, or a location; exactly one
// of the parent IDs is set.
type Phone struct {
	Base
	OrganizationID *uuid.UUID `gorm:"type:text;index"`
	ServiceID      *uuid.UUID `gorm:"type:text;index"`
	LocationID     *uuid.UUID `gorm:"type:text;index"`
	Number         string     `gorm:"not null"`
	Extension      *int
	Type           string `gorm:"default:'voice'"`
	Description    string `gorm:"type:text;default:''"`
}

// Schedule is an iCal-style recurrence attached to a service or location.
type Schedule struct {
	Base
	ServiceID   *uuid.UUID `gorm:"type:text;index"`
	LocationID  *uuid.UUID `gorm:"type:text;index"`
	Freq        string     `gorm:"default:''"` // WEEKLY or MONTHLY
	Wkst        string     `gorm:"default:''"`
	Byday       string     `gorm:"default:''"`
	OpensAt     string     `gorm:"default:''"`
	ClosesAt    string     `gorm:"default:''"`
	ValidFrom   string     `gorm:"default:''"`
	ValidTo     string     `gorm:"default:''"`
	Description string     `gorm:"type:text;default:''"`
}

// Language records a language available at a parent entity.
type Language struct {
	Base
	OrganizationID *uuid.UUID `gorm:"type:text;index"`
	ServiceID      *uuid.UUID `gorm:"type:text;index"`
	LocationID     *uuid.UUID `gorm:"type:text;index"`
	PhoneID        *uuid.UUID `gorm:"type:text;index"`
	Name           string     `gorm:"not null"`
	Code           string     `gorm:"default:''"`
	Note           string     `gorm:"type:text;default:''"`
}

// Accessibility describes access provisions at a location.
type Accessibility struct {
	Base
	LocationID  uuid.UUID `gorm:"type:text;not null;index"`
	Description string    `gorm:"type:text;default:''"`
	Details     string    `gorm:"type:text;default:''"`
	URL         string    `gorm:"default:''"`
}

// OrganizationIdentifier holds an external identifier (EIN, UEI, ...) for an
// organization.
type OrganizationIdentifier struct {
	Base
	OrganizationID   uuid.UUID `gorm:"type:text;not null;index"`
	IdentifierScheme string    `gorm:"default:''"`
	IdentifierType   string    `gorm:"not null"`
	Identifier       string    `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Source attribution
// -----------------------------------------------------------------------------

// OrganizationSource preserves one scraper's view of a canonical organization.
// The (CanonicalID, ScraperID) pair is unique: re-reconciling the same source
// updates its row in place rather than growing the table.
type OrganizationSource struct {
	Base
	CanonicalID uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_org_source,priority:1"`
	ScraperID   string    `gorm:"not null;uniqueIndex:idx_org_source,priority:2"`
	Name        string    `gorm:"not null"`
	Data        string    `gorm:"type:text;not null"` // source-view JSON snapshot
}

// LocationSource preserves one scraper's view of a canonical location,
// including the coordinates that scraper reported before any clamping.
type LocationSource struct {
	Base
	CanonicalID uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_loc_source,priority:1"`
	ScraperID   string    `gorm:"not null;uniqueIndex:idx_loc_source,priority:2"`
	Name        string    `gorm:"not null"`
	Latitude    *float64  `gorm:"type:double precision"`
	Longitude   *float64  `gorm:"type:double precision"`
	Data        string    `gorm:"type:text;not null"`
}

// ServiceSource preserves one scraper's view of a canonical service.
type ServiceSource struct {
	Base
	CanonicalID uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_svc_source,priority:1"`
	ScraperID   string    `gorm:"not null;uniqueIndex:idx_svc_source,priority:2"`
	Name        string    `gorm:"not null"`
	Data        string    `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Versioning
// -----------------------------------------------------------------------------

// RecordVersion is an immutable snapshot of a canonical record taken on every
// reconciler write. VersionNum is monotonic per (RecordID, RecordType),
// assigned max+1 inside the reconciliation transaction.
type RecordVersion struct {
	Base
	RecordID   uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_record_version,priority:1"`
	RecordType string    `gorm:"not null;uniqueIndex:idx_record_version,priority:2"`
	VersionNum int       `gorm:"not null;uniqueIndex:idx_record_version,priority:3"`
	Data       string    `gorm:"type:text;not null"` // full record snapshot, JSON
	CreatedBy  string    `gorm:"not null;default:'reconciler'"`
	SourceID   string    `gorm:"default:''"` // scraper that triggered the write
}
