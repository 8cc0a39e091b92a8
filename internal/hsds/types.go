// Package hsds defines the Human Services Data Specification v3 entities the
// pipeline aligns raw content into, the CSV-schema to JSON-Schema converter,
// and the weighted field validator that drives the LLM retry loop.
package hsds

// Document is the aligned payload: the three top-level HSDS entity lists
// with their children embedded. This is what flows on the aligned queue and
// what the reconciler consumes.
type Document struct {
	Organizations []Organization `json:"organization"`
	Services      []Service      `json:"service"`
	Locations     []Location     `json:"location"`
}

// Organization is a provider of one or more services.
type Organization struct {
	ID          string                   `json:"id,omitempty"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Email       string                   `json:"email,omitempty"`
	Website     string                   `json:"website,omitempty"`
	YearFounded string                   `json:"year_incorporated,omitempty"`
	LegalStatus string                   `json:"legal_status,omitempty"`
	Identifiers []OrganizationIdentifier `json:"organization_identifiers,omitempty"`
	Phones      []Phone                  `json:"phones,omitempty"`
	Languages   []Language               `json:"languages,omitempty"`
}

// OrganizationIdentifier is an external identifier (EIN, UEI, ...) for an
// organization.
type OrganizationIdentifier struct {
	Scheme     string `json:"identifier_scheme,omitempty"`
	Type       string `json:"identifier_type"`
	Identifier string `json:"identifier"`
}

// Service is a distinct offering (food pantry hours, meal program, ...)
// provided by an organization at zero or more locations.
type Service struct {
	ID             string     `json:"id,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Status         string     `json:"status"` // active, inactive, defunct, temporarily closed
	Email          string     `json:"email,omitempty"`
	URL            string     `json:"url,omitempty"`
	Application    string     `json:"application_process,omitempty"`
	FeesDesc       string     `json:"fees_description,omitempty"`
	Eligibility    string     `json:"eligibility_description,omitempty"`
	LocationID     string     `json:"location_id,omitempty"`
	Phones         []Phone    `json:"phones,omitempty"`
	Schedules      []Schedule `json:"schedules,omitempty"`
	Languages      []Language `json:"languages,omitempty"`
}

// Location is a place where services are delivered.
type Location struct {
	ID               string          `json:"id,omitempty"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Latitude         float64         `json:"latitude,omitempty"`
	Longitude        float64         `json:"longitude,omitempty"`
	Transportation   string          `json:"transportation,omitempty"`
	LocationType     string          `json:"location_type,omitempty"`
	Addresses        []Address       `json:"addresses,omitempty"`
	Phones           []Phone         `json:"phones,omitempty"`
	Schedules        []Schedule      `json:"schedules,omitempty"`
	Accessibility    []Accessibility `json:"accessibility,omitempty"`
	ValidationStatus string          `json:"validation_status,omitempty"`
}

// Address is a physical or mailing address attached to a location.
type Address struct {
	Attention     string `json:"attention,omitempty"`
	Address1      string `json:"address_1"`
	Address2      string `json:"address_2,omitempty"`
	City          string `json:"city"`
	Region        string `json:"region,omitempty"`
	StateProvince string `json:"state_province"`
	PostalCode    string `json:"postal_code"`
	Country       string `json:"country"` // ISO3361 alpha-2
	AddressType   string `json:"address_type"` // physical, postal, virtual
}

// Phone is a contact number for an organization, service, or location.
type Phone struct {
	Number    string `json:"number"`
	Extension string `json:"extension,omitempty"`
	Type      string `json:"type,omitempty"` // text, voice, fax, cell, video, pager, textphone
	Languages []Language `json:"languages,omitempty"`
}

// Schedule describes when a service or location operates, in iCal RRULE
// vocabulary (freq/byday/wkst) plus opens/closes times.
type Schedule struct {
	ValidFrom   string `json:"valid_from,omitempty"` // %Y-%m-%d
	ValidTo     string `json:"valid_to,omitempty"`
	OpensAt     string `json:"opens_at,omitempty"`  // HH:MM with zone
	ClosesAt    string `json:"closes_at,omitempty"` // HH:MM with zone
	Freq        string `json:"freq,omitempty"`      // WEEKLY, MONTHLY
	Wkst        string `json:"wkst,omitempty"`      // MO..SU
	Byday       string `json:"byday,omitempty"`
	Description string `json:"description,omitempty"`
}

// Language is a language in which a service or phone line is offered.
type Language struct {
	Name string `json:"name,omitempty"`
	Code string `json:"code,omitempty"` // ISO639
	Note string `json:"note,omitempty"`
}

// Accessibility records an accessibility provision at a location.
type Accessibility struct {
	Description string `json:"description,omitempty"`
	Details     string `json:"details,omitempty"`
	URL         string `json:"url,omitempty"`
}
