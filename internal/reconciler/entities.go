package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/geo"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/hsds"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/repositories"
)

// Match types reported on the reconciler_matches metric.
const (
	matchNew     = "new"
	matchMatched = "matched"
)

// reconcileOrganization upserts one organization from an aligned document:
// canonical match by normalized name, source attribution, child set-union,
// and a version snapshot. Returns the canonical ID.
func (r *Reconciler) reconcileOrganization(ctx context.Context, tx *gorm.DB, repos *repositories.Set, org hsds.Organization, scraperID string) (uuid.UUID, error) {
	normalized := NormalizeName(org.Name)
	if normalized == "" {
		return uuid.UUID{}, fmt.Errorf("reconciler: organization with empty name")
	}

	canonical, err := repos.Organizations.GetByNormalizedName(ctx, normalized)
	matchType := matchMatched
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		matchType = matchNew
		canonical = &db.Organization{
			Name:             org.Name,
			NormalizedName:   normalized,
			Description:      org.Description,
			Email:            org.Email,
			Website:          org.Website,
			YearIncorporated: org.YearFounded,
			LegalStatus:      org.LegalStatus,
		}
		if err := repos.Organizations.Create(ctx, canonical); err != nil {
			return uuid.UUID{}, err
		}
	case err != nil:
		return uuid.UUID{}, err
	}

	if err := r.upsertOrgSource(ctx, repos, canonical.ID, scraperID, org); err != nil {
		return uuid.UUID{}, err
	}

	if matchType == matchMatched {
		if err := r.remergeOrganization(ctx, repos, canonical); err != nil {
			return uuid.UUID{}, err
		}
	}

	if err := r.syncOrgChildren(ctx, tx, canonical.ID, org); err != nil {
		return uuid.UUID{}, err
	}
	if err := r.writeVersion(ctx, repos, canonical.ID, db.RecordTypeOrganization, canonical, scraperID); err != nil {
		return uuid.UUID{}, err
	}

	metrics.ReconcilerMatches.WithLabelValues(db.RecordTypeOrganization, matchType).Inc()
	return canonical.ID, nil
}

func (r *Reconciler) upsertOrgSource(ctx context.Context, repos *repositories.Set, canonicalID uuid.UUID, scraperID string, org hsds.Organization) error {
	data, err := json.Marshal(org)
	if err != nil {
		return fmt.Errorf("reconciler: marshal organization source: %w", err)
	}
	return repos.Organizations.UpsertSource(ctx, &db.OrganizationSource{
		CanonicalID: canonicalID,
		ScraperID:   scraperID,
		Name:        org.Name,
		Data:        string(data),
	})
}

// remergeOrganization recomputes the canonical fields from every source view
// under the merge policy and persists the result.
func (r *Reconciler) remergeOrganization(ctx context.Context, repos *repositories.Set, canonical *db.Organization) error {
	sources, err := repos.Organizations.SourcesFor(ctx, canonical.ID)
	if err != nil {
		return err
	}

	names := make([]sourceValue, 0, len(sources))
	descs := make([]sourceValue, 0, len(sources))
	emails := make([]sourceValue, 0, len(sources))
	sites := make([]sourceValue, 0, len(sources))
	years := make([]sourceValue, 0, len(sources))
	legals := make([]sourceValue, 0, len(sources))

	for _, src := range sources {
		var view hsds.Organization
		if err := json.Unmarshal([]byte(src.Data), &view); err != nil {
			r.logger.Warn("unreadable organization source skipped in merge")
			continue
		}
		at := src.UpdatedAt.UnixMilli()
		names = append(names, sourceValue{view.Name, at})
		descs = append(descs, sourceValue{view.Description, at})
		emails = append(emails, sourceValue{view.Email, at})
		sites = append(sites, sourceValue{view.Website, at})
		years = append(years, sourceValue{view.YearFounded, at})
		legals = append(legals, sourceValue{view.LegalStatus, at})
	}

	if name := mergeName(names); name != "" {
		canonical.Name = name
	}
	if desc := mergeLongest(descs); desc != "" {
		canonical.Description = desc
	}
	if v := mergeMostRecent(emails); v != "" {
		canonical.Email = v
	}
	if v := mergeMostRecent(sites); v != "" {
		canonical.Website = v
	}
	if v := mergeMostRecent(years); v != "" {
		canonical.YearIncorporated = v
	}
	if v := mergeMostRecent(legals); v != "" {
		canonical.LegalStatus = v
	}

	return repos.Organizations.Update(ctx, canonical)
}

// syncOrgChildren set-unions identifiers, phones, and languages onto the
// canonical organization.
func (r *Reconciler) syncOrgChildren(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, org hsds.Organization) error {
	for _, ident := range org.Identifiers {
		if ident.Identifier == "" {
			continue
		}
		var count int64
		err := tx.WithContext(ctx).Model(&db.OrganizationIdentifier{}).
			Where("organization_id = ? AND identifier_type = ? AND identifier = ?",
				orgID, ident.Type, ident.Identifier).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("reconciler: check identifier: %w", err)
		}
		if count > 0 {
			continue
		}
		err = tx.WithContext(ctx).Create(&db.OrganizationIdentifier{
			OrganizationID:   orgID,
			IdentifierScheme: ident.Scheme,
			IdentifierType:   ident.Type,
			Identifier:       ident.Identifier,
		}).Error
		if err != nil {
			return fmt.Errorf("reconciler: create identifier: %w", err)
		}
	}

	if err := r.syncPhones(ctx, tx, org.Phones, db.Phone{OrganizationID: &orgID}); err != nil {
		return err
	}
	return r.syncLanguages(ctx, tx, org.Languages, db.Language{OrganizationID: &orgID})
}

// reconcileLocation upserts one location: 4-decimal coordinate match when
// the coordinates are usable, a flagged coordinate-less canonical otherwise.
func (r *Reconciler) reconcileLocation(ctx context.Context, tx *gorm.DB, repos *repositories.Set, loc hsds.Location, scraperID string) (uuid.UUID, error) {
	lat, lng := loc.Latitude, loc.Longitude
	status := db.GeocodingVerified
	hasCoords := !geo.IsMissing(lat, lng)
	if hasCoords && !geo.InBounds(lat, lng) {
		lat, lng = geo.Clamp(lat, lng)
		status = db.GeocodingClamped
		metrics.CoordinatesClamped.Inc()
	}

	var canonical *db.Location
	matchType := matchNew

	if hasCoords {
		rlat, rlng := geo.RoundCoord(lat), geo.RoundCoord(lng)
		matches, err := repos.Locations.FindByRoundedCoords(ctx, rlat, rlng)
		if err != nil {
			return uuid.UUID{}, err
		}
		if picked := pickCanonical(matches); picked != nil {
			matchType = matchMatched
			canonical, err = repos.Locations.LockByID(ctx, picked.ID)
			if err != nil {
				return uuid.UUID{}, err
			}
			// Coordinates follow the most recent source, and the geocoding
			// status travels with them: a clamped source overwriting a
			// verified location downgrades it.
			canonical.Latitude, canonical.Longitude = &lat, &lng
			canonical.RoundedLat, canonical.RoundedLng = &rlat, &rlng
			canonical.GeocodingStatus = status
			if err := repos.Locations.Update(ctx, canonical); err != nil {
				return uuid.UUID{}, err
			}
		} else {
			canonical = &db.Location{
				Name:            loc.Name,
				Description:     loc.Description,
				Latitude:        &lat,
				Longitude:       &lng,
				RoundedLat:      &rlat,
				RoundedLng:      &rlng,
				GeocodingStatus: status,
				LocationType:    defaultString(loc.LocationType, "physical"),
				TransportNote:   loc.Transportation,
			}
			if err := repos.Locations.Create(ctx, canonical); err != nil {
				return uuid.UUID{}, err
			}
		}
	} else {
		// No usable coordinates: skip matching, create flagged so a later
		// geocoding pass can fill the gap.
		metrics.CoordinatesMissing.Inc()
		canonical = &db.Location{
			Name:            loc.Name,
			Description:     loc.Description,
			GeocodingStatus: db.GeocodingMissing,
			LocationType:    defaultString(loc.LocationType, "physical"),
			TransportNote:   loc.Transportation,
		}
		if err := repos.Locations.Create(ctx, canonical); err != nil {
			return uuid.UUID{}, err
		}
	}

	if err := r.upsertLocationSource(ctx, repos, canonical.ID, scraperID, loc); err != nil {
		return uuid.UUID{}, err
	}
	if matchType == matchMatched {
		if err := r.remergeLocation(ctx, repos, canonical); err != nil {
			return uuid.UUID{}, err
		}
	}
	if err := r.syncLocationChildren(ctx, tx, canonical.ID, loc); err != nil {
		return uuid.UUID{}, err
	}
	if err := r.writeVersion(ctx, repos, canonical.ID, db.RecordTypeLocation, canonical, scraperID); err != nil {
		return uuid.UUID{}, err
	}

	metrics.ReconcilerMatches.WithLabelValues(db.RecordTypeLocation, matchType).Inc()
	return canonical.ID, nil
}

func (r *Reconciler) upsertLocationSource(ctx context.Context, repos *repositories.Set, canonicalID uuid.UUID, scraperID string, loc hsds.Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("reconciler: marshal location source: %w", err)
	}
	src := &db.LocationSource{
		CanonicalID: canonicalID,
		ScraperID:   scraperID,
		Name:        loc.Name,
		Data:        string(data),
	}
	// Keep the source's reported coordinates as-is, before any clamping.
	if !geo.IsMissing(loc.Latitude, loc.Longitude) {
		lat, lng := loc.Latitude, loc.Longitude
		src.Latitude, src.Longitude = &lat, &lng
	}
	return repos.Locations.UpsertSource(ctx, src)
}

// remergeLocation recomputes name, description, and transport note from
// every source view under the merge policy, mirroring remergeOrganization.
// Coordinates are not remerged; they already follow the newest source.
func (r *Reconciler) remergeLocation(ctx context.Context, repos *repositories.Set, canonical *db.Location) error {
	sources, err := repos.Locations.SourcesFor(ctx, canonical.ID)
	if err != nil {
		return err
	}

	names := make([]sourceValue, 0, len(sources))
	descs := make([]sourceValue, 0, len(sources))
	transports := make([]sourceValue, 0, len(sources))

	for _, src := range sources {
		var view hsds.Location
		if err := json.Unmarshal([]byte(src.Data), &view); err != nil {
			r.logger.Warn("unreadable location source skipped in merge")
			continue
		}
		at := src.UpdatedAt.UnixMilli()
		names = append(names, sourceValue{view.Name, at})
		descs = append(descs, sourceValue{view.Description, at})
		transports = append(transports, sourceValue{view.Transportation, at})
	}

	if name := mergeName(names); name != "" {
		canonical.Name = name
	}
	if desc := mergeLongest(descs); desc != "" {
		canonical.Description = desc
	}
	if v := mergeMostRecent(transports); v != "" {
		canonical.TransportNote = v
	}

	return repos.Locations.Update(ctx, canonical)
}

// syncLocationChildren set-unions addresses, phones, schedules, and
// accessibility provisions. One physical address per source is accepted.
func (r *Reconciler) syncLocationChildren(ctx context.Context, tx *gorm.DB, locID uuid.UUID, loc hsds.Location) error {
	var existing []db.Address
	err := tx.WithContext(ctx).Where("location_id = ?", locID).Find(&existing).Error
	if err != nil {
		return fmt.Errorf("reconciler: load addresses: %w", err)
	}
	seen := map[string]bool{}
	physicalAdded := false
	for _, a := range existing {
		seen[addressKey(a.Address1, a.City, a.StateProvince, a.PostalCode)] = true
	}
	for _, a := range loc.Addresses {
		if a.Address1 == "" {
			continue
		}
		key := addressKey(a.Address1, a.City, a.StateProvince, a.PostalCode)
		if seen[key] {
			continue
		}
		if a.AddressType == "physical" || a.AddressType == "" {
			if physicalAdded {
				continue
			}
			physicalAdded = true
		}
		seen[key] = true
		err := tx.WithContext(ctx).Create(&db.Address{
			LocationID:    locID,
			Attention:     a.Attention,
			Address1:      a.Address1,
			Address2:      a.Address2,
			City:          a.City,
			Region:        a.Region,
			StateProvince: a.StateProvince,
			PostalCode:    a.PostalCode,
			Country:       a.Country,
			AddressType:   defaultString(a.AddressType, "physical"),
		}).Error
		if err != nil {
			return fmt.Errorf("reconciler: create address: %w", err)
		}
	}

	if err := r.syncPhones(ctx, tx, loc.Phones, db.Phone{LocationID: &locID}); err != nil {
		return err
	}
	if err := r.syncSchedules(ctx, tx, loc.Schedules, db.Schedule{LocationID: &locID}); err != nil {
		return err
	}

	for _, acc := range loc.Accessibility {
		if acc.Description == "" && acc.Details == "" {
			continue
		}
		var count int64
		err := tx.WithContext(ctx).Model(&db.Accessibility{}).
			Where("location_id = ? AND LOWER(description) = LOWER(?)", locID, acc.Description).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("reconciler: check accessibility: %w", err)
		}
		if count > 0 {
			continue
		}
		err = tx.WithContext(ctx).Create(&db.Accessibility{
			LocationID:  locID,
			Description: acc.Description,
			Details:     acc.Details,
			URL:         acc.URL,
		}).Error
		if err != nil {
			return fmt.Errorf("reconciler: create accessibility: %w", err)
		}
	}
	return nil
}

// reconcileService always creates a fresh canonical service (no cross-source
// service dedup) attributed to orgID, then links it to locIDs.
func (r *Reconciler) reconcileService(ctx context.Context, tx *gorm.DB, repos *repositories.Set, svc hsds.Service, orgID uuid.UUID, locIDs []uuid.UUID, scraperID string) (uuid.UUID, error) {
	canonical := &db.Service{
		OrganizationID:     orgID,
		Name:               svc.Name,
		Description:        svc.Description,
		Status:             defaultString(svc.Status, "active"),
		URL:                svc.URL,
		Email:              svc.Email,
		Fees:               svc.FeesDesc,
		ApplicationProcess: svc.Application,
		EligibilityNote:    svc.Eligibility,
	}
	if err := repos.Services.Create(ctx, canonical); err != nil {
		return uuid.UUID{}, err
	}

	data, err := json.Marshal(svc)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("reconciler: marshal service source: %w", err)
	}
	err = repos.Services.UpsertSource(ctx, &db.ServiceSource{
		CanonicalID: canonical.ID,
		ScraperID:   scraperID,
		Name:        svc.Name,
		Data:        string(data),
	})
	if err != nil {
		return uuid.UUID{}, err
	}

	for _, locID := range locIDs {
		if err := repos.Services.LinkLocation(ctx, canonical.ID, locID); err != nil {
			return uuid.UUID{}, err
		}
	}

	if err := r.syncPhones(ctx, tx, svc.Phones, db.Phone{ServiceID: &canonical.ID}); err != nil {
		return uuid.UUID{}, err
	}
	if err := r.syncSchedules(ctx, tx, svc.Schedules, db.Schedule{ServiceID: &canonical.ID}); err != nil {
		return uuid.UUID{}, err
	}
	if err := r.syncLanguages(ctx, tx, svc.Languages, db.Language{ServiceID: &canonical.ID}); err != nil {
		return uuid.UUID{}, err
	}
	if err := r.writeVersion(ctx, repos, canonical.ID, db.RecordTypeService, canonical, scraperID); err != nil {
		return uuid.UUID{}, err
	}

	metrics.ReconcilerMatches.WithLabelValues(db.RecordTypeService, matchNew).Inc()
	return canonical.ID, nil
}

// syncPhones set-unions phones under the parent in template, keyed by
// normalized digits.
func (r *Reconciler) syncPhones(ctx context.Context, tx *gorm.DB, phones []hsds.Phone, template db.Phone) error {
	if len(phones) == 0 {
		return nil
	}

	q := tx.WithContext(ctx).Model(&db.Phone{})
	switch {
	case template.OrganizationID != nil:
		q = q.Where("organization_id = ?", *template.OrganizationID)
	case template.ServiceID != nil:
		q = q.Where("service_id = ?", *template.ServiceID)
	case template.LocationID != nil:
		q = q.Where("location_id = ?", *template.LocationID)
	}
	var existing []db.Phone
	if err := q.Find(&existing).Error; err != nil {
		return fmt.Errorf("reconciler: load phones: %w", err)
	}

	seen := map[string]bool{}
	for _, p := range existing {
		seen[normalizePhone(p.Number)] = true
	}
	for _, p := range phones {
		key := normalizePhone(p.Number)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		row := template
		row.Number = p.Number
		row.Type = defaultString(p.Type, "voice")
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("reconciler: create phone: %w", err)
		}
	}
	return nil
}

// syncSchedules set-unions schedules keyed by (freq, byday, opens, closes).
func (r *Reconciler) syncSchedules(ctx context.Context, tx *gorm.DB, schedules []hsds.Schedule, template db.Schedule) error {
	if len(schedules) == 0 {
		return nil
	}

	q := tx.WithContext(ctx).Model(&db.Schedule{})
	if template.ServiceID != nil {
		q = q.Where("service_id = ?", *template.ServiceID)
	} else if template.LocationID != nil {
		q = q.Where("location_id = ?", *template.LocationID)
	}
	var existing []db.Schedule
	if err := q.Find(&existing).Error; err != nil {
		return fmt.Errorf("reconciler: load schedules: %w", err)
	}

	seen := map[string]bool{}
	for _, s := range existing {
		seen[scheduleKey(s.Freq, s.Byday, s.OpensAt, s.ClosesAt)] = true
	}
	for _, s := range schedules {
		key := scheduleKey(s.Freq, s.Byday, s.OpensAt, s.ClosesAt)
		if seen[key] {
			continue
		}
		seen[key] = true
		row := template
		row.Freq = s.Freq
		row.Wkst = s.Wkst
		row.Byday = s.Byday
		row.OpensAt = s.OpensAt
		row.ClosesAt = s.ClosesAt
		row.ValidFrom = s.ValidFrom
		row.ValidTo = s.ValidTo
		row.Description = s.Description
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("reconciler: create schedule: %w", err)
		}
	}
	return nil
}

// syncLanguages set-unions languages keyed by code, falling back to the
// lowercased name.
func (r *Reconciler) syncLanguages(ctx context.Context, tx *gorm.DB, languages []hsds.Language, template db.Language) error {
	if len(languages) == 0 {
		return nil
	}

	q := tx.WithContext(ctx).Model(&db.Language{})
	switch {
	case template.OrganizationID != nil:
		q = q.Where("organization_id = ?", *template.OrganizationID)
	case template.ServiceID != nil:
		q = q.Where("service_id = ?", *template.ServiceID)
	case template.LocationID != nil:
		q = q.Where("location_id = ?", *template.LocationID)
	}
	var existing []db.Language
	if err := q.Find(&existing).Error; err != nil {
		return fmt.Errorf("reconciler: load languages: %w", err)
	}

	langKey := func(name, code string) string {
		if code != "" {
			return code
		}
		return NormalizeName(name)
	}

	seen := map[string]bool{}
	for _, l := range existing {
		seen[langKey(l.Name, l.Code)] = true
	}
	for _, l := range languages {
		key := langKey(l.Name, l.Code)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		row := template
		row.Name = l.Name
		row.Code = l.Code
		row.Note = l.Note
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("reconciler: create language: %w", err)
		}
	}
	return nil
}

// writeVersion snapshots the mutated canonical row as version max+1 within
// the surrounding transaction. Replaying a job whose data produced no change
// writes nothing: the snapshot is compared against the latest stored version
// with the GORM-managed timestamps ignored, since UpdatedAt is bumped on
// every reconcile regardless of content.
func (r *Reconciler) writeVersion(ctx context.Context, repos *repositories.Set, recordID uuid.UUID, recordType string, record any, scraperID string) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("reconciler: marshal version snapshot: %w", err)
	}

	latest, err := repos.Versions.Latest(ctx, recordID, recordType)
	switch {
	case err == nil:
		if sameSnapshot(latest.Data, string(data)) {
			return nil
		}
	case !errors.Is(err, repositories.ErrNotFound):
		return err
	}

	num, err := repos.Versions.NextVersion(ctx, recordID, recordType)
	if err != nil {
		return err
	}
	err = repos.Versions.Create(ctx, &db.RecordVersion{
		RecordID:   recordID,
		RecordType: recordType,
		VersionNum: num,
		Data:       string(data),
		CreatedBy:  "reconciler",
		SourceID:   scraperID,
	})
	if err != nil {
		return err
	}
	metrics.RecordVersions.WithLabelValues(recordType).Inc()
	return nil
}

// sameSnapshot reports whether two snapshot JSON documents are equal once
// the CreatedAt and UpdatedAt keys are dropped.
func sameSnapshot(a, b string) bool {
	var am, bm map[string]any
	if err := json.Unmarshal([]byte(a), &am); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &bm); err != nil {
		return false
	}
	for _, m := range []map[string]any{am, bm} {
		delete(m, "CreatedAt")
		delete(m, "UpdatedAt")
	}
	return reflect.DeepEqual(am, bm)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
