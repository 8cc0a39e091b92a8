package reconciler

import (
	"sort"
	"strings"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
)

// NormalizeName is the organization dedup key: case-folded with internal
// whitespace collapsed to single spaces.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// normalizePhone reduces a phone number to its digits, the semantic key for
// the phone set-union.
func normalizePhone(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// addressKey is the semantic key for the address set-union:
// (address_1, city, state, postal_code), case-insensitive.
func addressKey(address1, city, state, postal string) string {
	return strings.ToLower(address1) + "|" + strings.ToLower(city) + "|" +
		strings.ToLower(state) + "|" + strings.ToLower(postal)
}

// scheduleKey identifies a recurrence for the schedule set-union.
func scheduleKey(freq, byday, opensAt, closesAt string) string {
	return freq + "|" + byday + "|" + opensAt + "|" + closesAt
}

// sourceValue is one source's value for a canonical field, tagged with the
// source row's update time so recency-based policies can order them.
type sourceValue struct {
	Value     string
	UpdatedAt int64 // unix millis
}

// mergeName applies the name policy: majority vote across sources, ties
// broken by the longest value.
func mergeName(values []sourceValue) string {
	counts := map[string]int{}
	for _, v := range values {
		if v.Value != "" {
			counts[v.Value]++
		}
	}
	best := ""
	bestCount := 0
	for value, count := range counts {
		if count > bestCount || (count == bestCount && len(value) > len(best)) {
			best, bestCount = value, count
		}
	}
	return best
}

// mergeLongest applies the description policy: longest non-empty value.
func mergeLongest(values []sourceValue) string {
	best := ""
	for _, v := range values {
		if len(v.Value) > len(best) {
			best = v.Value
		}
	}
	return best
}

// mergeMostRecent applies the general scalar policy: first non-empty value
// by source update time, newest first.
func mergeMostRecent(values []sourceValue) string {
	sorted := make([]sourceValue, len(values))
	copy(sorted, values)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt > sorted[j].UpdatedAt
	})
	for _, v := range sorted {
		if v.Value != "" {
			return v.Value
		}
	}
	return ""
}

// pickCanonical selects the surviving row from a rounded-coordinate match
// group: longest non-empty description, then most recent updated_at.
func pickCanonical(matches []db.Location) *db.Location {
	if len(matches) == 0 {
		return nil
	}
	best := &matches[0]
	for i := 1; i < len(matches); i++ {
		cand := &matches[i]
		switch {
		case len(cand.Description) > len(best.Description):
			best = cand
		case len(cand.Description) == len(best.Description) &&
			cand.UpdatedAt.After(best.UpdatedAt):
			best = cand
		}
	}
	return best
}
