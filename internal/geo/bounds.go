// Package geo holds the coordinate rules shared by the reconciler and the
// query surface: the continental-U.S. bounding box, clamping on ingress,
// missing-coordinate detection, and partitioning of oversized search boxes.
package geo

import "math"

// Continental U.S. bounding box. Coordinates outside this box are clamped
// on ingress; (0,0) is treated as missing rather than clamped.
const (
	MinLatitude  = 25.0
	MaxLatitude  = 49.0
	MinLongitude = -125.0
	MaxLongitude = -67.0
)

// MaxDiagonalMiles is the largest bounding-box diagonal a single search
// request may cover. Larger boxes are split by PartitionBBox.
const MaxDiagonalMiles = 80.0

const earthRadiusMiles = 3958.8

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// IsMissing reports whether a coordinate pair should be treated as absent.
// Scrapers that fail to geocode commonly emit (0,0), which is in the Gulf of
// Guinea and must never participate in location matching.
func IsMissing(lat, lng float64) bool {
	return lat == 0 && lng == 0
}

// Clamp forces a coordinate pair into the U.S. bounding box.
// Callers must check IsMissing first — clamping (0,0) would fabricate a
// location at the box corner.
func Clamp(lat, lng float64) (float64, float64) {
	return math.Min(math.Max(lat, MinLatitude), MaxLatitude),
		math.Min(math.Max(lng, MinLongitude), MaxLongitude)
}

// InBounds reports whether the pair lies inside the U.S. box.
func InBounds(lat, lng float64) bool {
	return lat >= MinLatitude && lat <= MaxLatitude &&
		lng >= MinLongitude && lng <= MaxLongitude
}

// RoundCoord rounds a coordinate to 4 decimal places (~11 m), the precision
// used as the location dedup key.
func RoundCoord(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Haversine returns the great-circle distance between two points in miles.
func Haversine(a, b Point) float64 {
	la1 := a.Latitude * math.Pi / 180
	la2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(h))
}

// BBox is a latitude/longitude aligned bounding box.
type BBox struct {
	MinLat float64
	MinLng float64
	MaxLat float64
	MaxLng float64
}

// Diagonal returns the box diagonal in miles.
func (b BBox) Diagonal() float64 {
	return Haversine(
		Point{Latitude: b.MinLat, Longitude: b.MinLng},
		Point{Latitude: b.MaxLat, Longitude: b.MaxLng},
	)
}

// PartitionBBox splits a box whose diagonal exceeds MaxDiagonalMiles into a
// grid of sub-boxes whose diagonals each fit under the limit. Boxes already
// within the limit are returned unchanged as a single-element slice.
func PartitionBBox(b BBox) []BBox {
	d := b.Diagonal()
	if d <= MaxDiagonalMiles {
		return []BBox{b}
	}

	// A uniform grid of n×n cells shrinks the diagonal by roughly n.
	// Ceil overshoots slightly, which keeps every cell safely under the cap.
	n := int(math.Ceil(d / MaxDiagonalMiles))
	latStep := (b.MaxLat - b.MinLat) / float64(n)
	lngStep := (b.MaxLng - b.MinLng) / float64(n)

	out := make([]BBox, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, BBox{
				MinLat: b.MinLat + float64(i)*latStep,
				MinLng: b.MinLng + float64(j)*lngStep,
				MaxLat: b.MinLat + float64(i+1)*latStep,
				MaxLng: b.MinLng + float64(j+1)*lngStep,
			})
		}
	}
	return out
}
