package markercache

import (
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/geo"
)

// Marker is the client replica of a visible check-in. Server fields arrive over the wire;
// CachedAt and IconPath are local.
type Marker struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"ownerUserId"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Address     string    `json:"address"`
	Content     string    `json:"content,omitempty"`
	Images      []string  `json:"images"`
	IsPublic    bool      `json:"isPublic"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CachedAt    time.Time `json:"cachedAt"`
	IconPath    string    `json:"iconPath,omitempty"`
}

// Location returns the marker coordinates.
func (m Marker) Location() geo.Point {
	return geo.Point{Latitude: m.Latitude, Longitude: m.Longitude}
}

// FirstImage returns the image used for the composite icon, if any.
func (m Marker) FirstImage() (string, bool) {
	if len(m.Images) == 0 {
		return "", false
	}
	return m.Images[0], true
}

// Viewport describes the area and scope of one marker query.
type Viewport struct {
	Center        geo.Point
	RadiusKm      float64
	IncludePublic bool
	ViewerID      string
}

// Snapshot is the persisted marker set.
type Snapshot struct {
	Markers   []Marker  `json:"markers"`
	Timestamp time.Time `json:"timestamp"`
}

// MergeResult reports how a server response changed the replica.
type MergeResult struct {
	NewMarkers       []Marker
	DeletedMarkerIDs []string
	AllMarkers       []Marker
}

// Merge reconciles a server response with the prior replica. Server fields win on id
// conflicts; a local IconPath survives while the first image is unchanged. Prior markers
// inside viewport and within its scope that the server no longer returns are reported as
// deleted and dropped. A nil viewport infers no deletions.
func Merge(server, prior []Marker, viewport *Viewport, now time.Time) MergeResult {
	priorByID := make(map[string]Marker, len(prior))
	for _, marker := range prior {
		priorByID[marker.ID] = marker
	}
	serverIDs := make(map[string]struct{}, len(server))

	result := MergeResult{
		NewMarkers:       make([]Marker, 0),
		DeletedMarkerIDs: make([]string, 0),
		AllMarkers:       make([]Marker, 0, len(server)+len(prior)),
	}

	for _, incoming := range server {
		if _, duplicate := serverIDs[incoming.ID]; duplicate {
			continue
		}
		serverIDs[incoming.ID] = struct{}{}

		merged := incoming
		merged.Images = slices.Clone(incoming.Images)
		merged.CachedAt = now
		merged.IconPath = ""
		if previous, ok := priorByID[incoming.ID]; ok {
			if sameFirstImage(previous, incoming) {
				merged.IconPath = previous.IconPath
			}
		} else {
			result.NewMarkers = append(result.NewMarkers, merged)
		}
		result.AllMarkers = append(result.AllMarkers, merged)
	}

	for _, previous := range prior {
		if _, returned := serverIDs[previous.ID]; returned {
			continue
		}
		if viewport != nil && inScope(previous, *viewport) {
			result.DeletedMarkerIDs = append(result.DeletedMarkerIDs, previous.ID)
			continue
		}
		result.AllMarkers = append(result.AllMarkers, previous)
	}

	return result
}

// FilterByIncludePublic approximates the private view from cache. Without the partner
// identity, markers that are not public are assumed to belong to the partner.
func FilterByIncludePublic(markers []Marker, includePublic bool, currentUserID string) []Marker {
	if includePublic {
		return slices.Clone(markers)
	}
	filtered := make([]Marker, 0, len(markers))
	for _, marker := range markers {
		if inPrivateView(marker, currentUserID) {
			filtered = append(filtered, marker)
		}
	}
	return filtered
}

// FilterByDistance keeps markers within radiusKm of center using the haversine cutoff.
func FilterByDistance(markers []Marker, center geo.Point, radiusKm float64) []Marker {
	filtered := make([]Marker, 0, len(markers))
	for _, marker := range markers {
		if geo.HaversineKm(center, marker.Location()) <= radiusKm {
			filtered = append(filtered, marker)
		}
	}
	return filtered
}

func inScope(marker Marker, viewport Viewport) bool {
	if geo.HaversineKm(viewport.Center, marker.Location()) > viewport.RadiusKm {
		return false
	}
	return viewport.IncludePublic || inPrivateView(marker, viewport.ViewerID)
}

func inPrivateView(marker Marker, currentUserID string) bool {
	return (currentUserID != "" && marker.OwnerUserID == currentUserID) || !marker.IsPublic
}

func sameFirstImage(left, right Marker) bool {
	leftImage, leftOK := left.FirstImage()
	rightImage, rightOK := right.FirstImage()
	return leftOK == rightOK && leftImage == rightImage
}
