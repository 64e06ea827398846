package checkins

import (
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/footprint/internal/geo"
)

// FilterByRadius keeps candidates within radiusKm of center, newest first.
// A bounding-box pass prunes candidates before the exact haversine check.
// A nil center skips the distance filter and only sorts.
func FilterByRadius(candidates []Record, center *geo.Point, radiusKm float64) ([]Record, error) {
	if center == nil {
		sorted := slices.Clone(candidates)
		sortNewestFirst(sorted)
		return sorted, nil
	}
	if err := geo.ValidateRadius(radiusKm); err != nil {
		return nil, err
	}

	box := geo.NewBoundingBox(*center, radiusKm)
	boxed := make([]Record, 0, len(candidates))
	for _, candidate := range candidates {
		if box.Contains(candidate.Location()) {
			boxed = append(boxed, candidate)
		}
	}

	within := make([]Record, 0, len(boxed))
	for _, candidate := range boxed {
		if geo.HaversineKm(*center, candidate.Location()) <= radiusKm {
			within = append(within, candidate)
		}
	}
	sortNewestFirst(within)
	return within, nil
}

func sortNewestFirst(records []Record) {
	slices.SortStableFunc(records, func(left, right Record) int {
		if left.CreatedAtSeconds != right.CreatedAtSeconds {
			if left.CreatedAtSeconds > right.CreatedAtSeconds {
				return -1
			}
			return 1
		}
		return strings.Compare(right.ID, left.ID)
	})
}
