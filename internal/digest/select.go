package digest

import (
	"sort"

	"github.com/TobiSchelling/RedditDigest/internal/database"
)

// SelectForDigest drops adult items unless allowed, orders the rest by score
// (highest first, ties keep their input order) and keeps at most maxCount.
// The input slice is not modified. The result is never nil.
func SelectForDigest(items []database.Item, adultAllowed bool, maxCount int) []database.Item {
	kept := make([]database.Item, 0, len(items))
	for _, it := range items {
		if it.IsAdult && !adultAllowed {
			continue
		}
		kept = append(kept, it)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})

	if maxCount < 0 {
		maxCount = 0
	}
	if len(kept) > maxCount {
		kept = kept[:maxCount]
	}
	return kept
}
