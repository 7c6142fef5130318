package search

import (
	"pkgscout/searchservice/internal/domain"
)

// appendUnique appends chunk items whose name is not already present,
// preserving the order results arrived in. The registry occasionally repeats
// a package across page boundaries; the first occurrence wins.
func appendUnique(results []domain.PackageResult, items []domain.PackageResult) []domain.PackageResult {
	seen := make(map[string]struct{}, len(results))
	for _, result := range results {
		seen[result.Name] = struct{}{}
	}
	for _, item := range items {
		if _, ok := seen[item.Name]; ok {
			continue
		}
		seen[item.Name] = struct{}{}
		results = append(results, item)
	}
	return results
}

// mergeDetail fills enrichment data into the named result in place. It never
// appends, never reorders and never overwrites details already present, so
// replaying the same merge is a no-op. Returns false when the named package
// is no longer in the list.
func mergeDetail(results []domain.PackageResult, name string, details *domain.PackageDetails) bool {
	if details == nil {
		return false
	}
	for i := range results {
		if results[i].Name != name {
			continue
		}
		if results[i].Details == nil {
			filled := *details
			results[i].Details = &filled
		}
		return true
	}
	return false
}
