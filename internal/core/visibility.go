package core

import (
	"slices"
	"time"

	"github.com/h3org/h3sync/internal/models"
)

// ResolveVisibility walks the unit tree breadth-first from home and returns
// the reachable units plus the global root. Scopes holds the scope tokens of
// those units; globalScope is always included. The walk ignores self-parented
// units as children and never visits a unit twice, so it terminates even on
// corrupt input.
func ResolveVisibility(home string, bases []*models.Record, globalScope string) *models.Visibility {
	byCode := make(map[string]*models.Base, len(bases))
	children := make(map[string][]string)
	var root string
	for _, rec := range bases {
		b, ok := rec.Body.(*models.Base)
		if !ok {
			continue
		}
		byCode[rec.Code] = b
		if b.Parent == rec.Code {
			root = rec.Code
			continue
		}
		children[b.Parent] = append(children[b.Parent], rec.Code)
	}

	visited := map[string]bool{home: true}
	units := []string{home}
	for queue := []string{home}; len(queue) > 0; queue = queue[1:] {
		for _, child := range children[queue[0]] {
			if visited[child] {
				continue
			}
			visited[child] = true
			units = append(units, child)
			queue = append(queue, child)
		}
	}
	if root != "" && !visited[root] {
		units = append(units, root)
	}

	scopes := []string{globalScope}
	for _, code := range units {
		if b, ok := byCode[code]; ok && !slices.Contains(scopes, b.Identifier) {
			scopes = append(scopes, b.Identifier)
		}
	}
	slices.Sort(scopes)
	return &models.Visibility{Units: units, Scopes: scopes}
}

// ResolveOrigins returns the user, every contract the user holds and the jobs
// of those contracts, sorted and de-duplicated.
func ResolveOrigins(user string, contracts []*models.Record) []string {
	origins := []string{user}
	for _, rec := range contracts {
		c, ok := rec.Body.(*models.JobContract)
		if !ok || c.User != user {
			continue
		}
		origins = append(origins, rec.Code, c.Job)
	}
	slices.Sort(origins)
	return slices.Compact(origins)
}

// CurrentContract picks the user's contract in force on day, preferring the
// latest start date when several overlap.
func CurrentContract(user string, contracts []*models.Record, day time.Time) *models.Record {
	var best *models.Record
	for _, rec := range contracts {
		c, ok := rec.Body.(*models.JobContract)
		if !ok || c.User != user || !c.Covers(day) {
			continue
		}
		if best == nil || c.StartDate.After(best.Body.(*models.JobContract).StartDate) {
			best = rec
		}
	}
	return best
}
