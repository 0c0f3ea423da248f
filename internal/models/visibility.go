package models

import "slices"

// Visibility is the slice of the journal a client replicates: records whose
// scope is listed, records tied to one of its origins, and the public kinds.
type Visibility struct {
	// Units holds the codes of the reachable organizational units.
	Units   []string `json:"units,omitempty"`
	Scopes  []string `json:"scopes"`
	Origins []string `json:"origins"`
}

// Allows reports whether the item belongs to this visibility.
func (v *Visibility) Allows(it *JournalItem) bool {
	if it.Entry.Table.Public() {
		return true
	}
	if slices.Contains(v.Origins, it.Entry.Key) {
		return true
	}
	r := it.Record
	if r == nil {
		return false
	}
	if slices.Contains(v.Scopes, r.Scope) {
		return true
	}
	for _, ref := range r.References() {
		if slices.Contains(v.Origins, ref) {
			return true
		}
	}
	return false
}

// Covers reports whether every scope and origin of other is also in v.
func (v *Visibility) Covers(other *Visibility) bool {
	for _, s := range other.Scopes {
		if !slices.Contains(v.Scopes, s) {
			return false
		}
	}
	for _, o := range other.Origins {
		if !slices.Contains(v.Origins, o) {
			return false
		}
	}
	return true
}
