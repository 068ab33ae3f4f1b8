package prefs

import (
	"strings"

	"orderwatch/internal/schedule"
)

// Filter narrows a ChangeSet to what the user's preferences permit.
// Pure: the input ChangeSet is never mutated and the summary of the result
// is recomputed from the surviving entries.
//
// Order of application:
//  1. global kill switch (Enabled=false returns an empty set)
//  2. muted categories and the severity threshold
//  3. store/location allow-lists: an entry passes when its store OR its
//     location matches any configured value (OR between the two families,
//     not AND); empty lists match everything
func Filter(cs schedule.ChangeSet, p UserPreference) schedule.ChangeSet {
	if !p.Enabled {
		return schedule.NewChangeSet(nil)
	}

	var kept []schedule.ChangeEntry
	for _, e := range cs.Entries {
		if p.categoryMuted(e.Kind()) {
			continue
		}
		if e.Severity() < p.MinSeverity {
			continue
		}
		if !matchesPlace(e, p) {
			continue
		}
		kept = append(kept, e)
	}
	return schedule.NewChangeSet(kept)
}

func matchesPlace(e schedule.ChangeEntry, p UserPreference) bool {
	if len(p.Stores) == 0 && len(p.Locations) == 0 {
		return true
	}
	for _, r := range entryRecords(e) {
		if matchAny(r.StoreLabel, p.Stores) || matchAny(r.LocationLabel, p.Locations) {
			return true
		}
	}
	return false
}

func entryRecords(e schedule.ChangeEntry) []schedule.WorkOrderRecord {
	switch v := e.(type) {
	case schedule.Added:
		return []schedule.WorkOrderRecord{v.Record}
	case schedule.Removed:
		return []schedule.WorkOrderRecord{v.Record}
	case schedule.DateChanged:
		return []schedule.WorkOrderRecord{v.Record}
	case schedule.Swapped:
		return []schedule.WorkOrderRecord{v.RecordA, v.RecordB}
	}
	return nil
}

// matchAny is a case-insensitive substring match, so a filter like "ACME"
// matches "ACME Hardware #1042" the way the scraped labels are written.
func matchAny(label string, filters []string) bool {
	if label == "" {
		return false
	}
	l := strings.ToLower(label)
	for _, f := range filters {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if strings.Contains(l, f) {
			return true
		}
	}
	return false
}
