// Package channel holds what the delivery channels share: compact per-entry
// rendering and the size-bounded message splitter. Channel specifics (SMTP,
// the push provider API, telegram) live in the subpackages.
package channel

import (
	"fmt"
	"strings"

	"orderwatch/internal/schedule"
	"orderwatch/pkg/msgkit"
)

// kindOrder fixes the section order in every rendered payload.
var kindOrder = []schedule.ChangeKind{
	schedule.KindRemoved,
	schedule.KindSwapped,
	schedule.KindDateChanged,
	schedule.KindAdded,
}

// KindTitle returns the human heading for a change category.
func KindTitle(k schedule.ChangeKind) string {
	switch k {
	case schedule.KindAdded:
		return "New work orders"
	case schedule.KindRemoved:
		return "Cancelled work orders"
	case schedule.KindDateChanged:
		return "Rescheduled"
	case schedule.KindSwapped:
		return "Date swaps"
	}
	return string(k)
}

// RenderLine renders one entry as a single markup-lite line. All channels
// accept the same small HTML subset (b/i), so one renderer serves push,
// telegram and the email list items.
func RenderLine(e schedule.ChangeEntry) string {
	switch v := e.(type) {
	case schedule.Added:
		return fmt.Sprintf("➕ %s %s · %s",
			msgkit.B(v.Record.StoreLabel), place(v.Record), msgkit.Esc(v.Record.ScheduledDate))
	case schedule.Removed:
		return fmt.Sprintf("❌ %s %s · was %s",
			msgkit.B(v.Record.StoreLabel), place(v.Record), msgkit.Esc(v.Record.ScheduledDate))
	case schedule.DateChanged:
		return fmt.Sprintf("📅 %s %s · %s → %s",
			msgkit.B(v.Record.StoreLabel), place(v.Record),
			msgkit.Esc(v.OldDate), msgkit.Esc(v.NewDate))
	case schedule.Swapped:
		return fmt.Sprintf("🔁 %s ⇄ %s · %s ⇄ %s",
			msgkit.B(v.RecordA.StoreLabel), msgkit.B(v.RecordB.StoreLabel),
			msgkit.Esc(v.NewDateA), msgkit.Esc(v.NewDateB))
	}
	return ""
}

func place(r schedule.WorkOrderRecord) string {
	if r.LocationLabel == "" {
		return ""
	}
	return "(" + msgkit.Esc(r.LocationLabel).String() + ")"
}

// SummaryLine renders the per-category counts, skipping zero categories.
func SummaryLine(s schedule.Summary) string {
	parts := make([]string, 0, 4)
	if s.Removed > 0 {
		parts = append(parts, fmt.Sprintf("%d cancelled", s.Removed))
	}
	if s.Swapped > 0 {
		parts = append(parts, fmt.Sprintf("%d swapped", s.Swapped))
	}
	if s.DateChanged > 0 {
		parts = append(parts, fmt.Sprintf("%d rescheduled", s.DateChanged))
	}
	if s.Added > 0 {
		parts = append(parts, fmt.Sprintf("%d new", s.Added))
	}
	if len(parts) == 0 {
		return "Schedule changes: none"
	}
	return "Schedule changes: " + strings.Join(parts, ", ")
}

// Group is the rendered lines of one change category, in entry order.
type Group struct {
	Kind  schedule.ChangeKind
	Title string
	Lines []string
}

// GroupLines buckets a ChangeSet's entries by category in the fixed section
// order, rendering each entry once.
func GroupLines(cs schedule.ChangeSet) []Group {
	byKind := map[schedule.ChangeKind][]string{}
	for _, e := range cs.Entries {
		byKind[e.Kind()] = append(byKind[e.Kind()], RenderLine(e))
	}
	groups := make([]Group, 0, len(byKind))
	for _, k := range kindOrder {
		if lines := byKind[k]; len(lines) > 0 {
			groups = append(groups, Group{Kind: k, Title: KindTitle(k), Lines: lines})
		}
	}
	return groups
}
