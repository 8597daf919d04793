package classification

import (
	"sort"
	"strings"

	"mailflow/pkg/logger"
)

// DefaultMaxLabels bounds the labels applied to one message.
const DefaultMaxLabels = 3

// =============================================================================
// Label tables
// =============================================================================

// exclusiveGroups: at most one label of each group survives.
var exclusiveGroups = [][]string{
	{"Spam", "Personal", "Marketing", "Cold Email", "Newsletter", "Notification", "Receipt", "Calendar"},
	{"To Reply", "Awaiting Reply", "Actioned", "FYI"},
	{"Urgent", "Important"},
}

// labelCategories: at most one label per category survives.
var labelCategories = map[string][]string{
	"content_type":   {"Spam", "Personal", "Marketing", "Cold Email", "Newsletter", "Notification", "Receipt", "Calendar"},
	"action_status":  {"To Reply", "Awaiting Reply", "Actioned", "FYI"},
	"business_type":  {"Quotes", "Job Inquiry", "Scheduling", "Follow-up", "Complaint", "Invoice", "Documents", "Support Ticket"},
	"priority":       {"Urgent", "Important"},
	"relationship":   {"Investor", "Supplier", "Networking"},
	"organizational": {"Archive"},
}

// labelPriorities: higher wins a conflict. Labels not listed rank 0.
var labelPriorities = map[string]int{
	"Spam":           10,
	"Urgent":         9,
	"Important":      8,
	"Complaint":      7,
	"To Reply":       6,
	"Job Inquiry":    6,
	"Quotes":         6,
	"Follow-up":      5,
	"Awaiting Reply": 4,
	"Scheduling":     4,
	"Documents":      4,
	"Investor":       4,
	"Personal":       3,
	"Support Ticket": 3,
	"Supplier":       3,
	"Marketing":      2,
	"Cold Email":     2,
	"FYI":            2,
	"Networking":     2,
	"Actioned":       1,
	"Archive":        1,
	"Newsletter":     1,
	"Notification":   1,
	"Receipt":        1,
	"Calendar":       1,
	"Invoice":        1,
}

var (
	priorityByKey = map[string]int{}
	groupsByKey   = map[string][]int{}
	categoryByKey = map[string]string{}
)

func init() {
	for name, p := range labelPriorities {
		priorityByKey[labelKey(name)] = p
	}
	for i, group := range exclusiveGroups {
		for _, name := range group {
			groupsByKey[labelKey(name)] = append(groupsByKey[labelKey(name)], i)
		}
	}
	for category, names := range labelCategories {
		for _, name := range names {
			categoryByKey[labelKey(name)] = category
		}
	}
}

func labelKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// LabelPriority returns the configured priority of a label name, 0 when unknown.
func LabelPriority(name string) int {
	return priorityByKey[labelKey(name)]
}

// LabelCategory returns the category of a label name, "other" when unknown.
func LabelCategory(name string) string {
	if c, ok := categoryByKey[labelKey(name)]; ok {
		return c
	}
	return "other"
}

// =============================================================================
// Filter
// =============================================================================

// FilterLabels removes contradictory labels and bounds the result to maxLabels.
// The result is ordered by priority descending, then alphabetically, and
// FilterLabels(FilterLabels(x)) == FilterLabels(x).
func FilterLabels(raw []string, maxLabels int) []string {
	if maxLabels <= 0 {
		maxLabels = DefaultMaxLabels
	}

	seen := make(map[string]bool, len(raw))
	candidates := make([]string, 0, len(raw))
	for _, name := range raw {
		name = strings.TrimSpace(name)
		if name == "" || seen[labelKey(name)] {
			continue
		}
		seen[labelKey(name)] = true
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return []string{}
	}

	sortByPriority(candidates)

	// Walking in priority order means every kept label beats the ones evicted after it.
	takenGroups := map[int]string{}
	takenCategories := map[string]string{}
	kept := make([]string, 0, len(candidates))

	for _, name := range candidates {
		key := labelKey(name)

		if winner, conflict := groupConflict(key, takenGroups); conflict {
			logger.Info("[FilterLabels] Skipped %s (conflicts with %s)", name, winner)
			continue
		}
		category, hasCategory := categoryByKey[key]
		if hasCategory {
			if winner, ok := takenCategories[category]; ok {
				logger.Info("[FilterLabels] Skipped %s (category %s already has %s)", name, category, winner)
				continue
			}
		}

		for _, g := range groupsByKey[key] {
			takenGroups[g] = name
		}
		if hasCategory {
			takenCategories[category] = name
		}
		kept = append(kept, name)
	}

	if len(kept) > maxLabels {
		logger.Info("[FilterLabels] Limited labels to %d: %v", maxLabels, kept[:maxLabels])
		kept = kept[:maxLabels]
	}
	return kept
}

func groupConflict(key string, taken map[int]string) (string, bool) {
	for _, g := range groupsByKey[key] {
		if winner, ok := taken[g]; ok {
			return winner, true
		}
	}
	return "", false
}

func sortByPriority(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		pi, pj := LabelPriority(names[i]), LabelPriority(names[j])
		if pi != pj {
			return pi > pj
		}
		return labelKey(names[i]) < labelKey(names[j])
	})
}
