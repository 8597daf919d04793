package classification

import (
	"reflect"
	"testing"
)

func TestFilterLabels(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		max  int
		want []string
	}{
		{"empty input", nil, 3, []string{}},
		{"blank names dropped", []string{" ", ""}, 3, []string{}},
		{"spam beats personal", []string{"Personal", "Spam"}, 3, []string{"Spam"}},
		{"urgent beats important", []string{"Important", "Urgent"}, 3, []string{"Urgent"}},
		{"action status exclusive", []string{"FYI", "To Reply", "Awaiting Reply"}, 3, []string{"To Reply"}},
		{"one business type", []string{"Invoice", "Quotes"}, 3, []string{"Quotes"}},
		{"different groups coexist", []string{"Quotes", "Urgent", "To Reply"}, 3, []string{"Urgent", "Quotes", "To Reply"}},
		{"truncated by priority", []string{"Investor", "Quotes", "Urgent", "To Reply"}, 3, []string{"Urgent", "Quotes", "To Reply"}},
		{"trimmed and deduplicated", []string{" Spam ", "spam", "Spam"}, 3, []string{"Spam"}},
		{"equal priority tie is alphabetical", []string{"Marketing", "Cold Email"}, 3, []string{"Cold Email"}},
		{"unknown labels keep first alphabetically", []string{"zeta", "Alpha", "mid", "beta"}, 3, []string{"Alpha", "beta", "mid"}},
		{"unknown ranks below known", []string{"Custom", "FYI"}, 3, []string{"FYI", "Custom"}},
		{"default max applies", []string{"Urgent", "Quotes", "To Reply", "Investor", "Archive"}, 0, []string{"Urgent", "Quotes", "To Reply"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterLabels(tt.in, tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterLabels(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterLabelsProperties(t *testing.T) {
	inputs := [][]string{
		{"Spam", "Personal", "Marketing", "Urgent", "Important", "To Reply", "FYI"},
		{"Quotes", "Job Inquiry", "Complaint", "Investor", "Supplier", "Archive"},
		{"Newsletter", "Receipt", "Actioned", "Follow-up", "Scheduling"},
		{"x", "y", "Spam", "z", "Calendar"},
	}

	for _, in := range inputs {
		for max := 1; max <= 4; max++ {
			once := FilterLabels(in, max)
			if len(once) > max {
				t.Errorf("FilterLabels(%v, %d) returned %d labels", in, max, len(once))
			}

			for _, group := range exclusiveGroups {
				count := 0
				for _, name := range once {
					for _, member := range group {
						if labelKey(name) == labelKey(member) {
							count++
						}
					}
				}
				if count > 1 {
					t.Errorf("FilterLabels(%v, %d) = %v keeps %d labels of group %v", in, max, once, count, group)
				}
			}

			twice := FilterLabels(once, max)
			if !reflect.DeepEqual(once, twice) {
				t.Errorf("FilterLabels not idempotent: %v then %v", once, twice)
			}
		}
	}
}

func TestLabelPriorityUnknownIsZero(t *testing.T) {
	if got := LabelPriority("Some New Label"); got != 0 {
		t.Errorf("expected sentinel 0 for unknown label, got %d", got)
	}
	if got := LabelPriority("spam"); got != 10 {
		t.Errorf("expected case-insensitive lookup for spam, got %d", got)
	}
	if got := LabelCategory("Quotes"); got != "business_type" {
		t.Errorf("expected business_type, got %s", got)
	}
	if got := LabelCategory("Custom"); got != "other" {
		t.Errorf("expected other, got %s", got)
	}
}
