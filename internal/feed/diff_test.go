package feed

import "testing"

func entries(ids ...string) []Entry {
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry{Issue: issueAt(id, nyc)})
	}
	return out
}

func TestDiffNew(t *testing.T) {
	tests := []struct {
		name     string
		previous IDSet
		current  []Entry
		want     []string
	}{
		{"all seen", IDSet{"a": {}, "b": {}}, entries("a", "b"), []string{}},
		{"one arrival", IDSet{"a": {}}, entries("a", "b"), []string{"b"}},
		{"empty previous flags everything", IDSet{}, entries("a", "b"), []string{"a", "b"}},
		{"nil previous flags everything", nil, entries("c"), []string{"c"}},
		{"removals are not reported", IDSet{"a": {}, "z": {}}, entries("a"), []string{}},
		{"empty current", IDSet{"a": {}}, nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiffNew(tt.previous, tt.current).Sorted()
			if !equalIDs(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDiffNew_DoesNotMutateInputs(t *testing.T) {
	previous := IDSet{"a": {}}
	current := entries("a", "b")

	DiffNew(previous, current)

	if len(previous) != 1 || !previous.Has("a") {
		t.Errorf("previous was modified: %v", previous)
	}
	if len(current) != 2 || current[0].Issue.ID != "a" || current[1].Issue.ID != "b" {
		t.Errorf("current was modified: %v", current)
	}
}
