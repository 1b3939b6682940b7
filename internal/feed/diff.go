package feed

import "sort"

type IDSet map[string]struct{}

func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s IDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DiffNew returns the ids in current that are not in previous. Neither
// argument is modified.
func DiffNew(previous IDSet, current []Entry) IDSet {
	fresh := make(IDSet)
	for _, e := range current {
		if !previous.Has(e.Issue.ID) {
			fresh.Add(e.Issue.ID)
		}
	}
	return fresh
}
