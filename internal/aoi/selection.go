package aoi

import "sort"

// Selection is the set of AOI IDs the participant has toggled on for the
// current image. It is owned by the tick loop and not safe for concurrent use.
type Selection struct {
	ids map[int]struct{}
}

// NewSelection returns an empty selection.
func NewSelection() *Selection {
	return &Selection{ids: make(map[int]struct{})}
}

// Toggle flips membership of id and reports whether it is now selected.
func (s *Selection) Toggle(id int) bool {
	if _, ok := s.ids[id]; ok {
		delete(s.ids, id)
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Contains reports whether id is selected.
func (s *Selection) Contains(id int) bool {
	_, ok := s.ids[id]
	return ok
}

// Clear empties the selection.
func (s *Selection) Clear() {
	clear(s.ids)
}

// Len is the number of selected AOIs.
func (s *Selection) Len() int {
	return len(s.ids)
}

// IDs returns the selected IDs in ascending order.
func (s *Selection) IDs() []int {
	out := make([]int, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
