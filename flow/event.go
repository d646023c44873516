package flow

import "sort"

const DefaultPriority = -1

// Event is a directed edge between two nodes of the arena.
type Event struct {
	Index         int
	MetaId        string
	Name          string
	From          int
	To            int
	ConditionRule string
	Priority      int
}

// SortByPriority orders event indexes ascending by priority, keeping
// declaration order on ties.
func SortByPriority(events []Event, out []int) {
	sort.SliceStable(out, func(i, j int) bool {
		return events[out[i]].Priority < events[out[j]].Priority
	})
}
