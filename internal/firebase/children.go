package firebase

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// Child is one direct child of a location, as seen by a child listener.
type Child struct {
	Key      string
	Value    json.RawMessage
	Priority *float64
}

func (c Child) snapshot() Snapshot {
	return Snapshot{Key: c.Key, Value: c.Value, Priority: c.Priority}
}

// CompareKeys orders keys the way the database does: keys that parse as
// 32-bit integers first in numeric order, then the rest lexicographically.
func CompareKeys(a, b string) int {
	ai, aok := intKey(a)
	bi, bok := intKey(b)
	switch {
	case aok && bok:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aok:
		return -1
	case bok:
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func intKey(k string) (int64, bool) {
	if k == "" || (len(k) > 1 && k[0] == '0') || k == "-0" {
		return 0, false
	}
	n, err := strconv.ParseInt(k, 10, 32)
	return n, err == nil
}

// SortChildren orders children by priority (absent first, then ascending)
// and then by key.
func SortChildren(children []Child) {
	sort.SliceStable(children, func(i, j int) bool {
		pi, pj := children[i].Priority, children[j].Priority
		switch {
		case pi == nil && pj != nil:
			return true
		case pi != nil && pj == nil:
			return false
		case pi != nil && pj != nil && *pi != *pj:
			return *pi < *pj
		}
		return CompareKeys(children[i].Key, children[j].Key) < 0
	})
}

// DiffChildren computes the child events that turn the ordered list before
// into the ordered list after. Removals come first, then additions, then
// changes and moves in the order of after.
func DiffChildren(before, after []Child) []Event {
	oldIdx := make(map[string]int, len(before))
	for i, c := range before {
		oldIdx[c.Key] = i
	}
	newIdx := make(map[string]int, len(after))
	for i, c := range after {
		newIdx[c.Key] = i
	}

	var events []Event
	for _, c := range before {
		if _, ok := newIdx[c.Key]; !ok {
			events = append(events, Event{Type: EventChildRemoved, Snapshot: c.snapshot()})
		}
	}
	for i, c := range after {
		if _, ok := oldIdx[c.Key]; !ok {
			events = append(events, Event{Type: EventChildAdded, Snapshot: c.snapshot(), PrevKey: prevKey(after, i)})
		}
	}
	for i, c := range after {
		j, ok := oldIdx[c.Key]
		if !ok {
			continue
		}
		old := before[j]
		if sameJSON(old.Value, c.Value) && samePriority(old.Priority, c.Priority) {
			continue
		}
		prev := prevKey(after, i)
		events = append(events, Event{Type: EventChildChanged, Snapshot: c.snapshot(), PrevKey: prev})
		if prevSurvivor(before, j, newIdx) != prev {
			events = append(events, Event{Type: EventChildMoved, Snapshot: c.snapshot(), PrevKey: prev})
		}
	}
	return events
}

// InitialChildEvents returns the child_added events announcing children to a
// fresh subscriber.
func InitialChildEvents(children []Child) []Event {
	events := make([]Event, 0, len(children))
	for i, c := range children {
		events = append(events, Event{Type: EventChildAdded, Snapshot: c.snapshot(), PrevKey: prevKey(children, i)})
	}
	return events
}

func prevKey(children []Child, i int) string {
	if i == 0 {
		return ""
	}
	return children[i-1].Key
}

// prevSurvivor finds the closest earlier sibling in before that still
// exists afterwards, so removals alone do not count as moves.
func prevSurvivor(before []Child, i int, keep map[string]int) string {
	for k := i - 1; k >= 0; k-- {
		if _, ok := keep[before[k].Key]; ok {
			return before[k].Key
		}
	}
	return ""
}

func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func samePriority(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ChildrenOf decodes a JSON object into its children ordered by key.
// Values that are not objects have no children.
func ChildrenOf(value json.RawMessage) []Child {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return nil
	}
	children := make([]Child, 0, len(m))
	for k, v := range m {
		if k == ".priority" || k == ".value" {
			continue
		}
		children = append(children, Child{Key: k, Value: v})
	}
	SortChildren(children)
	return children
}

// WithPriority wraps value so that writing it stores priority as well.
func WithPriority(value json.RawMessage, priority float64) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err == nil && obj != nil {
		p, err := json.Marshal(priority)
		if err != nil {
			return nil, err
		}
		obj[".priority"] = p
		return json.Marshal(obj)
	}
	return json.Marshal(map[string]any{
		".value":    value,
		".priority": priority,
	})
}
