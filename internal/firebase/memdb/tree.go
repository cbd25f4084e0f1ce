package memdb

import (
	"encoding/json"
	"strconv"
	"strings"

	"firelink/internal/firebase"
)

// tree holds decoded JSON: map[string]any for objects, float64, string and
// bool for leaves. A nil value means the location is empty. Priorities are
// kept aside, keyed by absolute path.
type tree struct {
	root       any
	priorities map[string]float64
}

func newTree() *tree {
	return &tree{priorities: make(map[string]float64)}
}

func (t *tree) get(segs []string) any {
	cur := t.root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[s]
	}
	return cur
}

// set replaces the value at segs. A nil value deletes it; parents left
// empty disappear with it.
func (t *tree) set(segs []string, v any) {
	t.root = setAt(t.root, segs, v)
	t.prune()
}

func setAt(cur any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := cur.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	child := setAt(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// prune drops priorities of locations that no longer hold a value.
func (t *tree) prune() {
	for p := range t.priorities {
		if t.get(firebase.SplitPath(p)) == nil {
			delete(t.priorities, p)
		}
	}
}

// clearPriorities forgets the priorities at and below segs.
func (t *tree) clearPriorities(segs []string) {
	prefix := firebase.JoinPath(segs)
	for p := range t.priorities {
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			delete(t.priorities, p)
		}
	}
}

func (t *tree) priority(segs []string) *float64 {
	p, ok := t.priorities[firebase.JoinPath(segs)]
	if !ok {
		return nil
	}
	return &p
}

func (t *tree) snapshot(segs []string) firebase.Snapshot {
	key := ""
	if len(segs) > 0 {
		key = segs[len(segs)-1]
	}
	return firebase.Snapshot{
		Key:      key,
		Value:    encode(t.get(segs)),
		Priority: t.priority(segs),
	}
}

func (t *tree) children(segs []string) []firebase.Child {
	m, ok := t.get(segs).(map[string]any)
	if !ok {
		return nil
	}
	children := make([]firebase.Child, 0, len(m))
	for k, v := range m {
		children = append(children, firebase.Child{
			Key:      k,
			Value:    encode(v),
			Priority: t.priority(append(append([]string(nil), segs...), k)),
		})
	}
	firebase.SortChildren(children)
	return children
}

func encode(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// decode parses a written value, normalizing arrays into objects and
// collecting ".priority" entries found at any depth.
func decode(raw json.RawMessage, segs []string, priorities map[string]float64) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, firebase.Errorf(firebase.CodeInvalidArgument, "value is not valid JSON: %v", err)
	}
	return importValue(v, segs, priorities)
}

func importValue(v any, segs []string, priorities map[string]float64) (any, error) {
	switch t := v.(type) {
	case []any:
		m := make(map[string]any, len(t))
		for i, c := range t {
			m[strconv.Itoa(i)] = c
		}
		return importValue(m, segs, priorities)
	case map[string]any:
		if p, ok := t[".priority"]; ok {
			if f, ok := p.(float64); ok {
				priorities[firebase.JoinPath(segs)] = f
			}
		}
		if inner, ok := t[".value"]; ok {
			return importValue(inner, segs, priorities)
		}
		out := make(map[string]any, len(t))
		for k, c := range t {
			if k == ".priority" {
				continue
			}
			childSegs := append(append([]string(nil), segs...), k)
			if err := firebase.ValidatePath(childSegs[len(childSegs)-1:]); err != nil {
				return nil, err
			}
			val, err := importValue(c, childSegs, priorities)
			if err != nil {
				return nil, err
			}
			if val != nil {
				out[k] = val
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return t, nil
	}
}
