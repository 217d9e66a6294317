package crdt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Get walks a dotted path through nested maps and slices.
func Get(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set replaces the value at an existing or new path. Intermediate maps are created;
// slice positions must already exist.
func Set(doc map[string]any, path string, v any) error {
	segs := strings.Split(path, ".")
	var cur any = doc
	for i, seg := range segs {
		last := i == len(segs)-1
		switch node := cur.(type) {
		case map[string]any:
			if last {
				node[seg] = v
				return nil
			}
			next, ok := node[seg]
			if !ok || next == nil {
				next = map[string]any{}
				node[seg] = next
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("path %q: no element %q", path, seg)
			}
			if last {
				node[idx] = v
				return nil
			}
			cur = node[idx]
		default:
			return fmt.Errorf("path %q: %q is not a container", path, strings.Join(segs[:i], "."))
		}
	}
	return nil
}

// Extract collects every counter in a field tree keyed by dotted path.
func Extract(fields map[string]any) map[string]Counter {
	out := map[string]Counter{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch x := v.(type) {
		case Counter:
			out[prefix] = x
		case map[string]any:
			for k, child := range x {
				walk(join(prefix, k), child)
			}
		case []any:
			for i, child := range x {
				walk(join(prefix, strconv.Itoa(i)), child)
			}
		}
	}
	for k, v := range fields {
		walk(k, v)
	}
	return out
}

// Install places counters back into a field tree, shortest paths first.
func Install(fields map[string]any, counters map[string]Counter) error {
	paths := make([]string, 0, len(counters))
	for p := range counters {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := Set(fields, p, counters[p]); err != nil {
			return err
		}
	}
	return nil
}

func join(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}
