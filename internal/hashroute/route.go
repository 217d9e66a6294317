package hashroute

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// CanonicalKey builds the stream key for a row from its primary key values in key order.
// Values are not case folded: primary keys are case sensitive.
func CanonicalKey(table string, pk []string, fields map[string]any) string {
	var b strings.Builder
	b.WriteString(table)
	for _, name := range pk {
		b.WriteByte(0)
		b.WriteString(formatValue(fields[name]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x01"
	case string:
		return x
	case []byte:
		return fmt.Sprintf("%x", x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+formatValue(x[k]))
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return fmt.Sprint(x)
	}
}

// QueueForKey selects one of n queues for key; hash(key) % n.
func QueueForKey(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}
