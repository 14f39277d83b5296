// Package payload turns arbitrary reader notification bodies into candidate tag
// reads and pulls the canonical fields out of each one.
package payload

import "iter"

// MaxDepth bounds recursion into nested payloads. Deeper subtrees are dropped.
const MaxDepth = 32

// collectionKeys name the vendor aliases that wrap a list of events.
// Order matters: only the first key holding a list is expanded.
var collectionKeys = []string{
	"notifications",
	"Notification",
	"events",
	"items",
	"records",
	"tagReport",
	"tagReportData",
	"tag_reads",
	"tags",
}

// containerKeys name single-item wrappers around an event or a list of events.
var containerKeys = []string{"data", "eventData"}

// Walk yields every candidate event object found in v, in document order.
// Lists are flattened, collection and container keys are followed, and any
// other object is yielded as-is. Scalars yield nothing.
func Walk(v any) iter.Seq[map[string]any] {
	return func(yield func(map[string]any) bool) {
		walk(v, 0, yield)
	}
}

// walk returns false once the consumer stops the iteration.
func walk(v any, depth int, yield func(map[string]any) bool) bool {
	if depth > MaxDepth {
		return true
	}
	switch t := v.(type) {
	case []any:
		return walkList(t, depth, yield)
	case map[string]any:
		for _, k := range collectionKeys {
			if list, ok := t[k].([]any); ok {
				return walkList(list, depth, yield)
			}
		}
		for _, k := range containerKeys {
			switch inner := t[k].(type) {
			case map[string]any, []any:
				return walk(inner, depth+1, yield)
			}
		}
		return yield(t)
	default:
		return true
	}
}

func walkList(list []any, depth int, yield func(map[string]any) bool) bool {
	for _, el := range list {
		if !walk(el, depth+1, yield) {
			return false
		}
	}
	return true
}
