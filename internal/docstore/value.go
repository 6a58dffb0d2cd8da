// Package docstore implements a small document store with the contract the
// call-signaling layer needs: lazy document creation, merge-only per-field
// updates, reads, and full-document change subscriptions. Three
// implementations share one interface: an in-memory store, a websocket
// server persisting to SQLite, and a websocket client.
package docstore

// Value is a JSON document or a partial field map for a merge. Nested maps
// merge field-by-field; any other value overwrites (last write wins). A nil
// field is stored as an explicit null, a tombstone distinct from absence.
type Value map[string]any

// Merge applies patch onto dst and returns dst. dst may be nil, in which case
// a new map is allocated. Patch sub-maps are merged recursively; everything
// else, including explicit nulls, replaces the existing field.
func Merge(dst, patch Value) Value {
	if dst == nil {
		dst = make(Value, len(patch))
	}
	for k, v := range patch {
		pm, patchIsMap := asMap(v)
		if !patchIsMap {
			dst[k] = v
			continue
		}
		dm, dstIsMap := asMap(dst[k])
		if !dstIsMap {
			dst[k] = Clone(pm)
			continue
		}
		dst[k] = Merge(dm, pm)
	}
	return dst
}

// Clone returns a deep copy of v. Non-map, non-slice leaves are shared;
// documents hold only JSON scalars, which are immutable.
func Clone(v Value) Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, val := range v {
		out[k] = cloneAny(val)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case Value:
		return Clone(t)
	case map[string]any:
		return Clone(Value(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (Value, bool) {
	switch t := v.(type) {
	case Value:
		return t, true
	case map[string]any:
		return Value(t), true
	default:
		return nil, false
	}
}
