package conflict

import (
	"strconv"

	"github.com/hyperengineering/tether/internal/types"
)

// MergeArrays unions two arrays of keyed items. Items present on both sides
// take the remote version, in remote order; local-only items, which the
// remote has not seen yet, follow in local order. Items idOf cannot key are
// kept from both sides as they are.
func MergeArrays(localArr, remoteArr []any, idOf func(any) (string, bool)) []any {
	out := make([]any, 0, len(localArr)+len(remoteArr))
	seen := make(map[string]struct{}, len(remoteArr))

	for _, item := range remoteArr {
		if id, ok := idOf(item); ok {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, types.CloneValue(item))
	}

	for _, item := range localArr {
		id, ok := idOf(item)
		if ok {
			if _, known := seen[id]; known {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, types.CloneValue(item))
	}
	return out
}

// FieldID returns an id extractor for MergeArrays that reads field from
// object items. String and numeric ids are accepted.
func FieldID(field string) func(any) (string, bool) {
	return func(item any) (string, bool) {
		var m map[string]any
		switch v := item.(type) {
		case map[string]any:
			m = v
		case types.Fields:
			m = v
		default:
			return "", false
		}
		switch id := types.NormalizeValue(m[field]).(type) {
		case string:
			return id, id != ""
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64), true
		}
		return "", false
	}
}

// DeepMerge merges nested objects key by key. Where both sides hold an
// object the merge recurses; elsewhere the preferred side wins, and a key
// present on one side only is taken from that side. Arrays are atomic.
func DeepMerge(local, remote map[string]any, preferServer bool) map[string]any {
	out := make(map[string]any, len(local)+len(remote))

	for k, lv := range local {
		rv, ok := remote[k]
		if !ok {
			out[k] = types.CloneValue(lv)
			continue
		}
		lm, lok := asMap(lv)
		rm, rok := asMap(rv)
		switch {
		case lok && rok:
			out[k] = DeepMerge(lm, rm, preferServer)
		case preferServer:
			out[k] = types.CloneValue(rv)
		default:
			out[k] = types.CloneValue(lv)
		}
	}
	for k, rv := range remote {
		if _, ok := local[k]; !ok {
			out[k] = types.CloneValue(rv)
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.Fields:
		return m, true
	}
	return nil, false
}
