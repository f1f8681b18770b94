package bgstatus

import (
	"sort"
	"strconv"
	"strings"
)

// Transform normalizes a raw payload. It never fails: progress keys that do
// not parse are reported in Status.Rejected and otherwise dropped.
func Transform(raw Payload) Status {
	return Normalize(Status{Fields: raw})
}

// Normalize re-applies the transform to a status. When Fields holds no
// progress keys the existing ProgressItems are kept, so Normalize on the
// output of Transform changes nothing.
func Normalize(s Status) Status {
	out := Status{
		Fields:   make(Payload, len(s.Fields)),
		Rejected: append([]string(nil), s.Rejected...),
	}

	items := make(map[int]*ProgressItem)
	for _, key := range sortedKeys(s.Fields) {
		val := s.Fields[key]
		if !strings.HasPrefix(key, ProgressPrefix) {
			out.Fields[key] = val
			continue
		}

		idx, field, ok := parseProgressKey(key)
		if !ok {
			out.Rejected = append(out.Rejected, key)
			continue
		}

		var nested map[string]any
		if field == "" {
			nested, ok = asFieldMap(val)
			if !ok {
				out.Rejected = append(out.Rejected, key)
				continue
			}
		}

		item, exists := items[idx]
		if !exists {
			item = &ProgressItem{Index: idx, Fields: make(map[string]any)}
			items[idx] = item
		}
		if field == "" {
			for k, v := range nested {
				item.Fields[k] = v
			}
		} else {
			item.Fields[field] = val
		}
	}

	if len(items) == 0 {
		out.ProgressItems = cloneItems(s.ProgressItems)
		return out
	}

	out.ProgressItems = make([]ProgressItem, 0, len(items))
	for _, it := range items {
		out.ProgressItems = append(out.ProgressItems, *it)
	}
	sort.SliceStable(out.ProgressItems, func(i, j int) bool {
		return out.ProgressItems[i].Index < out.ProgressItems[j].Index
	})
	return out
}

// parseProgressKey splits PACKAGE_PROGRESS_<index>[_<field>]. The index must
// be a plain non-negative decimal; a trailing "_" with no field is invalid.
func parseProgressKey(key string) (int, string, bool) {
	rest := strings.TrimPrefix(key, ProgressPrefix)
	idxPart, field, hasField := strings.Cut(rest, "_")
	if idxPart == "" || (hasField && field == "") {
		return 0, "", false
	}
	for _, r := range idxPart {
		if r < '0' || r > '9' {
			return 0, "", false
		}
	}
	idx, err := strconv.Atoi(idxPart)
	if err != nil {
		return 0, "", false
	}
	return idx, field, true
}

func asFieldMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Payload:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func sortedKeys(p Payload) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneItems(in []ProgressItem) []ProgressItem {
	if in == nil {
		return nil
	}
	out := make([]ProgressItem, len(in))
	copy(out, in)
	return out
}
