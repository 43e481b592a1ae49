package retrieval

// Query templates are neutral trees (maps, slices, scalars) of unknown depth.
// Both placeholder substitution and field validation are plain recursive
// walks over that representation.

// replacePlaceholder returns a copy of node with every leaf string equal to
// placeholder replaced by value, plus the number of replacements made.
func replacePlaceholder(node interface{}, placeholder string, value interface{}) (interface{}, int) {
	switch t := node.(type) {
	case string:
		if t == placeholder {
			return value, 1
		}
		return t, 0
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		n := 0
		for k, v := range t {
			nv, c := replacePlaceholder(v, placeholder, value)
			out[k] = nv
			n += c
		}
		return out, n
	case []interface{}:
		out := make([]interface{}, len(t))
		n := 0
		for i, v := range t {
			nv, c := replacePlaceholder(v, placeholder, value)
			out[i] = nv
			n += c
		}
		return out, n
	default:
		return node, 0
	}
}

// filterOps are the leaf clause operators whose immediate keys (or "field"
// entries) name index fields.
var filterOps = map[string]bool{
	"term":         true,
	"terms":        true,
	"match":        true,
	"match_phrase": true,
	"prefix":       true,
	"wildcard":     true,
	"range":        true,
}

// collectFieldRefs walks a request body and gathers every field name a leaf
// filter clause references.
func collectFieldRefs(node interface{}, out map[string]bool) {
	m, ok := node.(map[string]interface{})
	if !ok {
		if list, ok := node.([]interface{}); ok {
			for _, v := range list {
				collectFieldRefs(v, out)
			}
		}
		return
	}
	for key, v := range m {
		switch {
		case filterOps[key]:
			if clause, ok := v.(map[string]interface{}); ok {
				for field := range clause {
					out[field] = true
				}
			}
		case key == "exists":
			if clause, ok := v.(map[string]interface{}); ok {
				if field, ok := clause["field"].(string); ok {
					out[field] = true
				}
			}
		case key == "knn":
			if clause, ok := v.(map[string]interface{}); ok {
				if field, ok := clause["field"].(string); ok {
					out[field] = true
				}
				collectFieldRefs(clause["filter"], out)
			}
		default:
			collectFieldRefs(v, out)
		}
	}
}
