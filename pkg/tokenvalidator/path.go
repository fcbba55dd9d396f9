package tokenvalidator

import "strings"

// GetPath resolves a dot-separated path against nested maps, e.g.
// "resource_access.my-client.roles". Returns (nil, false) if any segment
// is absent or the traversal hits a non-map value before path end.
func GetPath(m map[string]any, path string) (any, bool) {
	return getNestedPath(m, path)
}

func getNestedPath(m map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = map[string]any(m)
	for _, seg := range segments {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := asMap[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
