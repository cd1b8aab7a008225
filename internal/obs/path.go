package obs

import "strings"

// CanonicalPath collapses per-entity path segments so metric label
// cardinality stays bounded. Unknown paths are returned as-is.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "keypasses":
		// /v1/keypasses/{code}/validate, /v1/keypasses/{code}/revoke
		if parts[2] != "claim" {
			parts[2] = ":code"
		}
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "purchases":
		parts[2] = ":id"
	default:
		return path
	}
	return "/" + strings.Join(parts, "/")
}
