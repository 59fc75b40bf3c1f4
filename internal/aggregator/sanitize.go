package aggregator

import "strings"

// Sanitize replaces any character outside [A-Za-z0-9_] with an
// underscore, used to build the {sanitized-server-name}__{tool} prefix
// on every aggregated tool name.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SplitPrefixedName splits a prefixed tool name on its first "__" into
// (serverPrefix, originalToolName). ok is false if no separator exists.
func SplitPrefixedName(name string) (serverPrefix, original string, ok bool) {
	idx := strings.Index(name, "__")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}

// PrefixedName builds the aggregated name for a tool from a server.
func PrefixedName(serverName, toolName string) string {
	return Sanitize(serverName) + "__" + toolName
}
