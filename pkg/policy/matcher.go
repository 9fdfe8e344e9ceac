package policy

import "strings"

// matchWildcard matches a resource pattern against a value: '*' matches
// any sequence of characters (including none), '?' matches exactly one
// character. Everything else matches literally.
func matchWildcard(pattern, value string) bool {
	return matchWildcardNode(pattern, value)
}

// matchWildcardNode is a small recursive-descent matcher that consumes
// pattern one character at a time against value, backtracking on '*' by
// trying every possible split of the remaining value.
func matchWildcardNode(pattern, value string) bool {
	if pattern == "" {
		return value == ""
	}
	if pattern == "*" {
		return true
	}

	switch pattern[0] {
	case '*':
		// Try consuming zero or more characters of value for this '*'.
		for i := 0; i <= len(value); i++ {
			if matchWildcardNode(pattern[1:], value[i:]) {
				return true
			}
		}
		return false
	case '?':
		if value == "" {
			return false
		}
		return matchWildcardNode(pattern[1:], value[1:])
	default:
		if value == "" || pattern[0] != value[0] {
			return false
		}
		return matchWildcardNode(pattern[1:], value[1:])
	}
}

// substituteVariables replaces ${namespace.key}-style template variables in
// template using the session's attribute namespaces, so resource templates
// are compared against fully resolved values.
func substituteVariables(template string, lookup func(namespace, key string) string) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		start := strings.Index(template[i:], "${")
		if start == -1 {
			b.WriteString(template[i:])
			break
		}
		start += i
		b.WriteString(template[i:start])

		end := strings.Index(template[start:], "}")
		if end == -1 {
			b.WriteString(template[start:])
			break
		}
		end += start

		ref := template[start+2 : end]
		parts := strings.SplitN(ref, ".", 2)
		if len(parts) == 2 {
			b.WriteString(lookup(parts[0], parts[1]))
		} else {
			b.WriteString(template[start : end+1])
		}
		i = end + 1
	}
	return b.String()
}
