// Package uritemplate expands the simple {var} URL templates carried in
// meta posts. Only simple string expansion is supported; that is all the
// protocol's server templates use.
package uritemplate

import (
	"net/url"
	"regexp"
)

var varPattern = regexp.MustCompile(`\{([^}]+)\}`)

// Expand substitutes {name} occurrences in template with the URL-escaped
// value from params. Unknown variables expand to the empty string.
func Expand(template string, params map[string]string) string {
	return varPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		return url.QueryEscape(params[name])
	})
}

// Strip removes template braces without substituting, yielding a parseable
// URL skeleton for host comparison.
func Strip(template string) string {
	return varPattern.ReplaceAllStringFunc(template, func(m string) string {
		return m[1 : len(m)-1]
	})
}
