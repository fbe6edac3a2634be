// Package linkheader parses and renders HTTP Link headers as used by the
// protocol: discovery hints and credential-post pointers.
package linkheader

import (
	"fmt"
	"regexp"
	"strings"
)

// Link is one Link header entry.
type Link struct {
	URL string
	Rel string
}

var entryPattern = regexp.MustCompile(`<([^>]*)>((?:\s*;\s*[a-zA-Z*]+=(?:"[^"]*"|[^,;]+))*)`)
var relPattern = regexp.MustCompile(`rel=(?:"([^"]*)"|([^,;]+))`)

// Parse extracts all entries from one or more comma-joined Link header
// values. Entries without a rel parameter are kept with an empty Rel.
func Parse(header string) []Link {
	var links []Link
	for _, m := range entryPattern.FindAllStringSubmatch(header, -1) {
		link := Link{URL: m[1]}
		if rel := relPattern.FindStringSubmatch(m[2]); rel != nil {
			if rel[1] != "" {
				link.Rel = rel[1]
			} else {
				link.Rel = strings.TrimSpace(rel[2])
			}
		}
		links = append(links, link)
	}
	return links
}

// Find returns the first link with the given relation.
func Find(links []Link, rel string) (Link, bool) {
	for _, l := range links {
		if l.Rel == rel {
			return l, true
		}
	}
	return Link{}, false
}

// Format renders one entry for a response header.
func Format(l Link) string {
	return fmt.Sprintf(`<%s>; rel="%s"`, l.URL, l.Rel)
}
