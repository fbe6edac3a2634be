// Package negotiate selects an attachment representation from a post's
// variants and an Accept header.
package negotiate

import (
	"strings"

	"github.com/tentfed/tentd/internal/domain"
)

// Attachment picks the attachment variant of post matching name and the
// Accept header. Variants are first narrowed by name; unless the header is
// the universal wildcard (or absent), they are then narrowed to an exact
// match on the header's first offered type. No quality-value negotiation
// happens beyond taking the first listed type. The boolean is false when
// nothing matches.
func Attachment(post *domain.Post, name, accept string) (domain.Attachment, bool) {
	var candidates []domain.Attachment
	for _, a := range post.Attachments {
		if a.Name == name {
			candidates = append(candidates, a)
		}
	}

	offered := firstOffered(accept)
	if offered != "" && offered != "*/*" {
		var filtered []domain.Attachment
		for _, a := range candidates {
			if a.ContentType == offered {
				filtered = append(filtered, a)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		return domain.Attachment{}, false
	}
	return candidates[0], true
}

// firstOffered extracts the first media type of an Accept header,
// discarding parameters and any further alternatives.
func firstOffered(accept string) string {
	first, _, _ := strings.Cut(accept, ";")
	first, _, _ = strings.Cut(first, ",")
	return strings.TrimSpace(first)
}
