// Package tenttype parses and compares Tent post type URIs.
//
// A post type is a URI with an optional fragment qualifying a sub-type,
// e.g. "https://tent.io/types/relationship/v0#initial". Scope entries in
// credentials posts reference these types, with "all" acting as a wildcard.
package tenttype

import (
	"fmt"
	"net/url"
	"strings"
)

// Wildcard is the scope entry that matches every post type.
const Wildcard = "all"

// Type is a parsed post type identifier.
type Type struct {
	Base        string
	Fragment    string
	HasFragment bool
}

// Parse splits a type string into base URI and fragment.
// A type with a trailing "#" has an empty but present fragment.
func Parse(s string) (Type, error) {
	base, fragment, hasFragment := strings.Cut(s, "#")

	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Type{}, fmt.Errorf("malformed post type %q", s)
	}

	return Type{
		Base:        base,
		Fragment:    fragment,
		HasFragment: hasFragment,
	}, nil
}

// String renders the type back to its wire form.
func (t Type) String() string {
	if t.HasFragment {
		return t.Base + "#" + t.Fragment
	}
	return t.Base
}

// BaseEqual reports whether both types share the same base URI.
func (t Type) BaseEqual(other Type) bool {
	return t.Base == other.Base
}

// FragmentCompatible reports whether t accepts other's fragment: true when t
// carries no fragment requirement, or when both fragments are equal.
func (t Type) FragmentCompatible(other Type) bool {
	if !t.HasFragment {
		return true
	}
	return t.Fragment == other.Fragment
}

// MatchesScope reports whether a granted scope entry permits candidate.
// "all" permits everything. An entry with a fragment requires full equality
// (base and fragment); an entry without one requires only base equality,
// regardless of the candidate's fragment. The asymmetry is the
// authorization tie-break used on the read path.
func MatchesScope(entry string, candidate Type) bool {
	if entry == Wildcard {
		return true
	}
	t, err := Parse(entry)
	if err != nil {
		return false
	}
	if !t.BaseEqual(candidate) {
		return false
	}
	if t.HasFragment {
		return t.FragmentCompatible(candidate)
	}
	return true
}

// WriteMatches is the scope rule used when creating a new post version.
// It differs from MatchesScope in demanding an exact fragment match between
// the granted entry and the candidate: "https://x/y#v1" only permits
// "https://x/y#v1", and a bare "https://x/y" does not permit
// "https://x/y#v1". The divergence from the read path is deliberate and
// must not be unified.
func WriteMatches(entry string, candidate Type) bool {
	if entry == Wildcard {
		return true
	}
	t, err := Parse(entry)
	if err != nil {
		return false
	}
	if t.HasFragment {
		return t == candidate
	}
	return t.BaseEqual(candidate) && !candidate.HasFragment
}
