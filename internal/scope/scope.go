// Package scope decides whether a presented credential may read or write a
// given post type.
package scope

import (
	"errors"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/tenttype"
)

// Direction selects which scope list applies.
type Direction string

const (
	Read  Direction = "read"
	Write Direction = "write"
)

var (
	// ErrUnauthorized means no credential was presented where one is
	// required. Renders as 401.
	ErrUnauthorized = errors.New("scope: unauthorized")

	// ErrForbidden means a credential was presented but its granted
	// scopes do not cover the target type. Renders as 403.
	ErrForbidden = errors.New("scope: forbidden")
)

// Authorize applies the capability model to one access. Without an
// app-auth credential, reads fall back to the post's public flag and
// writes are never allowed. With one, any granted entry matching the
// candidate type permits the access.
func Authorize(cred *domain.Credential, dir Direction, candidate tenttype.Type, postPublic bool) error {
	if !cred.IsAppAuth() {
		if dir == Read && postPublic {
			return nil
		}
		if cred == nil {
			return ErrUnauthorized
		}
		return ErrForbidden
	}

	for _, entry := range entries(cred, dir) {
		if tenttype.MatchesScope(entry, candidate) {
			return nil
		}
	}
	return ErrForbidden
}

// AuthorizeWrite is the create-version variant: it uses the exact-fragment
// write rule instead of the read-path matcher.
func AuthorizeWrite(cred *domain.Credential, candidate tenttype.Type) error {
	if !cred.IsAppAuth() {
		if cred == nil {
			return ErrUnauthorized
		}
		return ErrForbidden
	}

	for _, entry := range cred.PostTypes.Write {
		if tenttype.WriteMatches(entry, candidate) {
			return nil
		}
	}
	return ErrForbidden
}

func entries(cred *domain.Credential, dir Direction) []string {
	if dir == Write {
		return cred.PostTypes.Write
	}
	return cred.PostTypes.Read
}
