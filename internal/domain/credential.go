package domain

import (
	"encoding/json"

	"github.com/tentfed/tentd/internal/tenttype"
)

// Credential is an authenticated client identity resolved during request
// processing: the symmetric key material plus, for app-auth credentials,
// the granted post-type scopes. Only app-auth credentials undergo
// scope-based authorization; anything else falls back to a post's own
// public flag.
type Credential struct {
	ID            string
	HawkKey       string
	HawkAlgorithm string

	// Type is the post type of the credential's subject (e.g. the
	// app-auth post the credentials post mentions).
	Type string

	// SubjectID is the id of the subject post, when one exists.
	SubjectID string

	PostTypes PostTypeScopes
}

// IsAppAuth reports whether the credential's subject belongs to the
// app-auth type family.
func (c *Credential) IsAppAuth() bool {
	if c == nil {
		return false
	}
	t, err := tenttype.Parse(c.Type)
	if err != nil {
		return false
	}
	return t.Base == AppAuthBaseType
}

// CredentialFromPosts builds a Credential from a credentials post and the
// post it authenticates (which may be nil for bare server credentials).
func CredentialFromPosts(credentialsPost, subject *Post) (*Credential, error) {
	var content CredentialsContent
	if err := json.Unmarshal(credentialsPost.Content, &content); err != nil {
		return nil, err
	}

	cred := &Credential{
		ID:            credentialsPost.ID,
		HawkKey:       content.HawkKey,
		HawkAlgorithm: content.HawkAlgorithm,
	}

	if subject != nil {
		cred.Type = subject.Type
		cred.SubjectID = subject.ID
		var auth AppAuthContent
		if err := json.Unmarshal(subject.Content, &auth); err == nil {
			cred.PostTypes = auth.PostTypes
		}
	}
	return cred, nil
}
