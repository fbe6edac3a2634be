// Package domain holds the Tent protocol data model: entities, typed
// versioned posts, attachments, and the well-known post types exchanged
// during relationship bootstrap.
package domain

import (
	"encoding/json"
	"time"
)

// Media types and well-known identifiers of the protocol surface.
const (
	PostMediaType      = "application/vnd.tent.post.v0+json"
	ErrorMediaType     = "application/vnd.tent.error.v0+json"
	MultipartMediaType = "multipart/form-data"

	// PostContentTypeFormat renders the envelope content type for a post type URI.
	PostContentTypeFormat = PostMediaType + `; type="%s"`

	AttachmentDigestHeader = "Attachment-Digest"

	CredentialsLinkRel = "https://tent.io/rels/credentials"
	MetaPostLinkRel    = "https://tent.io/rels/meta-post"

	AppBaseType          = "https://tent.io/types/app/v0"
	AppAuthBaseType      = "https://tent.io/types/app-auth/v0"
	CredentialsType      = "https://tent.io/types/credentials/v0#"
	MetaType             = "https://tent.io/types/meta/v0"
	RelationshipBaseType = "https://tent.io/types/relationship/v0"
	RelationshipInitial  = "https://tent.io/types/relationship/v0#initial"
)

// Entity is a protocol participant, addressed by URI.
type Entity struct {
	ID        int64
	URI       string
	CreatedAt time.Time
}

// Mention links a post to another post or entity.
type Mention struct {
	Entity string `json:"entity,omitempty"`
	Post   string `json:"post,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Attachment describes one named binary variant attached to a post. The
// bytes themselves live in the attachment store, keyed by digest.
type Attachment struct {
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	ContentType string `json:"content_type"`
	Digest      string `json:"digest"`
	Size        int64  `json:"size,omitempty"`
}

// Version identifies one immutable version of a post.
type Version struct {
	ID          string          `json:"id"`
	PublishedAt int64           `json:"published_at,omitempty"`
	ReceivedAt  int64           `json:"received_at,omitempty"`
	Parents     []VersionParent `json:"parents,omitempty"`
}

// VersionParent points at the version a new version supersedes.
type VersionParent struct {
	Version string `json:"version"`
	Post    string `json:"post,omitempty"`
}

// Post is an entity-scoped, typed, versioned document.
type Post struct {
	ID             string          `json:"id"`
	Entity         string          `json:"entity"`
	OriginalEntity string          `json:"original_entity,omitempty"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content,omitempty"`
	Version        Version         `json:"version"`
	Mentions       []Mention       `json:"mentions,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Permissions    *Permissions    `json:"permissions,omitempty"`
	PublishedAt    int64           `json:"published_at,omitempty"`
	ReceivedAt     int64           `json:"received_at,omitempty"`
}

// Public reports the post's visibility; absent permissions mean public.
func (p *Post) Public() bool {
	return p.Permissions == nil || p.Permissions.Public
}

// Permissions is the visibility envelope carried inside a post body.
type Permissions struct {
	Public bool `json:"public"`
}

// CredentialsContent is the content of a credentials post.
type CredentialsContent struct {
	HawkKey       string `json:"hawk_key"`
	HawkAlgorithm string `json:"hawk_algorithm"`
}

// AppAuthContent is the content of an app-auth post: the read/write
// post-type scopes granted to an app.
type AppAuthContent struct {
	PostTypes PostTypeScopes `json:"post_types"`
}

// PostTypeScopes lists granted type patterns per direction.
type PostTypeScopes struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}
