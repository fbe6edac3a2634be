// Package storage defines the persistence collaborators of the server:
// entities, posts with their versions, attachment bytes, and OAuth
// artifacts. Implementations provide their own consistency: entity URIs
// are unique and post-version creation is atomic.
package storage

import (
	"context"
	"errors"

	"github.com/tentfed/tentd/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// CreateOptions qualify a post write.
type CreateOptions struct {
	// Notification marks a federation-sourced record: stored silently,
	// with no outbound side effects.
	Notification bool
}

// FeedQuery filters the posts feed.
type FeedQuery struct {
	// Types restricts to posts whose type base matches any entry.
	Types []string
	// Entities restricts to posts published by any of these entities.
	Entities []string
	// Limit caps the result; zero means the server default.
	Limit int
}

// EntityStore finds or lazily creates entity records.
type EntityStore interface {
	FindOrCreateEntity(ctx context.Context, uri string) (*domain.Entity, error)
}

// PostStore persists typed, versioned posts.
type PostStore interface {
	// CreatePost stores a new post.
	CreatePost(ctx context.Context, post *domain.Post, opts CreateOptions) error

	// CreateVersion stores a new version of an existing post.
	CreateVersion(ctx context.Context, post *domain.Post) error

	// GetPost returns the latest version of a post.
	GetPost(ctx context.Context, entity, postID string) (*domain.Post, error)

	// GetPostByID returns the latest version of a post by id alone,
	// regardless of owning entity.
	GetPostByID(ctx context.Context, postID string) (*domain.Post, error)

	// FirstByTypeMentioning returns the first post of the given full
	// type that mentions the given post id.
	FirstByTypeMentioning(ctx context.Context, typeURI, mentionedPostID string) (*domain.Post, error)

	// FirstWithAttachment returns the entity's first post carrying an
	// attachment with the given digest. Authorization of attachment
	// access goes through the owning post.
	FirstWithAttachment(ctx context.Context, entity, digest string) (*domain.Post, error)

	// Feed returns matching posts, newest first.
	Feed(ctx context.Context, q FeedQuery) ([]*domain.Post, error)
}

// AttachmentStore holds raw attachment bytes keyed by content digest.
type AttachmentStore interface {
	PutAttachment(ctx context.Context, digest string, data []byte) error
	GetAttachment(ctx context.Context, digest string) ([]byte, error)
}

// AuthCodeStore tracks one-time OAuth authorization codes.
type AuthCodeStore interface {
	PutAuthCode(ctx context.Context, code, appPostID string) error
	// TakeAuthCode consumes a code, returning the app post it was issued
	// for. A code can be taken once.
	TakeAuthCode(ctx context.Context, code string) (string, error)
}

// Store is the full persistence surface the server wires together.
type Store interface {
	EntityStore
	PostStore
	AttachmentStore
	AuthCodeStore
}
