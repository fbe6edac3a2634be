package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/storage"
)

func TestFindOrCreateEntity(t *testing.T) {
	s := New()
	ctx := context.Background()

	a, err := s.FindOrCreateEntity(ctx, "https://alice.example.org")
	require.NoError(t, err)
	b, err := s.FindOrCreateEntity(ctx, "https://alice.example.org")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	c, err := s.FindOrCreateEntity(ctx, "https://bob.example.org")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestPostVersions(t *testing.T) {
	s := New()
	ctx := context.Background()

	post := &domain.Post{
		ID:      "p1",
		Entity:  "https://alice.example.org",
		Type:    "https://tent.io/types/status/v0",
		Content: json.RawMessage(`{"text":"hello"}`),
		Version: domain.Version{ID: "v1"},
	}
	require.NoError(t, s.CreatePost(ctx, post, storage.CreateOptions{}))

	v2 := *post
	v2.Content = json.RawMessage(`{"text":"edited"}`)
	v2.Version = domain.Version{ID: "v2", Parents: []domain.VersionParent{{Version: "v1"}}}
	require.NoError(t, s.CreateVersion(ctx, &v2))

	got, err := s.GetPost(ctx, post.Entity, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Version.ID)

	_, err = s.GetPost(ctx, post.Entity, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Creating a version of a post that was never created fails.
	orphan := &domain.Post{ID: "nope", Entity: post.Entity, Version: domain.Version{ID: "v1"}}
	assert.ErrorIs(t, s.CreateVersion(ctx, orphan), storage.ErrNotFound)
}

func TestFirstByTypeMentioning(t *testing.T) {
	s := New()
	ctx := context.Background()

	rel := &domain.Post{
		ID: "rel", Entity: "e", Type: "https://tent.io/types/relationship/v0",
		Version: domain.Version{ID: "v1"},
	}
	creds := &domain.Post{
		ID: "creds", Entity: "e", Type: domain.CredentialsType,
		Mentions: []domain.Mention{{Post: "rel"}},
		Version:  domain.Version{ID: "v1"},
	}
	require.NoError(t, s.CreatePost(ctx, rel, storage.CreateOptions{}))
	require.NoError(t, s.CreatePost(ctx, creds, storage.CreateOptions{}))

	got, err := s.FirstByTypeMentioning(ctx, domain.CredentialsType, "rel")
	require.NoError(t, err)
	assert.Equal(t, "creds", got.ID)

	_, err = s.FirstByTypeMentioning(ctx, domain.CredentialsType, "other")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFeedFiltering(t *testing.T) {
	s := New()
	ctx := context.Background()

	posts := []*domain.Post{
		{ID: "a", Entity: "e1", Type: "https://tent.io/types/status/v0", Version: domain.Version{ID: "v"}, ReceivedAt: 1},
		{ID: "b", Entity: "e1", Type: "https://tent.io/types/status/v0#reply", Version: domain.Version{ID: "v"}, ReceivedAt: 2},
		{ID: "c", Entity: "e2", Type: "https://tent.io/types/essay/v0", Version: domain.Version{ID: "v"}, ReceivedAt: 3},
	}
	for _, p := range posts {
		require.NoError(t, s.CreatePost(ctx, p, storage.CreateOptions{}))
	}

	got, err := s.Feed(ctx, storage.FeedQuery{Types: []string{"https://tent.io/types/status/v0"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "newest first")

	got, err = s.Feed(ctx, storage.FeedQuery{Entities: []string{"e2"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	got, err = s.Feed(ctx, storage.FeedQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAttachmentRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutAttachment(ctx, "digest1", []byte("bytes")))
	data, err := s.GetAttachment(ctx, "digest1")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)

	_, err = s.GetAttachment(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuthCodeSingleUse(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutAuthCode(ctx, "code1", "app-post"))

	postID, err := s.TakeAuthCode(ctx, "code1")
	require.NoError(t, err)
	assert.Equal(t, "app-post", postID)

	_, err = s.TakeAuthCode(ctx, "code1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
