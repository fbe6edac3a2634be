package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tentfed/tentd/internal/client"
	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/hawk"
	"github.com/tentfed/tentd/internal/pipeline"
	"github.com/tentfed/tentd/internal/scope"
	"github.com/tentfed/tentd/internal/storage"
	"github.com/tentfed/tentd/internal/tenttype"
)

// helloWorld answers discovery probes with a link to the hosted user's
// meta post.
func (a *API) helloWorld(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	server, err := pc.CurrentUser.PreferredServer()
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	metaURL := client.PostURL(server, pc.CurrentUser.Entity, pc.CurrentUser.MetaPost.ID)
	pc.AddResponseLink(metaURL, domain.MetaPostLinkRel)
	pc.Response.Status = http.StatusCreated
	return nil
}

// createPost is the POST /posts terminal stage. Relationship-initial
// notifications divert into the handshake orchestrator; everything else is
// a scope-checked client write.
func (a *API) createPost(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	if a.isRelationshipInitial(pc) {
		pc.Notification = true
		return a.handshake.Process(ctx, pc)
	}

	// App registration is the one anonymous write: an app introduces
	// itself with an app post and receives credentials for everything
	// after.
	isAppRegistration := pc.PostType.Base == domain.AppBaseType && pc.Credential == nil
	if !isAppRegistration {
		if err := scope.Authorize(pc.Credential, scope.Write, pc.PostType, false); err != nil {
			return authHalt(err)
		}
	}

	post, halt := a.buildPost(pc)
	if halt != nil {
		return halt
	}
	if err := a.store.CreatePost(ctx, post, storage.CreateOptions{}); err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	// App and app-auth posts hand back a credentials link for the OAuth
	// exchange.
	if pc.PostType.Base == domain.AppBaseType || pc.PostType.Base == domain.AppAuthBaseType {
		if halt := a.attachCredentials(ctx, pc, post); halt != nil {
			return halt
		}
	}

	return a.respondPost(pc, post)
}

func (a *API) isRelationshipInitial(pc *pipeline.Context) bool {
	return pc.HasPostType &&
		pc.PostType.Base == domain.RelationshipBaseType &&
		pc.PostType.HasFragment && pc.PostType.Fragment == "initial" &&
		pc.Credential == nil
}

// buildPost turns the decoded body into a stored post, overriding the
// server-assigned fields.
func (a *API) buildPost(pc *pipeline.Context) (*domain.Post, *pipeline.Halt) {
	raw, err := json.Marshal(pc.Data)
	if err != nil {
		return nil, pipeline.NewHalt(http.StatusBadRequest, "Invalid post!")
	}
	var post domain.Post
	if err := json.Unmarshal(raw, &post); err != nil {
		return nil, pipeline.NewHalt(http.StatusBadRequest, "Invalid post!").
			With("post", pc.Data)
	}

	now := domain.TimestampMillis(a.now())
	post.ID = domain.NewPostID()
	post.Entity = pc.CurrentUser.Entity
	post.Type = pc.PostType.String()
	post.Version = domain.Version{ID: domain.NewPostID(), PublishedAt: now}
	if post.PublishedAt == 0 {
		post.PublishedAt = now
	}
	post.ReceivedAt = now
	post.Attachments = append(post.Attachments, pc.Attachments...)
	return &post, nil
}

// attachCredentials links, behind a signed URL, the credentials post for
// subject, creating one when none mentions it yet.
func (a *API) attachCredentials(ctx context.Context, pc *pipeline.Context, subject *domain.Post) *pipeline.Halt {
	credentialsPost, err := a.store.FirstByTypeMentioning(ctx, domain.CredentialsType, subject.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		now := domain.TimestampMillis(a.now())
		content, err := json.Marshal(domain.CredentialsContent{
			HawkKey:       domain.NewHawkKey(),
			HawkAlgorithm: hawk.SHA256Algorithm,
		})
		if err != nil {
			return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
		}
		credentialsPost = &domain.Post{
			ID:      domain.NewPostID(),
			Entity:  pc.CurrentUser.Entity,
			Type:    domain.CredentialsType,
			Content: content,
			Mentions: []domain.Mention{
				{Entity: pc.CurrentUser.Entity, Post: subject.ID, Type: subject.Type},
			},
			Version:     domain.Version{ID: domain.NewPostID(), PublishedAt: now},
			Permissions: &domain.Permissions{Public: false},
			PublishedAt: now,
			ReceivedAt:  now,
		}
		if err := a.store.CreatePost(ctx, credentialsPost, storage.CreateOptions{}); err != nil {
			return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
		}
	case err != nil:
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	server, err := pc.CurrentUser.PreferredServer()
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	signedURL, err := hawk.SignURL(hawk.Credentials{
		ID:        pc.CurrentUser.ServerCredentials.ID,
		Key:       pc.CurrentUser.ServerCredentials.HawkKey,
		Algorithm: pc.CurrentUser.ServerCredentials.HawkAlgorithm,
	}, client.PostURL(server, pc.CurrentUser.Entity, credentialsPost.ID), hawk.SignOptions{Now: a.now()})
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	pc.AddResponseLink(signedURL, domain.CredentialsLinkRel)
	return nil
}

// getPost is the GET /posts/{entity}/{post} terminal stage. Authorization
// failures render as not-found so private posts stay invisible.
func (a *API) getPost(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	post, halt := a.loadPost(ctx, pc)
	if halt != nil {
		return halt
	}
	if halt := a.authorizeRead(pc, post); halt != nil {
		return halt
	}
	return a.respondPost(pc, post)
}

// createPostVersion is the PUT /posts/{entity}/{post} terminal stage. The
// write scope check here is the exact-fragment variant: a bare granted
// entry does not cover fragment-qualified types.
func (a *API) createPostVersion(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	existing, halt := a.loadPost(ctx, pc)
	if halt != nil {
		return halt
	}

	if err := scope.AuthorizeWrite(pc.Credential, pc.PostType); err != nil {
		return authHalt(err)
	}

	raw, err := json.Marshal(pc.Data)
	if err != nil {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!")
	}
	var post domain.Post
	if err := json.Unmarshal(raw, &post); err != nil {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!").
			With("post", pc.Data)
	}

	now := domain.TimestampMillis(a.now())
	post.ID = existing.ID
	post.Entity = existing.Entity
	post.Type = pc.PostType.String()
	post.Version = domain.Version{
		ID:          domain.NewPostID(),
		PublishedAt: now,
		Parents: []domain.VersionParent{
			{Version: existing.Version.ID, Post: existing.ID},
		},
	}
	if post.PublishedAt == 0 {
		post.PublishedAt = now
	}
	post.ReceivedAt = now

	if err := a.store.CreateVersion(ctx, &post); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return pipeline.NewHalt(http.StatusNotFound, "Not Found")
		}
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	return a.respondPost(pc, &post)
}

// postsFeed is the GET /posts terminal stage. Posts the caller may not
// read are silently filtered out.
func (a *API) postsFeed(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	q := feedQuery(pc.Req.URL.Query())
	posts, err := a.store.Feed(ctx, q)
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	visible := make([]*domain.Post, 0, len(posts))
	for _, p := range posts {
		t, err := tenttype.Parse(p.Type)
		if err != nil {
			continue
		}
		if scope.Authorize(pc.Credential, scope.Read, t, p.Public()) == nil {
			visible = append(visible, p)
		}
	}

	pc.SetHeader("Content-Type", domain.PostMediaType)
	pc.Response.Status = http.StatusOK
	pc.Response.Body = map[string]any{"posts": visible}
	return nil
}

func (a *API) loadPost(ctx context.Context, pc *pipeline.Context) (*domain.Post, *pipeline.Halt) {
	post, err := a.store.GetPost(ctx, pc.Params["entity"], pc.Params["post"])
	if errors.Is(err, storage.ErrNotFound) {
		return nil, pipeline.NewHalt(http.StatusNotFound, "Not Found")
	}
	if err != nil {
		return nil, pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	return post, nil
}

func (a *API) authorizeRead(pc *pipeline.Context, post *domain.Post) *pipeline.Halt {
	// A URL signed with the server's own credentials is a capability
	// grant; the scope check happened when the URL was issued.
	if a.isSelfSigned(pc) {
		return nil
	}
	t, err := tenttype.Parse(post.Type)
	if err != nil {
		return pipeline.NewHalt(http.StatusNotFound, "Not Found")
	}
	if scope.Authorize(pc.Credential, scope.Read, t, post.Public()) != nil {
		return pipeline.NewHalt(http.StatusNotFound, "Not Found")
	}
	return nil
}

func (a *API) respondPost(pc *pipeline.Context, post *domain.Post) *pipeline.Halt {
	pc.SetHeader("Content-Type", fmt.Sprintf(domain.PostContentTypeFormat, post.Type))
	pc.Response.Status = http.StatusOK
	pc.Response.Body = map[string]any{"post": post}
	return nil
}

func authHalt(err error) *pipeline.Halt {
	if errors.Is(err, scope.ErrUnauthorized) {
		return pipeline.NewHalt(http.StatusUnauthorized, "Unauthorized")
	}
	return pipeline.NewHalt(http.StatusForbidden, "Forbidden")
}

func feedQuery(values map[string][]string) storage.FeedQuery {
	q := storage.FeedQuery{}
	if v, ok := values["types"]; ok && len(v) > 0 {
		q.Types = splitList(v[0])
	}
	if v, ok := values["entities"]; ok && len(v) > 0 {
		q.Entities = splitList(v[0])
	}
	if v, ok := values["limit"]; ok && len(v) > 0 {
		var n int
		if _, err := fmt.Sscanf(v[0], "%d", &n); err == nil && n > 0 {
			q.Limit = n
		}
	}
	return q
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
