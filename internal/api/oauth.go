package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/hawk"
	"github.com/tentfed/tentd/internal/pipeline"
	"github.com/tentfed/tentd/internal/storage"
	"github.com/tentfed/tentd/internal/tenttype"
)

// hawkTokenType is the only token type issued by the exchange.
const hawkTokenType = "https://tent.io/oauth/hawk-token"

// appContent is the subset of an app post's content the OAuth flow reads.
type appContent struct {
	Name        string                `json:"name,omitempty"`
	URL         string                `json:"url,omitempty"`
	RedirectURI string                `json:"redirect_uri"`
	PostTypes   domain.PostTypeScopes `json:"post_types"`
}

// oauthAuthorize issues a one-time authorization code for a registered app
// and redirects back to the app's redirect URI.
func (a *API) oauthAuthorize(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	clientID := pc.Req.URL.Query().Get("client_id")
	if clientID == "" {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid client_id!")
	}

	app, err := a.store.GetPostByID(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return pipeline.NewHalt(http.StatusNotFound, "Unknown app!")
	}
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	t, err := tenttype.Parse(app.Type)
	if err != nil || t.Base != domain.AppBaseType {
		return pipeline.NewHalt(http.StatusNotFound, "Unknown app!")
	}

	var content appContent
	if err := json.Unmarshal(app.Content, &content); err != nil || content.RedirectURI == "" {
		return pipeline.NewHalt(http.StatusBadRequest, "App has no redirect_uri!")
	}
	redirect, err := url.Parse(content.RedirectURI)
	if err != nil {
		return pipeline.NewHalt(http.StatusBadRequest, "App has no redirect_uri!")
	}

	code := uuid.New().String()
	if err := a.store.PutAuthCode(ctx, code, app.ID); err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	q := redirect.Query()
	q.Set("code", code)
	if state := pc.Req.URL.Query().Get("state"); state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()

	pc.SetHeader("Location", redirect.String())
	pc.Response.Status = http.StatusFound
	return nil
}

// tokenRequest is the POST /oauth/token body.
type tokenRequest struct {
	Code      string `json:"code"`
	TokenType string `json:"token_type"`
}

// oauthToken exchanges an authorization code for hawk credentials. The
// request must be signed with the app's registration credentials; the
// exchange publishes an app-auth post carrying the app's requested scopes
// plus a credentials post for it.
func (a *API) oauthToken(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	if pc.Credential == nil {
		return pipeline.NewHalt(http.StatusUnauthorized, "Unauthorized")
	}

	var req tokenRequest
	if err := json.Unmarshal(pc.RawData, &req); err != nil || req.Code == "" {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid token request!")
	}
	if req.TokenType != "" && req.TokenType != hawkTokenType {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid token_type!").
			With("token_type", req.TokenType)
	}

	appID, err := a.store.TakeAuthCode(ctx, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return pipeline.NewHalt(http.StatusForbidden, "Invalid code!")
	}
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	app, err := a.store.GetPostByID(ctx, appID)
	if err != nil {
		return pipeline.NewHalt(http.StatusForbidden, "Invalid code!")
	}
	// The signing credential must be the one issued for this app.
	if pc.Credential.SubjectID != app.ID {
		return pipeline.NewHalt(http.StatusForbidden, "Invalid code!")
	}

	var content appContent
	if err := json.Unmarshal(app.Content, &content); err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	now := domain.TimestampMillis(a.now())
	authPost := &domain.Post{
		ID:     domain.NewPostID(),
		Entity: pc.CurrentUser.Entity,
		Type:   domain.AppAuthBaseType + "#",
		Mentions: []domain.Mention{
			{Entity: pc.CurrentUser.Entity, Post: app.ID, Type: app.Type},
		},
		Version:     domain.Version{ID: domain.NewPostID(), PublishedAt: now},
		Permissions: &domain.Permissions{Public: false},
		PublishedAt: now,
		ReceivedAt:  now,
	}
	authContent, err := json.Marshal(domain.AppAuthContent{PostTypes: content.PostTypes})
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	authPost.Content = authContent
	if err := a.store.CreatePost(ctx, authPost, storage.CreateOptions{}); err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	key := domain.NewHawkKey()
	credContent, err := json.Marshal(domain.CredentialsContent{
		HawkKey:       key,
		HawkAlgorithm: hawk.SHA256Algorithm,
	})
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	credPost := &domain.Post{
		ID:      domain.NewPostID(),
		Entity:  pc.CurrentUser.Entity,
		Type:    domain.CredentialsType,
		Content: credContent,
		Mentions: []domain.Mention{
			{Entity: pc.CurrentUser.Entity, Post: authPost.ID, Type: authPost.Type},
		},
		Version:     domain.Version{ID: domain.NewPostID(), PublishedAt: now},
		Permissions: &domain.Permissions{Public: false},
		PublishedAt: now,
		ReceivedAt:  now,
	}
	if err := a.store.CreatePost(ctx, credPost, storage.CreateOptions{}); err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	pc.SetHeader("Content-Type", "application/json")
	pc.Response.Status = http.StatusOK
	pc.Response.Body = map[string]any{
		"access_token":   credPost.ID,
		"hawk_key":       key,
		"hawk_algorithm": hawk.SHA256Algorithm,
		"token_type":     hawkTokenType,
	}
	return nil
}
