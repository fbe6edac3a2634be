// Package relationship implements the trust-bootstrap protocol between two
// independently operated servers. It runs as the pipeline stage handling
// an inbound relationship#initial notification: discover the initiating
// entity's meta post, cross-check its identity, fetch and validate the
// offered credentials, verify the relationship post exists on the remote
// server under those credentials, and only then persist the remote
// artifacts and publish the local side of the relationship.
package relationship

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/tentfed/tentd/internal/client"
	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/hawk"
	"github.com/tentfed/tentd/internal/pipeline"
	"github.com/tentfed/tentd/internal/storage"
	"github.com/tentfed/tentd/internal/tenttype"
	"github.com/tentfed/tentd/internal/uritemplate"
)

// Initialization is the handshake orchestrator stage.
type Initialization struct {
	store  storage.Store
	client *client.Client
	logger *slog.Logger
}

// NewInitialization builds the stage.
func NewInitialization(store storage.Store, c *client.Client, logger *slog.Logger) *Initialization {
	return &Initialization{store: store, client: c, logger: logger}
}

var _ pipeline.Stage = (*Initialization)(nil)

func (o *Initialization) Name() string { return "relationship-initialization" }

// Process runs the handshake. Every step's failure is terminal for the
// whole handshake and surfaces as a halt with a diagnostic the remote
// operator can act on; nothing is persisted before verification succeeds.
// The step order is a strict dependency chain: later steps consume
// artifacts fetched earlier, so it must not be reordered or parallelized.
func (o *Initialization) Process(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	if pc.Data == nil {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid relationship post!").
			With("post", pc.Data)
	}
	relPost := pc.Data

	entityURI, _ := relPost["entity"].(string)
	if _, err := o.store.FindOrCreateEntity(ctx, entityURI); err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	metaPost, halt := o.performDiscovery(ctx, entityURI)
	if halt != nil {
		return halt
	}

	meta, halt := o.crossCheckIdentity(metaPost, entityURI)
	if halt != nil {
		return halt
	}

	credentialsURL, halt := o.parseCredentialsLink(pc)
	if halt != nil {
		return halt
	}

	server, halt := o.selectInitiatingServer(meta, metaPost, credentialsURL)
	if halt != nil {
		return halt
	}

	credentialsPost, credentials, halt := o.fetchInitiatingCredentials(ctx, credentialsURL)
	if halt != nil {
		return halt
	}

	if halt := o.verifyRelationship(ctx, relPost, server, credentials); halt != nil {
		return halt
	}

	// All remote checks passed; persist the fetched artifacts as
	// federation-sourced notifications.
	if err := o.saveInitiatingPost(ctx, metaPost, entityURI); err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	if err := o.saveInitiatingPost(ctx, credentialsPost, entityURI); err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	finalCredentials, halt := o.createFinalRelationship(ctx, pc.CurrentUser, relPost, entityURI)
	if halt != nil {
		return halt
	}

	return o.respond(pc, finalCredentials, relPost)
}

func (o *Initialization) performDiscovery(ctx context.Context, entityURI string) (*domain.Post, *pipeline.Halt) {
	metaPost, err := o.client.Discover(ctx, entityURI)
	if err != nil {
		o.logger.WarnContext(ctx, "relationship discovery failed",
			slog.String("entity", entityURI), slog.String("error", err.Error()))
		return nil, pipeline.Haltf(http.StatusBadRequest, "Discovery of entity %q failed!", entityURI)
	}
	return metaPost, nil
}

// crossCheckIdentity requires the fetched meta post to speak for the
// claimed entity. On mismatch the halt carries a patch-style diff telling
// the remote operator the exact correction; "add" when the field is
// absent, "replace" when it disagrees.
func (o *Initialization) crossCheckIdentity(metaPost *domain.Post, entityURI string) (*domain.MetaContent, *pipeline.Halt) {
	patch := map[string]any{"op": "replace", "path": "/content/entity", "value": entityURI}

	var rawContent map[string]any
	if err := json.Unmarshal(metaPost.Content, &rawContent); err != nil || rawContent == nil {
		patch["op"] = "add"
		return nil, pipeline.NewHalt(http.StatusBadRequest, "Entity mismatch!").
			With("diff", []map[string]any{patch}).With("post", metaPost)
	}
	if _, ok := rawContent["entity"]; !ok {
		patch["op"] = "add"
		return nil, pipeline.NewHalt(http.StatusBadRequest, "Entity mismatch!").
			With("diff", []map[string]any{patch}).With("post", metaPost)
	}

	meta, err := domain.ParseMetaContent(metaPost.Content)
	if err != nil || meta.Entity != entityURI {
		return nil, pipeline.NewHalt(http.StatusBadRequest, "Entity mismatch!").
			With("diff", []map[string]any{patch}).With("post", metaPost)
	}
	return meta, nil
}

func (o *Initialization) parseCredentialsLink(pc *pipeline.Context) (string, *pipeline.Halt) {
	link, ok := pc.RequestLink(domain.CredentialsLinkRel)
	if !ok {
		return "", pipeline.NewHalt(http.StatusBadRequest, "Expected link to credentials post!")
	}
	return link.URL, nil
}

// selectInitiatingServer finds the most preferred of the meta post's
// servers whose post template matches the credentials URL's
// scheme/host/port. The narrowed server is what verification talks to.
func (o *Initialization) selectInitiatingServer(meta *domain.MetaContent, metaPost *domain.Post, credentialsURL string) (domain.MetaServer, *pipeline.Halt) {
	credURL, err := url.Parse(credentialsURL)
	if err != nil {
		return domain.MetaServer{}, pipeline.NewHalt(http.StatusBadRequest, "Invalid credentials post link!")
	}

	for _, server := range meta.PreferredServers() {
		postURL, err := url.Parse(uritemplate.Strip(server.PostURL()))
		if err != nil {
			continue
		}
		if postURL.Scheme == credURL.Scheme && postURL.Hostname() == credURL.Hostname() && portOf(postURL) == portOf(credURL) {
			return server, nil
		}
	}

	portPattern := ""
	if p := portOf(credURL); p != 443 && p != 80 {
		portPattern = fmt.Sprintf(":%d", p)
	}
	diff := []map[string]any{{
		"op":    "add",
		"path":  "/content/servers/urls/~/post",
		"value": fmt.Sprintf(`/^%s:\/\/%s%s/`, regexp.QuoteMeta(credURL.Scheme), regexp.QuoteMeta(credURL.Hostname()), portPattern),
		"type":  "regexp",
	}}
	return domain.MetaServer{}, pipeline.NewHalt(http.StatusBadRequest, "Matching server not found!").
		With("diff", diff).With("post", metaPost)
}

// fetchInitiatingCredentials retrieves the signed credentials URL and
// validates the result. Network failure, decode failure, and schema
// failure are three distinct branches with tailored diagnostics; all are
// terminal.
func (o *Initialization) fetchInitiatingCredentials(ctx context.Context, credentialsURL string) (*domain.Post, hawk.Credentials, *pipeline.Halt) {
	res, err := o.client.Get(ctx, credentialsURL, fmt.Sprintf(domain.PostContentTypeFormat, domain.CredentialsType))
	if errors.Is(err, client.ErrNetwork) {
		return nil, hawk.Credentials{}, pipeline.Haltf(http.StatusBadRequest,
			"Failed to fetch credentials post from %q!", credentialsURL)
	}
	if errors.Is(err, client.ErrDecode) {
		return nil, hawk.Credentials{}, pipeline.NewHalt(http.StatusBadRequest,
			"Invalid credentials post encoding!").With("post", string(res.Body))
	}
	if err != nil {
		return nil, hawk.Credentials{}, pipeline.Haltf(http.StatusBadRequest,
			"Failed to fetch credentials post from %q!", credentialsURL)
	}

	post := res.Envelope.Post
	if post == nil || !isCredentialsType(post.Type) {
		if res.Envelope.Error != "" {
			return nil, hawk.Credentials{}, pipeline.Haltf(http.StatusBadRequest,
				"Invalid credentials post! (%s)", res.Envelope.Error).With("error", res.Envelope.Error)
		}
		return nil, hawk.Credentials{}, pipeline.NewHalt(http.StatusBadRequest,
			"Invalid credentials post!").With("post", post)
	}

	var content domain.CredentialsContent
	if err := json.Unmarshal(post.Content, &content); err != nil || content.HawkKey == "" || content.HawkAlgorithm == "" {
		diff := credentialsSchemaDiff(content)
		return nil, hawk.Credentials{}, pipeline.NewHalt(http.StatusBadRequest,
			"Invalid credentials post format!").With("diff", diff).With("post", post)
	}

	creds := hawk.Credentials{
		ID:        post.ID,
		Key:       content.HawkKey,
		Algorithm: content.HawkAlgorithm,
	}
	return post, creds, nil
}

// verifyRelationship fetches the original relationship#initial post back
// from the initiating server, authenticated with the just-fetched
// credentials and pinned to the server selected earlier.
func (o *Initialization) verifyRelationship(ctx context.Context, relPost map[string]any, server domain.MetaServer, credentials hawk.Credentials) *pipeline.Halt {
	entity, _ := relPost["entity"].(string)
	postID, _ := relPost["id"].(string)
	postType, _ := relPost["type"].(string)

	fetchURL := client.PostURL(server, entity, postID)

	res, err := o.client.GetSigned(ctx, fetchURL, fmt.Sprintf(domain.PostContentTypeFormat, postType), credentials)
	if err != nil {
		return pipeline.Haltf(http.StatusBadRequest, "Failed to fetch relationship post from %q!", fetchURL)
	}
	if res.Status != http.StatusOK {
		return pipeline.Haltf(http.StatusBadRequest, "Failed to fetch relationship post from %q!", fetchURL).
			With("response_status", res.Status).
			With("response_body", string(res.Body))
	}
	return nil
}

// saveInitiatingPost stores a fetched remote post as a notification owned
// by the initiating entity.
func (o *Initialization) saveInitiatingPost(ctx context.Context, post *domain.Post, entityURI string) error {
	stored := *post
	stored.Entity = entityURI
	if stored.ReceivedAt == 0 {
		stored.ReceivedAt = domain.TimestampMillis(time.Now())
	}
	return o.store.CreatePost(ctx, &stored, storage.CreateOptions{Notification: true})
}

// createFinalRelationship publishes the local half of the relationship:
// the unfragmented relationship post mentioning the initiating post, and
// a fresh credentials post mentioning the relationship post.
func (o *Initialization) createFinalRelationship(ctx context.Context, user *domain.User, relPost map[string]any, entityURI string) (*domain.Post, *pipeline.Halt) {
	initialID, _ := relPost["id"].(string)
	now := domain.TimestampMillis(time.Now())

	relationship := &domain.Post{
		ID:     domain.NewPostID(),
		Entity: user.Entity,
		Type:   domain.RelationshipBaseType,
		Mentions: []domain.Mention{
			{Entity: entityURI, Post: initialID, Type: domain.RelationshipInitial},
		},
		Version:     domain.Version{ID: domain.NewPostID(), PublishedAt: now},
		Permissions: &domain.Permissions{Public: false},
		PublishedAt: now,
		ReceivedAt:  now,
	}
	if err := o.store.CreatePost(ctx, relationship, storage.CreateOptions{}); err != nil {
		return nil, pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	content, err := json.Marshal(domain.CredentialsContent{
		HawkKey:       domain.NewHawkKey(),
		HawkAlgorithm: hawk.SHA256Algorithm,
	})
	if err != nil {
		return nil, pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	credentials := &domain.Post{
		ID:      domain.NewPostID(),
		Entity:  user.Entity,
		Type:    domain.CredentialsType,
		Content: content,
		Mentions: []domain.Mention{
			{Entity: user.Entity, Post: relationship.ID, Type: domain.RelationshipBaseType},
		},
		Version:     domain.Version{ID: domain.NewPostID(), PublishedAt: now},
		Permissions: &domain.Permissions{Public: false},
		PublishedAt: now,
		ReceivedAt:  now,
	}
	if err := o.store.CreatePost(ctx, credentials, storage.CreateOptions{}); err != nil {
		return nil, pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	return credentials, nil
}

// respond links the new credentials post (behind a self-signed bounded
// URL) and echoes the inbound payload as the response body.
func (o *Initialization) respond(pc *pipeline.Context, credentialsPost *domain.Post, relPost map[string]any) *pipeline.Halt {
	server, err := pc.CurrentUser.PreferredServer()
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	credentialsURL := client.PostURL(server, pc.CurrentUser.Entity, credentialsPost.ID)
	signedURL, err := hawk.SignURL(hawk.Credentials{
		ID:        pc.CurrentUser.ServerCredentials.ID,
		Key:       pc.CurrentUser.ServerCredentials.HawkKey,
		Algorithm: pc.CurrentUser.ServerCredentials.HawkAlgorithm,
	}, credentialsURL, hawk.SignOptions{})
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	pc.AddResponseLink(signedURL, domain.CredentialsLinkRel)

	postType, _ := relPost["type"].(string)
	pc.SetHeader("Content-Type", fmt.Sprintf(domain.PostContentTypeFormat, postType))
	pc.Response.Status = http.StatusOK
	pc.Response.Body = map[string]any{"post": relPost}
	return nil
}

func isCredentialsType(typeURI string) bool {
	t, err := tenttype.Parse(typeURI)
	if err != nil {
		return false
	}
	want, _ := tenttype.Parse(domain.CredentialsType)
	return t.BaseEqual(want)
}

func credentialsSchemaDiff(content domain.CredentialsContent) []map[string]any {
	var diff []map[string]any
	if content.HawkKey == "" {
		diff = append(diff, map[string]any{"op": "add", "path": "/content/hawk_key"})
	}
	if content.HawkAlgorithm == "" {
		diff = append(diff, map[string]any{"op": "add", "path": "/content/hawk_algorithm"})
	}
	return diff
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		var n int
		fmt.Sscanf(p, "%d", &n)
		return n
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
