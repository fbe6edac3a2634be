package relationship

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentfed/tentd/internal/client"
	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/linkheader"
	"github.com/tentfed/tentd/internal/pipeline"
	"github.com/tentfed/tentd/internal/storage"
	"github.com/tentfed/tentd/internal/storage/memory"
)

// remoteServer stands in for the initiating entity's server: it answers
// discovery, serves its meta and credentials posts, and serves the
// relationship#initial post back when verification asks for it.
type remoteServer struct {
	srv *httptest.Server

	metaEntity    string // entity claimed inside the meta post; "" omits the field
	credentials   domain.CredentialsContent
	rawCreds      string // overrides the credentials response body when set
	relStatus     int    // status for the relationship post fetch
	sawAuthHeader string

	relPostID string
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	rs := &remoteServer{
		credentials: domain.CredentialsContent{HawkKey: "remote-hawk-key", HawkAlgorithm: "sha256"},
		relStatus:   http.StatusOK,
		relPostID:   "initial-rel-post",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Link", fmt.Sprintf(`<%s/posts/meta>; rel=%q`, rs.srv.URL, domain.MetaPostLinkRel))
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/posts/meta", func(w http.ResponseWriter, r *http.Request) {
		content := map[string]any{
			"servers": []map[string]any{{
				"version":    "0.3",
				"preference": 0,
				"urls": map[string]string{
					"post":       rs.srv.URL + "/posts/{entity}/{post}",
					"new_post":   rs.srv.URL + "/posts",
					"attachment": rs.srv.URL + "/attachments/{entity}/{digest}",
				},
			}},
		}
		if rs.metaEntity != "" {
			content["entity"] = rs.metaEntity
		}
		writeEnvelope(w, map[string]any{
			"id":      "remote-meta-post",
			"entity":  rs.metaEntity,
			"type":    "https://tent.io/types/meta/v0#",
			"content": content,
		})
	})
	mux.HandleFunc("/credentials", func(w http.ResponseWriter, r *http.Request) {
		if rs.rawCreds != "" {
			w.Header().Set("Content-Type", domain.PostMediaType)
			io.WriteString(w, rs.rawCreds)
			return
		}
		writeEnvelope(w, map[string]any{
			"id":      "remote-credentials-post",
			"entity":  rs.metaEntity,
			"type":    domain.CredentialsType,
			"content": rs.credentials,
		})
	})
	mux.HandleFunc("/posts/", func(w http.ResponseWriter, r *http.Request) {
		rs.sawAuthHeader = r.Header.Get("Authorization")
		if rs.relStatus != http.StatusOK {
			w.WriteHeader(rs.relStatus)
			io.WriteString(w, `{"error":"Not Found"}`)
			return
		}
		writeEnvelope(w, map[string]any{
			"id":     rs.relPostID,
			"entity": rs.metaEntity,
			"type":   domain.RelationshipInitial,
		})
	})

	rs.srv = httptest.NewServer(mux)
	t.Cleanup(rs.srv.Close)
	rs.metaEntity = rs.srv.URL
	return rs
}

func writeEnvelope(w http.ResponseWriter, post map[string]any) {
	w.Header().Set("Content-Type", domain.PostMediaType)
	json.NewEncoder(w).Encode(map[string]any{"post": post})
}

func newLocalUser(t *testing.T) *domain.User {
	t.Helper()
	meta := &domain.MetaContent{
		Entity: "https://local.example.org",
		Servers: []domain.MetaServer{{
			Version:    "0.3",
			Preference: 0,
			URLs: map[string]string{
				"post": "https://local.example.org/posts/{entity}/{post}",
			},
		}},
	}
	return &domain.User{
		Entity: "https://local.example.org",
		Meta:   meta,
		ServerCredentials: domain.Credential{
			ID:            "local-server-cred",
			HawkKey:       "local-server-key",
			HawkAlgorithm: "sha256",
		},
	}
}

func newTestContext(t *testing.T, rs *remoteServer) *pipeline.Context {
	t.Helper()
	relPost := map[string]any{
		"id":     rs.relPostID,
		"entity": rs.srv.URL,
		"type":   domain.RelationshipInitial,
	}

	req := httptest.NewRequest(http.MethodPost, "https://local.example.org/posts", nil)
	pc := pipeline.NewContext(req, nil)
	pc.CurrentUser = newLocalUser(t)
	pc.Data = relPost
	pc.Notification = true
	pc.Links = []linkheader.Link{{URL: rs.srv.URL + "/credentials", Rel: domain.CredentialsLinkRel}}
	return pc
}

func newStage(store storage.Store) *Initialization {
	logger := slog.New(slog.DiscardHandler)
	c := client.New(5*time.Second, nil, logger)
	return NewInitialization(store, c, logger)
}

func TestInitializationHappyPath(t *testing.T) {
	rs := newRemoteServer(t)
	store := memory.New()
	pc := newTestContext(t, rs)

	halt := newStage(store).Process(context.Background(), pc)
	require.Nil(t, halt)

	// The remote server was asked for the relationship post under the
	// fetched credentials.
	assert.True(t, strings.HasPrefix(rs.sawAuthHeader, `Hawk id="remote-credentials-post"`),
		"verification request should carry the remote credentials, got %q", rs.sawAuthHeader)

	// Remote meta and credentials posts are stored for the initiator.
	metaPost, err := store.GetPost(context.Background(), rs.srv.URL, "remote-meta-post")
	require.NoError(t, err)
	assert.Equal(t, rs.srv.URL, metaPost.Entity)
	_, err = store.GetPost(context.Background(), rs.srv.URL, "remote-credentials-post")
	require.NoError(t, err)

	// The local side published its relationship post and a credentials
	// post mentioning it.
	relFeed, err := store.Feed(context.Background(), storage.FeedQuery{
		Types:    []string{domain.RelationshipBaseType},
		Entities: []string{"https://local.example.org"},
	})
	require.NoError(t, err)
	require.Len(t, relFeed, 1)
	require.Len(t, relFeed[0].Mentions, 1)
	assert.Equal(t, rs.relPostID, relFeed[0].Mentions[0].Post)
	assert.False(t, relFeed[0].Public())

	credPost, err := store.FirstByTypeMentioning(context.Background(), domain.CredentialsType, relFeed[0].ID)
	require.NoError(t, err)

	// The response links the new credentials post behind a signed URL
	// and echoes the inbound payload.
	require.Len(t, pc.Response.Links, 1)
	link := pc.Response.Links[0]
	assert.Equal(t, domain.CredentialsLinkRel, link.Rel)
	linkURL, err := url.Parse(link.URL)
	require.NoError(t, err)
	assert.NotEmpty(t, linkURL.Query().Get("bewit"))
	assert.Contains(t, link.URL, credPost.ID)

	assert.Equal(t, http.StatusOK, pc.Response.Status)
	body, ok := pc.Response.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, pc.Data, body["post"])
}

func TestInitializationEntityMismatch(t *testing.T) {
	rs := newRemoteServer(t)
	pc := newTestContext(t, rs)
	rs.metaEntity = "https://impostor.example.org"

	halt := newStage(memory.New()).Process(context.Background(), pc)
	require.NotNil(t, halt)
	assert.Equal(t, http.StatusBadRequest, halt.Status)
	assert.Equal(t, "Entity mismatch!", halt.Message)

	diff, ok := halt.Attributes["diff"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, diff, 1)
	assert.Equal(t, "replace", diff[0]["op"])
	assert.Equal(t, "/content/entity", diff[0]["path"])
	assert.Equal(t, rs.srv.URL, diff[0]["value"])
}

func TestInitializationEntityAbsent(t *testing.T) {
	rs := newRemoteServer(t)
	pc := newTestContext(t, rs)
	rs.metaEntity = ""

	halt := newStage(memory.New()).Process(context.Background(), pc)
	require.NotNil(t, halt)
	assert.Equal(t, "Entity mismatch!", halt.Message)

	diff := halt.Attributes["diff"].([]map[string]any)
	assert.Equal(t, "add", diff[0]["op"])
}

func TestInitializationMissingCredentialsLink(t *testing.T) {
	rs := newRemoteServer(t)
	pc := newTestContext(t, rs)
	pc.Links = nil

	halt := newStage(memory.New()).Process(context.Background(), pc)
	require.NotNil(t, halt)
	assert.Equal(t, http.StatusBadRequest, halt.Status)
	assert.Equal(t, "Expected link to credentials post!", halt.Message)
}

func TestInitializationNoMatchingServer(t *testing.T) {
	rs := newRemoteServer(t)
	pc := newTestContext(t, rs)
	pc.Links = []linkheader.Link{{URL: "https://elsewhere.example.net/credentials", Rel: domain.CredentialsLinkRel}}

	halt := newStage(memory.New()).Process(context.Background(), pc)
	require.NotNil(t, halt)
	assert.Equal(t, "Matching server not found!", halt.Message)

	diff := halt.Attributes["diff"].([]map[string]any)
	require.Len(t, diff, 1)
	assert.Equal(t, "add", diff[0]["op"])
	assert.Equal(t, "/content/servers/urls/~/post", diff[0]["path"])
	assert.Equal(t, "regexp", diff[0]["type"])
	assert.Contains(t, diff[0]["value"], "elsewhere")
}

func TestInitializationCredentialsSchemaInvalid(t *testing.T) {
	rs := newRemoteServer(t)
	pc := newTestContext(t, rs)
	rs.credentials = domain.CredentialsContent{HawkAlgorithm: "sha256"}

	halt := newStage(memory.New()).Process(context.Background(), pc)
	require.NotNil(t, halt)
	assert.Equal(t, "Invalid credentials post format!", halt.Message)

	diff := halt.Attributes["diff"].([]map[string]any)
	require.Len(t, diff, 1)
	assert.Equal(t, "/content/hawk_key", diff[0]["path"])
}

func TestInitializationCredentialsUndecodable(t *testing.T) {
	rs := newRemoteServer(t)
	pc := newTestContext(t, rs)
	rs.rawCreds = "not json at all"

	halt := newStage(memory.New()).Process(context.Background(), pc)
	require.NotNil(t, halt)
	assert.Equal(t, "Invalid credentials post encoding!", halt.Message)
	assert.Equal(t, "not json at all", halt.Attributes["post"])
}

func TestInitializationVerificationFails(t *testing.T) {
	rs := newRemoteServer(t)
	store := memory.New()
	pc := newTestContext(t, rs)
	rs.relStatus = http.StatusNotFound

	halt := newStage(store).Process(context.Background(), pc)
	require.NotNil(t, halt)
	assert.Equal(t, http.StatusBadRequest, halt.Status)
	assert.Contains(t, halt.Message, "Failed to fetch relationship post")
	assert.Equal(t, http.StatusNotFound, halt.Attributes["response_status"])
	assert.Contains(t, halt.Attributes["response_body"], "Not Found")

	// Nothing was persisted before verification succeeded.
	_, err := store.GetPost(context.Background(), rs.srv.URL, "remote-meta-post")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	feed, err := store.Feed(context.Background(), storage.FeedQuery{})
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestInitializationNilBody(t *testing.T) {
	rs := newRemoteServer(t)
	pc := newTestContext(t, rs)
	pc.Data = nil

	halt := newStage(memory.New()).Process(context.Background(), pc)
	require.NotNil(t, halt)
	assert.Equal(t, http.StatusBadRequest, halt.Status)
	assert.Equal(t, "Invalid relationship post!", halt.Message)
}
