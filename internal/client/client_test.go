package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/hawk"
	"github.com/tentfed/tentd/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDiscover(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "discovery")
	defer cleanup()

	c := New(5*time.Second, r, testLogger())

	meta, err := c.Discover(context.Background(), "https://remote.example.org")
	require.NoError(t, err)
	assert.Equal(t, "meta-post-id", meta.ID)
	assert.Equal(t, domain.MetaType, meta.Type)

	content, err := domain.ParseMetaContent(meta.Content)
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example.org", content.Entity)
	require.Len(t, content.Servers, 1)
}

func TestDiscoverNoLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second, nil, testLogger())
	_, err := c.Discover(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrDiscovery)
}

func TestDiscoverUnreachable(t *testing.T) {
	c := New(200*time.Millisecond, nil, testLogger())
	_, err := c.Discover(context.Background(), "http://127.0.0.1:1/unreachable")
	assert.ErrorIs(t, err, ErrDiscovery)
}

func TestGetSigned(t *testing.T) {
	creds := hawk.Credentials{ID: "cred-id", Key: "secret", Algorithm: hawk.SHA256Algorithm}

	var gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		json.NewEncoder(w).Encode(Envelope{Post: &domain.Post{ID: "p1", Entity: "e"}})
	}))
	defer srv.Close()

	c := New(time.Second, nil, testLogger())
	accept := fmt.Sprintf(domain.PostContentTypeFormat, domain.RelationshipInitial)
	res, err := c.GetSigned(context.Background(), srv.URL+"/posts/e/p1", accept, creds)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.Status)
	require.NotNil(t, res.Envelope)
	assert.Equal(t, "p1", res.Envelope.Post.ID)
	assert.Contains(t, gotAuth, `Hawk id="cred-id"`)
	assert.Equal(t, accept, gotAccept)
}

func TestGetDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := New(time.Second, nil, testLogger())
	res, err := c.Get(context.Background(), srv.URL, "")
	assert.ErrorIs(t, err, ErrDecode)
	require.NotNil(t, res, "raw body must survive decode failures")
	assert.Contains(t, string(res.Body), "not json")
}

func TestGetNetworkError(t *testing.T) {
	c := New(200*time.Millisecond, nil, testLogger())
	_, err := c.Get(context.Background(), "http://127.0.0.1:1/nope", "")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestURLTemplates(t *testing.T) {
	server := domain.MetaServer{URLs: map[string]string{
		"post":       "https://s.example.org/posts/{entity}/{post}",
		"attachment": "https://s.example.org/attachments/{entity}/{digest}",
	}}

	assert.Equal(t,
		"https://s.example.org/posts/https%3A%2F%2Fe.example.org/abc",
		PostURL(server, "https://e.example.org", "abc"))
	assert.Equal(t,
		"https://s.example.org/attachments/e/d1",
		AttachmentURL(server, "e", "d1"))
}
