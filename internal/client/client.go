// Package client performs outbound federation calls: meta-post discovery
// and authenticated post fetches against remote Tent servers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/hawk"
	"github.com/tentfed/tentd/internal/linkheader"
	"github.com/tentfed/tentd/internal/uritemplate"
)

var (
	// ErrNetwork marks a transport-level failure: timeout, refused
	// connection, canceled context.
	ErrNetwork = errors.New("client: request failed")

	// ErrDecode marks a response body that is not valid JSON.
	ErrDecode = errors.New("client: invalid response encoding")

	// ErrDiscovery marks an entity whose meta post could not be located.
	ErrDiscovery = errors.New("client: discovery failed")
)

// Envelope is the wire wrapper remote servers put around a single post.
type Envelope struct {
	Post  *domain.Post `json:"post"`
	Error string       `json:"error,omitempty"`
}

// Response captures what a fetch returned, for diagnostics.
type Response struct {
	Status   int
	Body     []byte
	Envelope *Envelope
}

// Client issues outbound requests with bounded timeouts. It holds no
// per-request state and is safe for concurrent use.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// New builds a client. transport may be nil for the default.
func New(timeout time.Duration, transport http.RoundTripper, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout, Transport: transport},
		logger: logger,
	}
}

// Discover resolves an entity URI to its meta post: a HEAD against the
// entity URI yields a Link header pointing at the meta post, which is then
// fetched. Both misses and transport errors map to ErrDiscovery; the
// caller cannot act on the difference.
func (c *Client) Discover(ctx context.Context, entityURI string) (*domain.Post, error) {
	metaURL, err := c.discoverMetaURL(ctx, entityURI)
	if err != nil {
		return nil, err
	}

	res, err := c.Get(ctx, metaURL, fmt.Sprintf(domain.PostContentTypeFormat, domain.MetaType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if res.Status != http.StatusOK || res.Envelope == nil || res.Envelope.Post == nil {
		return nil, fmt.Errorf("%w: meta post fetch returned %d", ErrDiscovery, res.Status)
	}
	return res.Envelope.Post, nil
}

func (c *Client) discoverMetaURL(ctx context.Context, entityURI string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, entityURI, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	for _, header := range resp.Header.Values("Link") {
		if link, ok := linkheader.Find(linkheader.Parse(header), domain.MetaPostLinkRel); ok {
			return link.URL, nil
		}
	}
	return "", fmt.Errorf("%w: no meta-post link at %s", ErrDiscovery, entityURI)
}

// Get fetches url with the given Accept header and decodes the post
// envelope. Transport failures wrap ErrNetwork; undecodable bodies wrap
// ErrDecode but still return the raw body for diagnostics.
func (c *Client) Get(ctx context.Context, url, accept string) (*Response, error) {
	return c.get(ctx, url, accept, "")
}

// GetSigned is Get with a Hawk Authorization header computed from creds.
func (c *Client) GetSigned(ctx context.Context, url, accept string, creds hawk.Credentials) (*Response, error) {
	header, err := hawk.RequestHeader(creds, http.MethodGet, url, time.Now())
	if err != nil {
		return nil, err
	}
	return c.get(ctx, url, accept, header)
}

func (c *Client) get(ctx context.Context, url, accept, authorization string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	res := &Response{Status: resp.StatusCode, Body: body}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return res, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	res.Envelope = &envelope
	return res, nil
}

// PostURL expands a server's post URL template for one post.
func PostURL(server domain.MetaServer, entity, postID string) string {
	return uritemplate.Expand(server.PostURL(), map[string]string{
		"entity": entity,
		"post":   postID,
	})
}

// AttachmentURL expands a server's attachment URL template.
func AttachmentURL(server domain.MetaServer, entity, digest string) string {
	return uritemplate.Expand(server.AttachmentURL(), map[string]string{
		"entity": entity,
		"digest": digest,
	})
}
