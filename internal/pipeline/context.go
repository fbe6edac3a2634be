package pipeline

import (
	"net/http"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/linkheader"
	"github.com/tentfed/tentd/internal/tenttype"
)

// Response accumulates what the terminal stage wants sent back.
type Response struct {
	Status int
	Header http.Header
	Body   any
	Links  []linkheader.Link
}

// Context is the mutable per-request bag flowing through a stage chain.
// It is created at the start of a request, owned exclusively by that
// request, and discarded at the end.
type Context struct {
	// Req is the inbound request; stages treat it as read-only.
	Req *http.Request

	// Params are the parsed route parameters.
	Params map[string]string

	// CurrentUser is the local user the request addresses.
	CurrentUser *domain.User

	// Credential is the authenticated client credential, if any.
	Credential *domain.Credential

	// Data is the decoded request body.
	Data map[string]any
	// RawData preserves the body bytes for echoing and re-decoding.
	RawData []byte

	// PostType is the type parameter parsed from the Content-Type
	// header, valid when HasPostType is set.
	PostType    tenttype.Type
	HasPostType bool

	// Links are the parsed entries of the request's Link header.
	Links []linkheader.Link

	// Attachments are binaries decoded from a multipart body, already
	// persisted by digest, awaiting the terminal stage's post.
	Attachments []domain.Attachment

	// Notification marks a federation-originated write: side effects are
	// applied silently, without triggering outbound deliveries.
	Notification bool

	Response Response
}

// NewContext builds a context for one request.
func NewContext(r *http.Request, params map[string]string) *Context {
	if params == nil {
		params = make(map[string]string)
	}
	return &Context{
		Req:      r,
		Params:   params,
		Response: Response{Header: make(http.Header)},
	}
}

// SetHeader records a response header.
func (c *Context) SetHeader(key, value string) {
	c.Response.Header.Set(key, value)
}

// AddResponseLink appends a response link rendered into the Link header.
func (c *Context) AddResponseLink(url, rel string) {
	c.Response.Links = append(c.Response.Links, linkheader.Link{URL: url, Rel: rel})
}

// RequestLink returns the first request link with the given relation.
func (c *Context) RequestLink(rel string) (linkheader.Link, bool) {
	return linkheader.Find(c.Links, rel)
}
