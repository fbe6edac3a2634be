package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/hawk"
	"github.com/tentfed/tentd/internal/linkheader"
	"github.com/tentfed/tentd/internal/pipeline"
	"github.com/tentfed/tentd/internal/storage"
	"github.com/tentfed/tentd/internal/tenttype"
)

const maxBodyBytes = 2 << 20

// headerSkew bounds clock drift accepted on Hawk header timestamps.
const headerSkew = time.Minute

func (a *API) lookupUser(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	pc.CurrentUser = a.user
	return nil
}

// authenticate resolves the request's credential: a bewit query parameter
// on GETs, or a Hawk Authorization header. Absence of both is not an
// error; authorization decides later what anonymous callers may do.
// Presenting an invalid proof is terminal.
func (a *API) authenticate(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	r := pc.Req
	requestURL := absoluteURL(r)

	var resolved *domain.Credential
	lookup := func(id string) (*hawk.Credentials, error) {
		cred, err := a.resolveCredential(ctx, id)
		if err != nil || cred == nil {
			return nil, err
		}
		resolved = cred
		return &hawk.Credentials{ID: cred.ID, Key: cred.HawkKey, Algorithm: cred.HawkAlgorithm}, nil
	}

	switch {
	case r.URL.Query().Get("bewit") != "":
		// A bewit authorizes a single GET; presenting one on a write is
		// rejected outright rather than left to the scope check.
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			return pipeline.NewHalt(http.StatusForbidden, "Invalid credentials!")
		}
		if _, err := hawk.VerifyBewit(requestURL, lookup, a.now()); err != nil {
			return pipeline.NewHalt(http.StatusForbidden, "Invalid credentials!")
		}
	case strings.HasPrefix(r.Header.Get("Authorization"), "Hawk "):
		if _, err := hawk.VerifyHeader(r.Header.Get("Authorization"), r.Method, requestURL, lookup, a.now(), headerSkew); err != nil {
			return pipeline.NewHalt(http.StatusForbidden, "Invalid credentials!")
		}
	default:
		return nil
	}

	pc.Credential = resolved
	return nil
}

// resolveCredential loads a credentials post by key id and builds the
// request credential, including the scopes of the post it authenticates.
// Unknown or non-credentials ids resolve to nil, not an error.
func (a *API) resolveCredential(ctx context.Context, id string) (*domain.Credential, error) {
	post, err := a.store.GetPostByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t, err := tenttype.Parse(post.Type)
	if err != nil {
		return nil, nil
	}
	want, _ := tenttype.Parse(domain.CredentialsType)
	if !t.BaseEqual(want) {
		return nil, nil
	}

	var subject *domain.Post
	for _, m := range post.Mentions {
		if m.Post == "" {
			continue
		}
		if s, err := a.store.GetPostByID(ctx, m.Post); err == nil {
			subject = s
			break
		}
	}
	return domain.CredentialFromPosts(post, subject)
}

func (a *API) parseLinks(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	pc.Links = linkheader.Parse(pc.Req.Header.Get("Link"))
	return nil
}

// parseContentType extracts the post type from the envelope content type
// parameter: `application/vnd.tent.post.v0+json; type="..."`.
func (a *API) parseContentType(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	header := pc.Req.Header.Get("Content-Type")
	if header == "" {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil || mediaType != domain.PostMediaType {
		return nil
	}
	typeParam := params["type"]
	if typeParam == "" {
		return nil
	}
	t, err := tenttype.Parse(typeParam)
	if err != nil {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid type parameter!").
			With("type", typeParam)
	}
	pc.PostType = t
	pc.HasPostType = true
	return nil
}

// validatePostContentType requires the envelope content type with a valid
// type parameter on post-writing routes.
func (a *API) validatePostContentType(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	if !pc.HasPostType {
		return pipeline.NewHalt(http.StatusUnsupportedMediaType, "Invalid request content type!").
			With("content_type", pc.Req.Header.Get("Content-Type"))
	}
	return nil
}

// parseInput decodes the request body into the context. An empty body is
// allowed here; routes that require one validate later.
func (a *API) parseInput(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	if pc.Req.Body == nil {
		return nil
	}
	if mediaType, params, err := mime.ParseMediaType(pc.Req.Header.Get("Content-Type")); err == nil &&
		mediaType == domain.MultipartMediaType {
		return a.parseMultipartInput(ctx, pc, params["boundary"])
	}
	body, err := io.ReadAll(io.LimitReader(pc.Req.Body, maxBodyBytes))
	if err != nil {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!")
	}
	if len(body) == 0 {
		return nil
	}
	pc.RawData = body

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!").
			With("post", string(body))
	}
	pc.Data = data
	return nil
}

// parseMultipartInput decodes a multipart body: the part carrying the
// post envelope becomes the context data (and post type, from the part's
// own Content-Type), every other part is an attachment stored by content
// digest and queued on the context for the terminal stage's post.
func (a *API) parseMultipartInput(ctx context.Context, pc *pipeline.Context, boundary string) *pipeline.Halt {
	if boundary == "" {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!")
	}
	reader := multipart.NewReader(io.LimitReader(pc.Req.Body, maxBodyBytes), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!")
		}
		partType, partParams, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!")
		}
		data, err := io.ReadAll(io.LimitReader(part, maxBodyBytes))
		if err != nil {
			return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!")
		}

		if partType == domain.PostMediaType {
			pc.RawData = data
			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!").
					With("post", string(data))
			}
			pc.Data = decoded
			if typeParam := partParams["type"]; typeParam != "" {
				t, err := tenttype.Parse(typeParam)
				if err != nil {
					return pipeline.NewHalt(http.StatusBadRequest, "Invalid type parameter!").
						With("type", typeParam)
				}
				pc.PostType = t
				pc.HasPostType = true
			}
			continue
		}

		digest, err := domain.HexDigest(bytes.NewReader(data))
		if err != nil {
			return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
		}
		if err := a.store.PutAttachment(ctx, digest, data); err != nil {
			return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
		}
		pc.Attachments = append(pc.Attachments, domain.Attachment{
			Name:        part.FileName(),
			Category:    part.FormName(),
			ContentType: partType,
			Digest:      digest,
			Size:        int64(len(data)),
		})
	}
	return nil
}

func (a *API) validateInput(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	if pc.Data == nil {
		return pipeline.NewHalt(http.StatusBadRequest, "Invalid post!")
	}
	return nil
}

// absoluteURL reconstructs the request URL the client signed over.
func absoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if r.URL.Scheme != "" {
		scheme = r.URL.Scheme
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}
