package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/tentfed/tentd/internal/client"
	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/hawk"
	"github.com/tentfed/tentd/internal/negotiate"
	"github.com/tentfed/tentd/internal/pipeline"
	"github.com/tentfed/tentd/internal/storage"
)

// attachmentRedirect resolves a named attachment of a post and answers
// with a redirect to a signed byte-serving URL. Authorization failures and
// negotiation misses both render as not-found so private attachments stay
// invisible.
func (a *API) attachmentRedirect(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	post, halt := a.loadPost(ctx, pc)
	if halt != nil {
		return halt
	}
	if halt := a.authorizeRead(pc, post); halt != nil {
		return halt
	}

	attachment, ok := negotiate.Attachment(post, pc.Params["name"], pc.Req.Header.Get("Accept"))
	if !ok {
		return pipeline.NewHalt(http.StatusNotFound, "Not Found")
	}

	server, err := pc.CurrentUser.PreferredServer()
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}
	signedURL, err := hawk.SignURL(hawk.Credentials{
		ID:        pc.CurrentUser.ServerCredentials.ID,
		Key:       pc.CurrentUser.ServerCredentials.HawkKey,
		Algorithm: pc.CurrentUser.ServerCredentials.HawkAlgorithm,
	}, client.AttachmentURL(server, post.Entity, attachment.Digest), hawk.SignOptions{Now: a.now()})
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	pc.SetHeader("Location", signedURL)
	pc.SetHeader(domain.AttachmentDigestHeader, attachment.Digest)
	pc.Response.Status = http.StatusFound
	return nil
}

func (a *API) isSelfSigned(pc *pipeline.Context) bool {
	return pc.Credential != nil && pc.Credential.ID == a.user.ServerCredentials.ID
}

// getAttachment serves attachment bytes by digest. Access is authorized
// through the owning post; a digest nobody may see is indistinguishable
// from one that does not exist.
func (a *API) getAttachment(ctx context.Context, pc *pipeline.Context) *pipeline.Halt {
	entity, digest := pc.Params["entity"], pc.Params["digest"]

	post, err := a.store.FirstWithAttachment(ctx, entity, digest)
	if errors.Is(err, storage.ErrNotFound) {
		return pipeline.NewHalt(http.StatusNotFound, "Not Found")
	}
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	if halt := a.authorizeRead(pc, post); halt != nil {
		return halt
	}

	data, err := a.store.GetAttachment(ctx, digest)
	if errors.Is(err, storage.ErrNotFound) {
		return pipeline.NewHalt(http.StatusNotFound, "Not Found")
	}
	if err != nil {
		return pipeline.NewHalt(http.StatusInternalServerError, "Internal server error")
	}

	contentType := "application/octet-stream"
	for _, att := range post.Attachments {
		if att.Digest == digest {
			contentType = att.ContentType
			break
		}
	}

	pc.SetHeader("Content-Type", contentType)
	pc.SetHeader("Content-Length", strconv.Itoa(len(data)))
	pc.SetHeader(domain.AttachmentDigestHeader, digest)
	pc.Response.Status = http.StatusOK
	pc.Response.Body = data
	return nil
}
