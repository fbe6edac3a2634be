package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/tentfed/tentd/internal/pipeline"
)

// Routes mounts the protocol surface. Every route shares the common
// pre-stages; post-writing routes add content-type and body validation
// before their terminal stage.
func (a *API) Routes(r chi.Router) {
	common := pipeline.NewChain(
		a.stage("lookup-user", a.lookupUser),
		a.stage("parse-links", a.parseLinks),
		a.stage("parse-content-type", a.parseContentType),
		a.stage("authenticate", a.authenticate),
		a.stage("parse-input", a.parseInput),
	)

	writePost := common.Append(
		a.stage("validate-post-content-type", a.validatePostContentType),
		a.stage("validate-input", a.validateInput),
	)

	r.Head("/", a.handle(common.Append(a.stage("hello-world", a.helloWorld))))
	r.Get("/", a.handle(common.Append(a.stage("hello-world", a.helloWorld))))

	r.Post("/posts", a.handle(writePost.Append(a.stage("create-post", a.createPost))))
	r.Get("/posts", a.handle(common.Append(a.stage("posts-feed", a.postsFeed))))

	r.Get("/posts/{entity}/{post}", a.handle(common.Append(a.stage("get-post", a.getPost))))
	r.Put("/posts/{entity}/{post}", a.handle(writePost.Append(a.stage("create-post-version", a.createPostVersion))))

	r.Get("/posts/{entity}/{post}/attachments/{name}", a.handle(common.Append(a.stage("attachment-redirect", a.attachmentRedirect))))
	r.Get("/attachments/{entity}/{digest}", a.handle(common.Append(a.stage("get-attachment", a.getAttachment))))

	r.Get("/oauth/authorize", a.handle(common.Append(a.stage("oauth-authorize", a.oauthAuthorize))))
	r.Post("/oauth/token", a.handle(common.Append(a.stage("oauth-token", a.oauthToken))))
}
