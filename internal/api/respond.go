package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/linkheader"
	"github.com/tentfed/tentd/internal/pipeline"
	"github.com/tentfed/tentd/internal/server"
)

// handle adapts a stage chain to an http.HandlerFunc: it builds the
// request context, runs the chain, and renders either the accumulated
// response or the halt.
func (a *API) handle(chain *pipeline.Chain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pc := pipeline.NewContext(r, routeParams(r))
		halt := chain.Run(r.Context(), pc)
		a.render(w, r, pc, halt)
	}
}

// render is the single serialization boundary. Halts become the protocol
// error content type with the message under "error" and the halt's
// attributes alongside; nothing internal leaks.
func (a *API) render(w http.ResponseWriter, r *http.Request, pc *pipeline.Context, halt *pipeline.Halt) {
	if halt != nil {
		server.AddError(r.Context(), halt)

		body := map[string]any{"error": halt.Message}
		for k, v := range halt.Attributes {
			body[k] = v
		}
		w.Header().Set("Content-Type", domain.ErrorMediaType)
		w.WriteHeader(halt.Status)
		json.NewEncoder(w).Encode(body)
		return
	}

	for key, values := range pc.Response.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if len(pc.Response.Links) > 0 {
		formatted := make([]string, len(pc.Response.Links))
		for i, l := range pc.Response.Links {
			formatted[i] = linkheader.Format(l)
		}
		w.Header().Set("Link", strings.Join(formatted, ", "))
	}

	status := pc.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	switch body := pc.Response.Body.(type) {
	case nil:
	case []byte:
		w.Write(body)
	default:
		json.NewEncoder(w).Encode(body)
	}
}

// routeParams copies the chi URL parameters into the pipeline context's
// parameter map, unescaping the entity segment.
func routeParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return params
	}
	for i, key := range rctx.URLParams.Keys {
		value := rctx.URLParams.Values[i]
		if key == "entity" {
			if unescaped, err := url.QueryUnescape(value); err == nil {
				value = unescaped
			}
		}
		params[key] = value
	}
	return params
}
