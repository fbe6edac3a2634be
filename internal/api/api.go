// Package api wires the protocol's HTTP surface: each route is a chain of
// pipeline stages sharing common pre-stages (user lookup, authentication,
// input and header parsing) followed by a terminal handler stage. The
// package also owns the response boundary that renders a pipeline Halt as
// the protocol's error content type.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/tentfed/tentd/internal/client"
	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/pipeline"
	"github.com/tentfed/tentd/internal/relationship"
	"github.com/tentfed/tentd/internal/storage"
)

// API binds the route handlers to their collaborators.
type API struct {
	store  storage.Store
	user   *domain.User
	client *client.Client
	logger *slog.Logger

	handshake *relationship.Initialization

	// now is replaceable in tests for bewit expiry control.
	now func() time.Time
}

// New builds the API for a single hosted user.
func New(store storage.Store, user *domain.User, c *client.Client, logger *slog.Logger) *API {
	return &API{
		store:     store,
		user:      user,
		client:    c,
		logger:    logger,
		handshake: relationship.NewInitialization(store, c, logger),
		now:       time.Now,
	}
}

func (a *API) stage(name string, fn func(ctx context.Context, pc *pipeline.Context) *pipeline.Halt) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: fn}
}
