package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tentfed/tentd/internal/api"
	"github.com/tentfed/tentd/internal/client"
	"github.com/tentfed/tentd/internal/config"
	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/hawk"
	"github.com/tentfed/tentd/internal/pkg/safehttp"
	"github.com/tentfed/tentd/internal/server"
	"github.com/tentfed/tentd/internal/storage"
	"github.com/tentfed/tentd/internal/storage/memory"
	"github.com/tentfed/tentd/internal/storage/sqlite"
	"github.com/tentfed/tentd/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("tentd", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer closeStore()

	user, err := bootstrapUser(context.Background(), store, cfg)
	if err != nil {
		log.Fatalf("Failed to bootstrap user: %v", err)
	}
	logger.Info("hosting entity",
		slog.String("entity", user.Entity),
		slog.String("meta_post", user.MetaPost.ID))

	tentClient := client.New(cfg.Discovery.Timeout,
		safehttp.NewTransport(cfg.Discovery.AllowPrivate), logger)

	srv := server.New(cfg.Server.Port, logger)
	api.New(store, user, tentClient, logger).Routes(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func openStore(cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Type {
	case "memory":
		return memory.New(), func() {}, nil
	case "sqlite", "":
		s, err := sqlite.New(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// bootstrapUser loads the hosted entity's meta post and server
// credentials, publishing both on first start.
func bootstrapUser(ctx context.Context, store storage.Store, cfg *config.Config) (*domain.User, error) {
	entity := cfg.User.Entity
	if _, err := store.FindOrCreateEntity(ctx, entity); err != nil {
		return nil, err
	}

	metaPost, err := findMetaPost(ctx, store, entity)
	if errors.Is(err, storage.ErrNotFound) {
		metaPost, err = publishMetaPost(ctx, store, cfg)
	}
	if err != nil {
		return nil, err
	}

	meta, err := domain.ParseMetaContent(metaPost.Content)
	if err != nil {
		return nil, fmt.Errorf("parse meta post: %w", err)
	}

	credPost, err := store.FirstByTypeMentioning(ctx, domain.CredentialsType, metaPost.ID)
	if errors.Is(err, storage.ErrNotFound) {
		credPost, err = publishServerCredentials(ctx, store, entity, metaPost)
	}
	if err != nil {
		return nil, err
	}
	var credContent domain.CredentialsContent
	if err := json.Unmarshal(credPost.Content, &credContent); err != nil {
		return nil, fmt.Errorf("parse server credentials: %w", err)
	}

	return &domain.User{
		Entity:   entity,
		MetaPost: metaPost,
		Meta:     meta,
		ServerCredentials: domain.Credential{
			ID:            credPost.ID,
			HawkKey:       credContent.HawkKey,
			HawkAlgorithm: credContent.HawkAlgorithm,
		},
	}, nil
}

func findMetaPost(ctx context.Context, store storage.Store, entity string) (*domain.Post, error) {
	posts, err := store.Feed(ctx, storage.FeedQuery{
		Types:    []string{domain.MetaType},
		Entities: []string{entity},
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, storage.ErrNotFound
	}
	return posts[0], nil
}

func publishMetaPost(ctx context.Context, store storage.Store, cfg *config.Config) (*domain.Post, error) {
	base := cfg.Server.PublicURL
	content, err := json.Marshal(domain.MetaContent{
		Entity: cfg.User.Entity,
		Servers: []domain.MetaServer{{
			Version:    "0.3",
			Preference: 0,
			URLs: map[string]string{
				"post":        base + "/posts/{entity}/{post}",
				"new_post":    base + "/posts",
				"posts_feed":  base + "/posts",
				"attachment":  base + "/attachments/{entity}/{digest}",
				"oauth_auth":  base + "/oauth/authorize",
				"oauth_token": base + "/oauth/token",
			},
		}},
	})
	if err != nil {
		return nil, err
	}

	now := domain.TimestampMillis(time.Now())
	post := &domain.Post{
		ID:          domain.NewPostID(),
		Entity:      cfg.User.Entity,
		Type:        domain.MetaType + "#",
		Content:     content,
		Version:     domain.Version{ID: domain.NewPostID(), PublishedAt: now},
		PublishedAt: now,
		ReceivedAt:  now,
	}
	if err := store.CreatePost(ctx, post, storage.CreateOptions{}); err != nil {
		return nil, err
	}
	return post, nil
}

func publishServerCredentials(ctx context.Context, store storage.Store, entity string, metaPost *domain.Post) (*domain.Post, error) {
	content, err := json.Marshal(domain.CredentialsContent{
		HawkKey:       domain.NewHawkKey(),
		HawkAlgorithm: hawk.SHA256Algorithm,
	})
	if err != nil {
		return nil, err
	}

	now := domain.TimestampMillis(time.Now())
	post := &domain.Post{
		ID:      domain.NewPostID(),
		Entity:  entity,
		Type:    domain.CredentialsType,
		Content: content,
		Mentions: []domain.Mention{
			{Entity: entity, Post: metaPost.ID, Type: metaPost.Type},
		},
		Version:     domain.Version{ID: domain.NewPostID(), PublishedAt: now},
		Permissions: &domain.Permissions{Public: false},
		PublishedAt: now,
		ReceivedAt:  now,
	}
	if err := store.CreatePost(ctx, post, storage.CreateOptions{}); err != nil {
		return nil, err
	}
	return post, nil
}
