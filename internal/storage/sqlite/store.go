// Package sqlite is the durable Store implementation backed by
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/storage"
)

// Store persists the full storage.Store surface in one SQLite database.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if necessary) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uri TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS posts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			public_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			original_entity TEXT,
			type TEXT NOT NULL,
			type_base TEXT NOT NULL,
			version_id TEXT NOT NULL,
			content TEXT,
			version TEXT NOT NULL,
			mentions TEXT,
			attachments TEXT,
			public INTEGER NOT NULL DEFAULT 1,
			notification INTEGER NOT NULL DEFAULT 0,
			published_at INTEGER,
			received_at INTEGER,
			UNIQUE(entity, public_id, version_id)
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			digest TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS auth_codes (
			code TEXT PRIMARY KEY,
			app_post_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_entity_id ON posts(entity, public_id)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_type_base ON posts(type_base)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_received ON posts(received_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) FindOrCreateEntity(ctx context.Context, uri string) (*domain.Entity, error) {
	e := &domain.Entity{URI: uri, CreatedAt: time.Now()}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (uri, created_at) VALUES (?, ?) ON CONFLICT(uri) DO NOTHING`,
		uri, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM entities WHERE uri = ?`, uri).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	return e, nil
}

func (s *Store) CreatePost(ctx context.Context, post *domain.Post, opts storage.CreateOptions) error {
	return s.insertPost(ctx, post, opts.Notification)
}

func (s *Store) CreateVersion(ctx context.Context, post *domain.Post) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM posts WHERE entity = ? AND public_id = ?`,
		post.Entity, post.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check post: %w", err)
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	return s.insertPost(ctx, post, false)
}

func (s *Store) insertPost(ctx context.Context, post *domain.Post, notification bool) error {
	version, err := json.Marshal(post.Version)
	if err != nil {
		return fmt.Errorf("failed to marshal version: %w", err)
	}
	mentions, err := json.Marshal(post.Mentions)
	if err != nil {
		return fmt.Errorf("failed to marshal mentions: %w", err)
	}
	attachments, err := json.Marshal(post.Attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}

	base, _, _ := strings.Cut(post.Type, "#")

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts
		 (public_id, entity, original_entity, type, type_base, version_id,
		  content, version, mentions, attachments, public, notification,
		  published_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.Entity, post.OriginalEntity, post.Type, base,
		post.Version.ID, string(post.Content), string(version),
		string(mentions), string(attachments), boolInt(post.Public()),
		boolInt(notification), post.PublishedAt, post.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	return nil
}

const postColumns = `public_id, entity, original_entity, type, content,
	version, mentions, attachments, public, published_at, received_at`

func (s *Store) GetPost(ctx context.Context, entity, postID string) (*domain.Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE entity = ? AND public_id = ?
		 ORDER BY seq DESC LIMIT 1`, entity, postID)
	return scanPost(row)
}

func (s *Store) GetPostByID(ctx context.Context, postID string) (*domain.Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE public_id = ?
		 ORDER BY seq DESC LIMIT 1`, postID)
	return scanPost(row)
}

func (s *Store) FirstByTypeMentioning(ctx context.Context, typeURI, mentionedPostID string) (*domain.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE type = ? ORDER BY seq ASC`, typeURI)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		post, err := scanPostRows(rows)
		if err != nil {
			return nil, err
		}
		for _, m := range post.Mentions {
			if m.Post == mentionedPostID {
				return post, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, storage.ErrNotFound
}

func (s *Store) FirstWithAttachment(ctx context.Context, entity, digest string) (*domain.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE entity = ? AND attachments LIKE ?
		 AND seq IN (SELECT MAX(seq) FROM posts GROUP BY entity, public_id)
		 ORDER BY seq ASC`, entity, "%"+digest+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		post, err := scanPostRows(rows)
		if err != nil {
			return nil, err
		}
		for _, a := range post.Attachments {
			if a.Digest == digest {
				return post, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, storage.ErrNotFound
}

func (s *Store) Feed(ctx context.Context, q storage.FeedQuery) ([]*domain.Post, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT ` + postColumns + ` FROM posts
		WHERE seq IN (SELECT MAX(seq) FROM posts GROUP BY entity, public_id)`
	var args []any

	if len(q.Entities) > 0 {
		query += ` AND entity IN (` + placeholders(len(q.Entities)) + `)`
		for _, e := range q.Entities {
			args = append(args, e)
		}
	}
	if len(q.Types) > 0 {
		query += ` AND type_base IN (` + placeholders(len(q.Types)) + `)`
		for _, t := range q.Types {
			base, _, _ := strings.Cut(t, "#")
			args = append(args, base)
		}
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed: %w", err)
	}
	defer rows.Close()

	var posts []*domain.Post
	for rows.Next() {
		post, err := scanPostRows(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (s *Store) PutAttachment(ctx context.Context, digest string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (digest, data, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(digest) DO NOTHING`,
		digest, data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	return nil
}

func (s *Store) GetAttachment(ctx context.Context, digest string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM attachments WHERE digest = ?`, digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attachment: %w", err)
	}
	return data, nil
}

func (s *Store) PutAuthCode(ctx context.Context, code, appPostID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_codes (code, app_post_id, created_at) VALUES (?, ?, ?)`,
		code, appPostID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store auth code: %w", err)
	}
	return nil
}

func (s *Store) TakeAuthCode(ctx context.Context, code string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var postID string
	err = tx.QueryRowContext(ctx,
		`SELECT app_post_id FROM auth_codes WHERE code = ?`, code).Scan(&postID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load auth code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_codes WHERE code = ?`, code); err != nil {
		return "", fmt.Errorf("failed to consume auth code: %w", err)
	}
	return postID, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*domain.Post, error) {
	post, err := scanPostRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return post, err
}

func scanPostRows(row rowScanner) (*domain.Post, error) {
	var (
		post                          domain.Post
		content, version              string
		mentions, attachments         string
		public                        int
		originalEntity                sql.NullString
	)

	err := row.Scan(&post.ID, &post.Entity, &originalEntity, &post.Type,
		&content, &version, &mentions, &attachments, &public,
		&post.PublishedAt, &post.ReceivedAt)
	if err != nil {
		return nil, err
	}

	post.OriginalEntity = originalEntity.String
	post.Content = json.RawMessage(content)
	post.Permissions = &domain.Permissions{Public: public == 1}

	if err := json.Unmarshal([]byte(version), &post.Version); err != nil {
		return nil, fmt.Errorf("failed to unmarshal version: %w", err)
	}
	if err := json.Unmarshal([]byte(mentions), &post.Mentions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mentions: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &post.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	return &post, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
