// Package memory is an in-memory Store used by tests and single-process
// development servers.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tentfed/tentd/internal/domain"
	"github.com/tentfed/tentd/internal/storage"
)

// Store is a mutex-guarded in-memory implementation of storage.Store.
type Store struct {
	mu           sync.RWMutex
	nextEntityID int64
	entities     map[string]*domain.Entity
	// posts holds every version, newest last, keyed by entity|id.
	posts       map[string][]*domain.Post
	attachments map[string][]byte
	authCodes   map[string]string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		entities:    make(map[string]*domain.Entity),
		posts:       make(map[string][]*domain.Post),
		attachments: make(map[string][]byte),
		authCodes:   make(map[string]string),
	}
}

func postKey(entity, id string) string {
	return entity + "|" + id
}

func (s *Store) FindOrCreateEntity(ctx context.Context, uri string) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entities[uri]; ok {
		return e, nil
	}
	s.nextEntityID++
	e := &domain.Entity{ID: s.nextEntityID, URI: uri, CreatedAt: time.Now()}
	s.entities[uri] = e
	return e, nil
}

func (s *Store) CreatePost(ctx context.Context, post *domain.Post, opts storage.CreateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := postKey(post.Entity, post.ID)
	s.posts[key] = append(s.posts[key], clonePost(post))
	return nil
}

func (s *Store) CreateVersion(ctx context.Context, post *domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := postKey(post.Entity, post.ID)
	if len(s.posts[key]) == 0 {
		return storage.ErrNotFound
	}
	s.posts[key] = append(s.posts[key], clonePost(post))
	return nil
}

func (s *Store) GetPost(ctx context.Context, entity, postID string) (*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.posts[postKey(entity, postID)]
	if len(versions) == 0 {
		return nil, storage.ErrNotFound
	}
	return clonePost(versions[len(versions)-1]), nil
}

func (s *Store) GetPostByID(ctx context.Context, postID string) (*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, versions := range s.posts {
		if strings.HasSuffix(key, "|"+postID) && len(versions) > 0 {
			return clonePost(versions[len(versions)-1]), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) FirstByTypeMentioning(ctx context.Context, typeURI, mentionedPostID string) (*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, versions := range s.posts {
		if len(versions) == 0 {
			continue
		}
		p := versions[len(versions)-1]
		if p.Type != typeURI {
			continue
		}
		for _, m := range p.Mentions {
			if m.Post == mentionedPostID {
				return clonePost(p), nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) FirstWithAttachment(ctx context.Context, entity, digest string) (*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, versions := range s.posts {
		if len(versions) == 0 {
			continue
		}
		p := versions[len(versions)-1]
		if p.Entity != entity {
			continue
		}
		for _, a := range p.Attachments {
			if a.Digest == digest {
				return clonePost(p), nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) Feed(ctx context.Context, q storage.FeedQuery) ([]*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 25
	}

	var out []*domain.Post
	for _, versions := range s.posts {
		if len(versions) == 0 {
			continue
		}
		p := versions[len(versions)-1]
		if !matchesFeed(p, q) {
			continue
		}
		out = append(out, clonePost(p))
	}

	// Newest first.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ReceivedAt > out[i].ReceivedAt {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFeed(p *domain.Post, q storage.FeedQuery) bool {
	if len(q.Entities) > 0 {
		found := false
		for _, e := range q.Entities {
			if p.Entity == e {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Types) > 0 {
		base, _, _ := strings.Cut(p.Type, "#")
		found := false
		for _, t := range q.Types {
			want, _, _ := strings.Cut(t, "#")
			if base == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) PutAttachment(ctx context.Context, digest string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	s.attachments[digest] = buf
	return nil
}

func (s *Store) GetAttachment(ctx context.Context, digest string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.attachments[digest]
	if !ok {
		return nil, storage.ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *Store) PutAuthCode(ctx context.Context, code, appPostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code] = appPostID
	return nil
}

func (s *Store) TakeAuthCode(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	postID, ok := s.authCodes[code]
	if !ok {
		return "", storage.ErrNotFound
	}
	delete(s.authCodes, code)
	return postID, nil
}

func clonePost(p *domain.Post) *domain.Post {
	cp := *p
	if p.Permissions != nil {
		perm := *p.Permissions
		cp.Permissions = &perm
	}
	cp.Mentions = append([]domain.Mention(nil), p.Mentions...)
	cp.Attachments = append([]domain.Attachment(nil), p.Attachments...)
	cp.Content = append([]byte(nil), p.Content...)
	return &cp
}
