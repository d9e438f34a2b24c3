package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

type customAgentStore struct {
	mu    sync.RWMutex
	byKey map[string]store.CustomAgent
}

func newCustomAgentStore() *customAgentStore {
	return &customAgentStore{byKey: make(map[string]store.CustomAgent)}
}

func (s *customAgentStore) Create(ctx context.Context, a store.CustomAgent) (store.CustomAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(a.Key))
	if key == "" {
		return store.CustomAgent{}, errdefs.New(errdefs.Invalid, "agent key is required")
	}
	if _, ok := s.byKey[key]; ok {
		return store.CustomAgent{}, errdefs.Newf(errdefs.Conflict, "agent %q already exists", key)
	}
	a.Key = key
	a.CreatedAt = time.Now().UTC()
	s.byKey[key] = a
	return a, nil
}

func (s *customAgentStore) ByKey(ctx context.Context, key string) (store.CustomAgent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byKey[strings.ToLower(key)]
	return a, ok, nil
}

func (s *customAgentStore) List(ctx context.Context) ([]store.CustomAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.CustomAgent, 0, len(s.byKey))
	for _, a := range s.byKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *customAgentStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key = strings.ToLower(key)
	if _, ok := s.byKey[key]; !ok {
		return errdefs.New(errdefs.NotFound, "agent not found")
	}
	delete(s.byKey, key)
	return nil
}

type interactionStore struct {
	mu     sync.RWMutex
	byUser map[string][]store.Interaction
}

func newInteractionStore() *interactionStore {
	return &interactionStore{byUser: make(map[string][]store.Interaction)}
}

func (s *interactionStore) Log(ctx context.Context, i store.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i.ID = uuid.Must(uuid.NewV7()).String()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	s.byUser[i.UserID] = append(s.byUser[i.UserID], i)
	return nil
}

func (s *interactionStore) ListByUser(ctx context.Context, userID string, limit int) ([]store.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.byUser[userID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]store.Interaction, len(all))
	copy(out, all)
	return out, nil
}

type uploadStore struct {
	mu    sync.Mutex
	byKey map[string]store.UploadGrant
}

func newUploadStore() *uploadStore {
	return &uploadStore{byKey: make(map[string]store.UploadGrant)}
}

func (s *uploadStore) Put(ctx context.Context, g store.UploadGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[g.Key] = g
	return nil
}

func (s *uploadStore) Consume(ctx context.Context, key string, issuedAfter time.Time) (store.UploadGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.byKey[key]
	if !ok {
		return store.UploadGrant{}, errdefs.New(errdefs.NotFound, "unknown upload key")
	}
	if g.Consumed {
		return store.UploadGrant{}, errdefs.New(errdefs.Conflict, "upload already confirmed")
	}
	if g.IssuedAt.Before(issuedAfter) {
		return store.UploadGrant{}, errdefs.New(errdefs.NotFound, "upload grant expired")
	}
	g.Consumed = true
	s.byKey[key] = g
	return g, nil
}

func (s *uploadStore) Expire(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, g := range s.byKey {
		if !g.Consumed && g.IssuedAt.Before(cutoff) {
			keys = append(keys, k)
			delete(s.byKey, k)
		}
	}
	return keys, nil
}
