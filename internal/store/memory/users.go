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

type userStore struct {
	mu        sync.RWMutex
	byID      map[string]store.User
	byEmail   map[string]string // email -> id
	byChannel map[string]string // channel + "\x00" + channelUserID -> id
}

func newUserStore() *userStore {
	return &userStore{
		byID:      make(map[string]store.User),
		byEmail:   make(map[string]string),
		byChannel: make(map[string]string),
	}
}

func (s *userStore) Create(ctx context.Context, u store.User) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email != "" {
		if _, ok := s.byEmail[email]; ok {
			return store.User{}, errdefs.New(errdefs.Conflict, "email already registered")
		}
	}
	u.ID = uuid.Must(uuid.NewV7()).String()
	u.Email = email
	u.CreatedAt = time.Now().UTC()
	s.byID[u.ID] = u
	if email != "" {
		s.byEmail[email] = u.ID
	}
	return u, nil
}

func (s *userStore) ByID(ctx context.Context, id string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return store.User{}, errdefs.New(errdefs.NotFound, "user not found")
	}
	return u, nil
}

func (s *userStore) ByEmail(ctx context.Context, email string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return store.User{}, errdefs.New(errdefs.NotFound, "user not found")
	}
	return s.byID[id], nil
}

func (s *userStore) EnsureExternal(ctx context.Context, channel, channelUserID, name string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := channel + "\x00" + channelUserID
	if id, ok := s.byChannel[key]; ok {
		return s.byID[id], nil
	}
	u := store.User{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Name:          name,
		External:      true,
		Channel:       channel,
		ChannelUserID: channelUserID,
		CreatedAt:     time.Now().UTC(),
	}
	if u.Name == "" {
		u.Name = channelUserID
	}
	s.byID[u.ID] = u
	s.byChannel[key] = u.ID
	return u, nil
}

func (s *userStore) List(ctx context.Context) ([]store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
