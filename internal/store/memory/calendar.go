package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

type calendarStore struct {
	mu      sync.RWMutex
	byID    map[string]store.CalendarCommitment
	byDedup map[string]string // dedup key -> id
}

func newCalendarStore() *calendarStore {
	return &calendarStore{
		byID:    make(map[string]store.CalendarCommitment),
		byDedup: make(map[string]string),
	}
}

func (s *calendarStore) Create(ctx context.Context, c store.CalendarCommitment) (store.CalendarCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.DedupKey != "" {
		if _, ok := s.byDedup[c.DedupKey]; ok {
			return store.CalendarCommitment{}, errdefs.New(errdefs.Conflict, "commitment already recorded")
		}
	}
	c.ID = uuid.Must(uuid.NewV7()).String()
	c.CreatedAt = time.Now().UTC()
	s.byID[c.ID] = c
	if c.DedupKey != "" {
		s.byDedup[c.DedupKey] = c.ID
	}
	return c, nil
}

func (s *calendarStore) Get(ctx context.Context, id string) (store.CalendarCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return store.CalendarCommitment{}, errdefs.New(errdefs.NotFound, "commitment not found")
	}
	return c, nil
}

func (s *calendarStore) ByDedupKey(ctx context.Context, dedupKey string) (store.CalendarCommitment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDedup[dedupKey]
	if !ok {
		return store.CalendarCommitment{}, false, nil
	}
	return s.byID[id], true, nil
}

func (s *calendarStore) List(ctx context.Context, agentKey string, from, to time.Time) ([]store.CalendarCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.CalendarCommitment, 0, len(s.byID))
	for _, c := range s.byID {
		if agentKey != "" && c.AgentKey != agentKey {
			continue
		}
		if !from.IsZero() && c.Start.Before(from) {
			continue
		}
		if !to.IsZero() && c.Start.After(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *calendarStore) Update(ctx context.Context, c store.CalendarCommitment) (store.CalendarCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; !ok {
		return store.CalendarCommitment{}, errdefs.New(errdefs.NotFound, "commitment not found")
	}
	now := time.Now().UTC()
	c.UpdatedAt = &now
	s.byID[c.ID] = c
	return c, nil
}
