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

type handoverStore struct {
	mu   sync.RWMutex
	byID map[string]*store.HandoverTicket
}

func newHandoverStore() *handoverStore {
	return &handoverStore{byID: make(map[string]*store.HandoverTicket)}
}

func open(s store.HandoverStatus) bool {
	return s == store.HandoverPending || s == store.HandoverAccepted || s == store.HandoverInProgress
}

func (h *handoverStore) Create(ctx context.Context, t store.HandoverTicket) (store.HandoverTicket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.byID {
		if existing.ConversationID == t.ConversationID && open(existing.Status) {
			return store.HandoverTicket{}, errdefs.New(errdefs.Conflict, "conversation already has an open handover")
		}
	}
	t.ID = uuid.Must(uuid.NewV7()).String()
	t.Status = store.HandoverPending
	t.CreatedAt = time.Now().UTC()
	stored := t
	h.byID[stored.ID] = &stored
	return stored, nil
}

func (h *handoverStore) Get(ctx context.Context, id string) (store.HandoverTicket, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.byID[id]
	if !ok {
		return store.HandoverTicket{}, errdefs.New(errdefs.NotFound, "handover not found")
	}
	return *t, nil
}

func (h *handoverStore) List(ctx context.Context, status store.HandoverStatus) ([]store.HandoverTicket, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]store.HandoverTicket, 0, len(h.byID))
	for _, t := range h.byID {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (h *handoverStore) OpenByConversation(ctx context.Context, conversationID string) (store.HandoverTicket, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.byID {
		if t.ConversationID == conversationID && open(t.Status) {
			return *t, true, nil
		}
	}
	return store.HandoverTicket{}, false, nil
}

func (h *handoverStore) Accept(ctx context.Context, id, humanID string) (store.HandoverTicket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.byID[id]
	if !ok {
		return store.HandoverTicket{}, errdefs.New(errdefs.NotFound, "handover not found")
	}
	if t.Status != store.HandoverPending {
		return store.HandoverTicket{}, errdefs.New(errdefs.Conflict, "handover already taken")
	}
	now := time.Now().UTC()
	t.Status = store.HandoverAccepted
	t.AssignedAgent = humanID
	t.AcceptedAt = &now
	return *t, nil
}

func (h *handoverStore) Resolve(ctx context.Context, id, notes string) (store.HandoverTicket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.byID[id]
	if !ok {
		return store.HandoverTicket{}, errdefs.New(errdefs.NotFound, "handover not found")
	}
	if t.Status != store.HandoverAccepted && t.Status != store.HandoverInProgress {
		return store.HandoverTicket{}, errdefs.New(errdefs.Conflict, "handover is not in progress")
	}
	now := time.Now().UTC()
	t.Status = store.HandoverResolved
	t.ResolvedAt = &now
	if notes != "" {
		t.Notes = notes
	}
	return *t, nil
}

func (h *handoverStore) Cancel(ctx context.Context, id string) (store.HandoverTicket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.byID[id]
	if !ok {
		return store.HandoverTicket{}, errdefs.New(errdefs.NotFound, "handover not found")
	}
	if !open(t.Status) {
		return store.HandoverTicket{}, errdefs.New(errdefs.Conflict, "handover already closed")
	}
	t.Status = store.HandoverCancelled
	return *t, nil
}

func (h *handoverStore) Stats(ctx context.Context) (store.HandoverStats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := store.HandoverStats{ByStatus: make(map[store.HandoverStatus]int)}
	var acceptSum, resolveSum float64
	var accepted, resolved int
	for _, t := range h.byID {
		stats.ByStatus[t.Status]++
		if t.AcceptedAt != nil {
			acceptSum += t.AcceptedAt.Sub(t.CreatedAt).Seconds()
			accepted++
		}
		if t.ResolvedAt != nil && t.AcceptedAt != nil {
			resolveSum += t.ResolvedAt.Sub(*t.AcceptedAt).Seconds()
			resolved++
		}
	}
	if accepted > 0 {
		stats.AvgAcceptSeconds = acceptSum / float64(accepted)
	}
	if resolved > 0 {
		stats.AvgResolveSeconds = resolveSum / float64(resolved)
	}
	return stats, nil
}
