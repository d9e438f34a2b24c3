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

type messageStore struct {
	mu        sync.RWMutex
	clock     *monotonicClock
	byID      map[string]*store.Message
	byConv    map[string][]*store.Message // timestamp ascending
	tempIDs   map[string]tempIDEntry      // author + "\x00" + tempID
	providers map[string]struct{}         // seen channel-native ids
}

type tempIDEntry struct {
	messageID string
	at        time.Time
}

func newMessageStore(clock *monotonicClock) *messageStore {
	return &messageStore{
		clock:     clock,
		byID:      make(map[string]*store.Message),
		byConv:    make(map[string][]*store.Message),
		tempIDs:   make(map[string]tempIDEntry),
		providers: make(map[string]struct{}),
	}
}

func (s *messageStore) Append(ctx context.Context, msg store.Message) (store.Message, bool, error) {
	if msg.Kind != "" && msg.Kind != store.KindText && msg.Attachment == nil {
		return store.Message{}, false, errdefs.Newf(errdefs.Invalid, "%s message requires an attachment", msg.Kind)
	}
	if (msg.Kind == "" || msg.Kind == store.KindText) && strings.TrimSpace(msg.Text) == "" {
		return store.Message{}, false, errdefs.New(errdefs.Invalid, "text message requires text")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.TempID != "" {
		key := msg.Author + "\x00" + msg.TempID
		if e, ok := s.tempIDs[key]; ok && time.Since(e.at) < tempIDWindow {
			if existing, ok := s.byID[e.messageID]; ok {
				return *existing, false, nil
			}
		}
	}

	msg.ID = uuid.Must(uuid.NewV7()).String()
	msg.CreatedAt = s.clock.Now()
	if msg.Status == "" {
		msg.Status = store.StatusPending
	}
	if msg.Kind == "" {
		msg.Kind = store.KindText
	}

	stored := msg
	s.byID[stored.ID] = &stored
	s.byConv[stored.ConversationID] = append(s.byConv[stored.ConversationID], &stored)
	if msg.TempID != "" {
		s.tempIDs[msg.Author+"\x00"+msg.TempID] = tempIDEntry{messageID: stored.ID, at: stored.CreatedAt}
	}
	if msg.ProviderMsgID != "" {
		s.providers[msg.ProviderMsgID] = struct{}{}
	}
	return stored, true, nil
}

func (s *messageStore) Get(ctx context.Context, id string) (store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return store.Message{}, errdefs.New(errdefs.NotFound, "message not found")
	}
	return *m, nil
}

func (s *messageStore) History(ctx context.Context, conversationID, beforeID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byConv[conversationID]
	end := len(msgs)
	if beforeID != "" {
		end = 0
		for i, m := range msgs {
			if m.ID == beforeID {
				end = i
				break
			}
		}
	}
	out := make([]store.Message, 0, end)
	for _, m := range msgs[:end] {
		out = append(out, *m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *messageStore) AgentHistory(ctx context.Context, userID, agentKey, contactID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := store.AgentConversationID(userID, agentKey)
	out := make([]store.Message, 0, len(s.byConv[conv]))
	for _, m := range s.byConv[conv] {
		if contactID != "" && m.ContactID != "" && m.ContactID != contactID {
			continue
		}
		out = append(out, *m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *messageStore) Transition(ctx context.Context, id string, status store.DeliveryStatus) (bool, error) {
	if status.Rank() < 0 {
		return false, errdefs.Newf(errdefs.Invalid, "unknown delivery status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return false, errdefs.New(errdefs.NotFound, "message not found")
	}
	if status.Rank() <= m.Status.Rank() {
		return false, nil
	}
	m.Status = status
	return true, nil
}

func (s *messageStore) MarkConversationRead(ctx context.Context, conversationID, reader string, asOf time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var advanced []string
	for _, m := range s.byConv[conversationID] {
		if m.Author == reader {
			continue
		}
		if !asOf.IsZero() && m.CreatedAt.After(asOf) {
			continue
		}
		if store.StatusRead.Rank() <= m.Status.Rank() {
			continue
		}
		m.Status = store.StatusRead
		advanced = append(advanced, m.ID)
	}
	return advanced, nil
}

func (s *messageStore) RecentPerPeer(ctx context.Context, userID string) ([]store.PeerSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PeerSummary
	for conv, msgs := range s.byConv {
		peer := store.ConversationPeer(conv, userID)
		if peer == "" || len(msgs) == 0 {
			continue
		}
		// Agent panel timelines are not contacts.
		if strings.HasPrefix(peer, "agent:") {
			continue
		}
		sum := store.PeerSummary{PeerID: peer, Last: *msgs[len(msgs)-1]}
		for _, m := range msgs {
			if m.Author == peer && m.Status.Rank() < store.StatusRead.Rank() {
				sum.Unread++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Last.CreatedAt.After(out[j].Last.CreatedAt) })
	return out, nil
}

func (s *messageStore) SeenProviderID(ctx context.Context, providerMsgID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[providerMsgID]; ok {
		return true, nil
	}
	s.providers[providerMsgID] = struct{}{}
	return false, nil
}
