package handover

import (
	"context"
	"log/slog"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Service owns the ticket lifecycle on top of the handover store.
type Service struct {
	tickets store.HandoverStore
	logger  *slog.Logger
}

// NewService builds the handover service.
func NewService(tickets store.HandoverStore, logger *slog.Logger) *Service {
	return &Service{tickets: tickets, logger: logger}
}

// OpenParams collects everything known at trigger time.
type OpenParams struct {
	ConversationID string
	Customer       store.User
	Reason         store.HandoverReason
	Intent         string
	Entities       map[string]string
	LastMessages   []string
}

// Open creates a pending ticket. Priority and department are derived here;
// an existing open ticket for the conversation returns it unchanged instead
// of a duplicate.
func (s *Service) Open(ctx context.Context, p OpenParams) (store.HandoverTicket, error) {
	if existing, ok, err := s.tickets.OpenByConversation(ctx, p.ConversationID); err != nil {
		return store.HandoverTicket{}, err
	} else if ok {
		return existing, nil
	}

	ticket := store.HandoverTicket{
		ConversationID: p.ConversationID,
		CustomerID:     p.Customer.ID,
		CustomerName:   p.Customer.Name,
		CustomerEmail:  p.Customer.Email,
		Reason:         p.Reason,
		Priority:       Priority(p.Reason, p.Entities),
		Intent:         p.Intent,
		Entities:       p.Entities,
		LastMessages:   p.LastMessages,
		Department:     SuggestDepartment(p.Intent, p.Reason, p.Entities),
	}
	if v, ok := p.Entities["phone"]; ok {
		ticket.CustomerPhone = v
	}
	ticket.ContextSummary = Summary(ticket)

	created, err := s.tickets.Create(ctx, ticket)
	if err != nil {
		// A concurrent trigger can win the race; surface its ticket.
		if errdefs.IsKind(err, errdefs.Conflict) {
			if existing, ok, lookupErr := s.tickets.OpenByConversation(ctx, p.ConversationID); lookupErr == nil && ok {
				return existing, nil
			}
		}
		return store.HandoverTicket{}, err
	}

	s.logger.Info("handover.opened",
		"ticket", created.ID,
		"conversation", created.ConversationID,
		"reason", created.Reason,
		"priority", created.Priority,
		"department", created.Department)
	return created, nil
}

// Accept atomically assigns a pending ticket to a human operator.
func (s *Service) Accept(ctx context.Context, id, humanID string) (store.HandoverTicket, error) {
	t, err := s.tickets.Accept(ctx, id, humanID)
	if err != nil {
		return store.HandoverTicket{}, err
	}
	s.logger.Info("handover.accepted", "ticket", t.ID, "operator", humanID)
	return t, nil
}

// Resolve closes an accepted ticket and returns the conversation to bot
// control.
func (s *Service) Resolve(ctx context.Context, id, notes string) (store.HandoverTicket, error) {
	t, err := s.tickets.Resolve(ctx, id, notes)
	if err != nil {
		return store.HandoverTicket{}, err
	}
	s.logger.Info("handover.resolved", "ticket", t.ID)
	return t, nil
}

// Cancel closes a ticket without resolution.
func (s *Service) Cancel(ctx context.Context, id string) (store.HandoverTicket, error) {
	t, err := s.tickets.Cancel(ctx, id)
	if err != nil {
		return store.HandoverTicket{}, err
	}
	s.logger.Info("handover.cancelled", "ticket", t.ID)
	return t, nil
}

// Get returns one ticket.
func (s *Service) Get(ctx context.Context, id string) (store.HandoverTicket, error) {
	return s.tickets.Get(ctx, id)
}

// List returns tickets by status, priority first.
func (s *Service) List(ctx context.Context, status store.HandoverStatus) ([]store.HandoverTicket, error) {
	return s.tickets.List(ctx, status)
}

// OpenTicket reports whether a conversation is currently under human
// control.
func (s *Service) OpenTicket(ctx context.Context, conversationID string) (store.HandoverTicket, bool, error) {
	return s.tickets.OpenByConversation(ctx, conversationID)
}

// Stats summarizes queue health.
func (s *Service) Stats(ctx context.Context) (store.HandoverStats, error) {
	return s.tickets.Stats(ctx)
}
