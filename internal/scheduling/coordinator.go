package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/omnidesk/omnidesk/internal/calendar"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Session states of the booking flow.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingIdentity State = "awaiting_identity"
	StateAwaitingSlot     State = "awaiting_slot"
	StateConfirming       State = "confirming"
	StateCommitting       State = "committing"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// session accumulates booking details across turns. One session exists per
// (conversation, agent).
type session struct {
	State     State
	Email     string
	Phone     string
	Day       time.Time
	Clock     string // "HH:MM"
	UpdatedAt time.Time
}

// Reply is what the coordinator wants said or shown after a turn.
type Reply struct {
	Text           string
	ShowSlotPicker bool
	Commitment     *store.CalendarCommitment
}

// Coordinator runs the booking state machine.
type Coordinator struct {
	cfg         config.SchedulingConfig
	client      calendar.Client
	commitments store.CalendarStore
	logger      *slog.Logger
	loc         *time.Location

	mu       sync.Mutex
	sessions map[string]*session
}

// NewCoordinator builds the scheduling coordinator.
func NewCoordinator(cfg config.SchedulingConfig, client calendar.Client, commitments store.CalendarStore, logger *slog.Logger) *Coordinator {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Coordinator{
		cfg:         cfg,
		client:      client,
		commitments: commitments,
		logger:      logger,
		loc:         loc,
		sessions:    make(map[string]*session),
	}
}

func sessionKey(conversationID, agentKey string) string {
	return conversationID + "|" + agentKey
}

func (c *Coordinator) getSession(conversationID, agentKey string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sessionKey(conversationID, agentKey)
	s, ok := c.sessions[key]
	if !ok {
		s = &session{State: StateIdle}
		c.sessions[key] = s
	}
	return s
}

// State reports the current flow state of a conversation's booking.
func (c *Coordinator) State(conversationID, agentKey string) State {
	return c.getSession(conversationID, agentKey).State
}

// Reset abandons the flow for a conversation.
func (c *Coordinator) Reset(conversationID, agentKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionKey(conversationID, agentKey))
}

// HandleTurn advances the flow with a classified customer message. The bool
// result reports whether scheduling consumed the turn.
func (c *Coordinator) HandleTurn(ctx context.Context, conversationID, agentKey string, customer store.User, text string, entities map[string]nlu.Entity, intent nlu.Intent) (Reply, bool, error) {
	s := c.getSession(conversationID, agentKey)
	lower := strings.ToLower(text)

	// A cancel at any point abandons the flow.
	if s.State != StateIdle && (intent.Name == nlu.IntentCancel || strings.Contains(lower, "cancelar agendamento")) {
		c.Reset(conversationID, agentKey)
		return Reply{Text: "Tudo bem, agendamento cancelado. Se mudar de ideia é só chamar! 👍"}, true, nil
	}

	if s.State == StateIdle {
		if intent.Name != nlu.IntentScheduling {
			return Reply{}, false, nil
		}
		s.State = StateAwaitingIdentity
	}

	c.absorb(s, customer, entities)
	s.UpdatedAt = time.Now()

	switch s.State {
	case StateAwaitingIdentity:
		if s.Email == "" {
			return Reply{Text: "Perfeito, vou agendar para você! Primeiro preciso do seu e-mail para enviar o convite. 📧"}, true, nil
		}
		s.State = StateAwaitingSlot
		fallthrough

	case StateAwaitingSlot:
		if s.Day.IsZero() || s.Clock == "" {
			return Reply{
				Text:           "Ótimo! Agora escolha o melhor dia e horário para você. 📅",
				ShowSlotPicker: true,
			}, true, nil
		}
		start, err := c.slotStart(s)
		if err != nil {
			s.Day, s.Clock = time.Time{}, ""
			return Reply{Text: errdefs.MessageOf(err), ShowSlotPicker: true}, true, nil
		}
		if !c.slotFree(ctx, start) {
			s.Day, s.Clock = time.Time{}, ""
			return Reply{Text: slotTakenMessage, ShowSlotPicker: true}, true, nil
		}
		if c.cfg.AutoCommit {
			s.State = StateCommitting
			return c.commitSession(ctx, conversationID, agentKey, customer, s, start)
		}
		s.State = StateConfirming
		return Reply{Text: fmt.Sprintf("Confirmando: %s às %s no e-mail %s. Posso agendar? (sim/não)",
			start.Format("02/01/2006"), start.Format("15:04"), s.Email)}, true, nil

	case StateConfirming:
		if containsAny(lower, "sim", "pode", "confirmo", "isso", "ok") {
			start, err := c.slotStart(s)
			if err != nil {
				s.State = StateAwaitingSlot
				s.Day, s.Clock = time.Time{}, ""
				return Reply{Text: errdefs.MessageOf(err), ShowSlotPicker: true}, true, nil
			}
			if !c.slotFree(ctx, start) {
				s.State = StateAwaitingSlot
				s.Day, s.Clock = time.Time{}, ""
				return Reply{Text: slotTakenMessage, ShowSlotPicker: true}, true, nil
			}
			s.State = StateCommitting
			return c.commitSession(ctx, conversationID, agentKey, customer, s, start)
		}
		if containsAny(lower, "não", "nao", "outro", "trocar") {
			s.State = StateAwaitingSlot
			s.Day, s.Clock = time.Time{}, ""
			return Reply{Text: "Sem problema! Escolha outro horário. 📅", ShowSlotPicker: true}, true, nil
		}
		return Reply{Text: "Só preciso de um sim ou não para confirmar o agendamento. 🙂"}, true, nil

	case StateFailed:
		// A new turn retries from the slot choice.
		s.State = StateAwaitingSlot
		return Reply{Text: "Vamos tentar novamente. Escolha o melhor horário. 📅", ShowSlotPicker: true}, true, nil
	}

	return Reply{}, false, nil
}

// absorb folds freshly extracted entities into the session.
func (c *Coordinator) absorb(s *session, customer store.User, entities map[string]nlu.Entity) {
	if s.Email == "" {
		if e, ok := entities["email"]; ok {
			s.Email = e.Normalized
		} else if customer.Email != "" {
			s.Email = customer.Email
		}
	}
	if s.Phone == "" {
		if e, ok := entities["phone"]; ok {
			s.Phone = e.Normalized
		}
	}
	if e, ok := entities["date"]; ok {
		if day, err := time.ParseInLocation("2006-01-02", e.Normalized, c.loc); err == nil {
			s.Day = day
		}
	}
	if e, ok := entities["time"]; ok {
		s.Clock = e.Normalized
	}
}

// slotStart validates the collected day and clock against working hours and
// the calendar horizon.
func (c *Coordinator) slotStart(s *session) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s.Clock, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, errdefs.New(errdefs.Invalid, "não entendi o horário, pode repetir? (ex: 14:00)")
	}
	start := time.Date(s.Day.Year(), s.Day.Month(), s.Day.Day(), hour, minute, 0, 0, c.loc)
	now := time.Now().In(c.loc)
	if start.Before(now) {
		return time.Time{}, errdefs.New(errdefs.Invalid, "esse horário já passou, escolha um horário futuro. ⏰")
	}
	if wd := start.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return time.Time{}, errdefs.New(errdefs.Invalid, "atendemos apenas em dias úteis, escolha de segunda a sexta. 📅")
	}
	if hour < c.cfg.WorkingHourStart || hour >= c.cfg.WorkingHourEnd {
		return time.Time{}, errdefs.Newf(errdefs.Invalid, "nosso horário de atendimento é das %02d:00 às %02d:00. ⏰",
			c.cfg.WorkingHourStart, c.cfg.WorkingHourEnd)
	}
	if start.After(now.AddDate(0, 0, c.cfg.DaysAhead)) {
		return time.Time{}, errdefs.Newf(errdefs.Invalid, "consigo agendar até %d dias à frente, escolha uma data mais próxima. 📅", c.cfg.DaysAhead)
	}
	return start, nil
}

const slotTakenMessage = "Esse horário acabou de ser ocupado. 😕 Pode escolher outro? 📅"

// slotFree checks the chosen interval against the calendar before the
// commit. A failed lookup counts as free; the calendar itself still rejects
// genuine clashes.
func (c *Coordinator) slotFree(ctx context.Context, start time.Time) bool {
	end := start.Add(time.Duration(c.cfg.SlotMinutes) * time.Minute)
	busy, err := c.client.BusyIntervals(ctx, start, end)
	if err != nil {
		c.logger.Warn("scheduling.availability_check_failed", "error", err)
		return true
	}
	for _, b := range busy {
		if start.Before(b.End) && b.Start.Before(end) {
			return false
		}
	}
	return true
}

func (c *Coordinator) commitSession(ctx context.Context, conversationID, agentKey string, customer store.User, s *session, start time.Time) (Reply, bool, error) {
	commitment, err := c.Commit(ctx, CommitParams{
		ConversationID: conversationID,
		AgentKey:       agentKey,
		Customer:       customer,
		CustomerEmail:  s.Email,
		CustomerPhone:  s.Phone,
		Start:          start,
	})
	if err != nil {
		s.State = StateFailed
		return Reply{Text: "Não consegui concluir o agendamento agora. 😔 Pode tentar novamente em instantes?"}, true, nil
	}
	c.Reset(conversationID, agentKey)
	text := fmt.Sprintf("Agendado! ✅ %s às %s.", start.Format("02/01/2006"), start.Format("15:04"))
	if commitment.MeetingURL != "" {
		text += " Link da reunião: " + commitment.MeetingURL
	}
	return Reply{Text: text, Commitment: &commitment}, true, nil
}

// CommitParams describes a booking to commit.
type CommitParams struct {
	ConversationID string
	AgentKey       string
	Customer       store.User
	CustomerEmail  string
	CustomerPhone  string
	Start          time.Time
	Title          string
	Description    string
}

// Commit books exactly one calendar event. The commitment record is created
// before the external call so a crash or retry can never double-book: a
// dedup hit returns the recorded commitment instead of calling out again.
func (c *Coordinator) Commit(ctx context.Context, p CommitParams) (store.CalendarCommitment, error) {
	if p.CustomerEmail == "" {
		return store.CalendarCommitment{}, errdefs.New(errdefs.Invalid, "customer email is required")
	}
	end := p.Start.Add(time.Duration(c.cfg.SlotMinutes) * time.Minute)
	title := p.Title
	if title == "" {
		title = c.cfg.DefaultTitle
	}
	dedupKey := fmt.Sprintf("sched:%s:%s:%s", p.ConversationID, p.Start.UTC().Format(time.RFC3339), p.CustomerEmail)

	if existing, ok, err := c.commitments.ByDedupKey(ctx, dedupKey); err != nil {
		return store.CalendarCommitment{}, err
	} else if ok {
		return existing, nil
	}

	commitment, err := c.commitments.Create(ctx, store.CalendarCommitment{
		DedupKey:       dedupKey,
		ConversationID: p.ConversationID,
		AgentKey:       p.AgentKey,
		CustomerID:     p.Customer.ID,
		CustomerName:   p.Customer.Name,
		CustomerEmail:  p.CustomerEmail,
		CustomerPhone:  p.CustomerPhone,
		Title:          title,
		Description:    p.Description,
		Start:          p.Start,
		End:            end,
		Status:         store.CommitmentProposed,
		Attendees:      []string{p.CustomerEmail},
	})
	if err != nil {
		// Lost the dedup race; the winner's record is authoritative.
		if errdefs.IsKind(err, errdefs.Conflict) {
			if existing, ok, lookupErr := c.commitments.ByDedupKey(ctx, dedupKey); lookupErr == nil && ok {
				return existing, nil
			}
		}
		return store.CalendarCommitment{}, err
	}

	event, err := c.client.CreateEvent(ctx, calendar.CreateEventRequest{
		Title:          title,
		Description:    p.Description,
		Start:          p.Start,
		End:            end,
		AttendeeEmails: []string{p.CustomerEmail},
		Timezone:       c.cfg.Timezone,
		WithMeetLink:   true,
		DedupKey:       dedupKey,
	})
	if err != nil {
		c.logger.Error("scheduling.commit_failed", "conversation", p.ConversationID, "error", err)
		commitment.Status = store.CommitmentCancelled
		commitment.Notes = "external calendar call failed"
		if _, updateErr := c.commitments.Update(ctx, commitment); updateErr != nil {
			c.logger.Error("scheduling.commitment_update_failed", "commitment", commitment.ID, "error", updateErr)
		}
		return store.CalendarCommitment{}, err
	}

	commitment.ProviderID = event.ID
	commitment.MeetingURL = event.MeetingURL
	commitment.CalendarURL = event.HTMLLink
	commitment.Status = store.CommitmentConfirmed
	updated, err := c.commitments.Update(ctx, commitment)
	if err != nil {
		return store.CalendarCommitment{}, err
	}

	c.logger.Info("scheduling.committed",
		"commitment", updated.ID,
		"conversation", p.ConversationID,
		"start", p.Start.Format(time.RFC3339),
		"provider_event", event.ID)
	return updated, nil
}

// SlotPickerPayloadDays returns the working days shown by the slot picker.
func (c *Coordinator) SlotPickerPayloadDays() []string {
	days := WorkingDays(time.Now().In(c.loc), c.cfg.DaysAhead)
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = d.Format("2006-01-02")
	}
	return out
}

// WorkingHoursLabel renders the configured window, e.g. "09:00-18:00".
func (c *Coordinator) WorkingHoursLabel() string {
	return fmt.Sprintf("%02d:00-%02d:00", c.cfg.WorkingHourStart, c.cfg.WorkingHourEnd)
}

// SlotMinutes exposes the configured slot length.
func (c *Coordinator) SlotMinutes() int { return c.cfg.SlotMinutes }

// Location is the timezone bookings are interpreted in.
func (c *Coordinator) Location() *time.Location { return c.loc }

// AvailableSlots proxies the free-slot computation for the HTTP surface.
func (c *Coordinator) AvailableSlots(ctx context.Context, day time.Time) ([]Slot, error) {
	return AvailableSlots(ctx, c.client, day.In(c.loc), c.cfg)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
