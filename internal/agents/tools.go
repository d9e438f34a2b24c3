package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/providers"
	"github.com/omnidesk/omnidesk/internal/scheduling"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Tool names agents may declare.
const (
	ToolFetchAvailability = "fetch_availability"
	ToolScheduleMeeting   = "schedule_meeting"
)

// SchedulingToolbelt executes calendar tool calls against the booking
// coordinator. It is the only ToolExecutor the roster needs today.
type SchedulingToolbelt struct {
	coordinator *scheduling.Coordinator
	users       store.UserStore
}

// NewSchedulingToolbelt wires the toolbelt.
func NewSchedulingToolbelt(coordinator *scheduling.Coordinator, users store.UserStore) *SchedulingToolbelt {
	return &SchedulingToolbelt{coordinator: coordinator, users: users}
}

// Definitions returns the tool schemas the agent declared.
func (t *SchedulingToolbelt) Definitions(agent *Agent) []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, name := range agent.Tools {
		switch name {
		case ToolFetchAvailability:
			defs = append(defs, providers.ToolDefinition{
				Type: "function",
				Function: providers.ToolFunctionSchema{
					Name:        ToolFetchAvailability,
					Description: "Lista os horários livres de um dia. Use antes de propor um horário.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"date": map[string]any{
								"type":        "string",
								"description": "Dia desejado no formato YYYY-MM-DD",
							},
						},
						"required": []string{"date"},
					},
				},
			})
		case ToolScheduleMeeting:
			defs = append(defs, providers.ToolDefinition{
				Type: "function",
				Function: providers.ToolFunctionSchema{
					Name:        ToolScheduleMeeting,
					Description: "Reserva uma reunião em um horário livre e envia o convite por e-mail.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"date":  map[string]any{"type": "string", "description": "Dia no formato YYYY-MM-DD"},
							"time":  map[string]any{"type": "string", "description": "Horário no formato HH:MM"},
							"email": map[string]any{"type": "string", "description": "E-mail do convidado"},
							"title": map[string]any{"type": "string", "description": "Título opcional da reunião"},
						},
						"required": []string{"date", "time", "email"},
					},
				},
			})
		}
	}
	return defs
}

// Execute dispatches one tool call. Results are plain text the model can
// relay to the customer.
func (t *SchedulingToolbelt) Execute(ctx context.Context, agent *Agent, userID string, call providers.ToolCall) (string, error) {
	switch call.Name {
	case ToolFetchAvailability:
		return t.fetchAvailability(ctx, call.Arguments)
	case ToolScheduleMeeting:
		return t.scheduleMeeting(ctx, agent, userID, call.Arguments)
	default:
		return "", errdefs.Newf(errdefs.Invalid, "unknown tool %q", call.Name)
	}
}

// decodeArgs maps loosely typed tool arguments onto a typed struct.
func decodeArgs(raw map[string]any, into any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return errdefs.Wrap(errdefs.Invalid, "bad tool arguments", err)
	}
	if err := json.Unmarshal(buf, into); err != nil {
		return errdefs.Wrap(errdefs.Invalid, "bad tool arguments", err)
	}
	return nil
}

func (t *SchedulingToolbelt) fetchAvailability(ctx context.Context, rawArgs map[string]any) (string, error) {
	var args struct {
		Date string `json:"date"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "", err
	}
	day, err := time.ParseInLocation("2006-01-02", args.Date, t.coordinator.Location())
	if err != nil {
		return "", errdefs.New(errdefs.Invalid, "date must be YYYY-MM-DD")
	}
	slots, err := t.coordinator.AvailableSlots(ctx, day)
	if err != nil {
		return "", err
	}
	if len(slots) == 0 {
		return fmt.Sprintf("nenhum horário livre em %s", day.Format("02/01/2006")), nil
	}
	labels := make([]string, len(slots))
	for i, s := range slots {
		labels[i] = s.Start.Format("15:04")
	}
	return fmt.Sprintf("horários livres em %s: %s", day.Format("02/01/2006"), strings.Join(labels, ", ")), nil
}

func (t *SchedulingToolbelt) scheduleMeeting(ctx context.Context, agent *Agent, userID string, rawArgs map[string]any) (string, error) {
	var args struct {
		Date  string `json:"date"`
		Time  string `json:"time"`
		Email string `json:"email"`
		Title string `json:"title"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "", err
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", args.Date+" "+args.Time, t.coordinator.Location())
	if err != nil {
		return "", errdefs.New(errdefs.Invalid, "date/time must be YYYY-MM-DD and HH:MM")
	}

	customer, err := t.users.ByID(ctx, userID)
	if err != nil {
		if !errdefs.IsKind(err, errdefs.NotFound) {
			return "", err
		}
		customer = store.User{ID: userID}
	}

	commitment, err := t.coordinator.Commit(ctx, scheduling.CommitParams{
		ConversationID: store.AgentConversationID(userID, agent.Key),
		AgentKey:       agent.Key,
		Customer:       customer,
		CustomerEmail:  strings.ToLower(strings.TrimSpace(args.Email)),
		Start:          start,
		Title:          args.Title,
	})
	if err != nil {
		return "", err
	}

	result := fmt.Sprintf("reunião confirmada para %s às %s, convite enviado para %s",
		commitment.Start.Format("02/01/2006"), commitment.Start.Format("15:04"), commitment.CustomerEmail)
	if commitment.MeetingURL != "" {
		result += ", link: " + commitment.MeetingURL
	}
	return result, nil
}
