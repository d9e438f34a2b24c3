// Package router is the orchestrator: every message, from the web client or
// an external channel, enters here, is persisted, echoed, classified, and
// routed to an agent, the scheduling flow, or the human handover queue.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/omnidesk/omnidesk/internal/agents"
	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/handover"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/scheduling"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/transcription"
	"github.com/omnidesk/omnidesk/internal/uploads"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

// InboxPrincipal is the workspace-side participant of every external contact
// conversation. Operators read and write these timelines on its behalf.
const InboxPrincipal = "inbox"

// Deps collects the router's collaborators.
type Deps struct {
	Config      *config.Config
	Stores      *store.Stores
	Events      bus.EventPublisher
	Inbound     *bus.MessageQueue
	NLU         *nlu.Service
	Handovers   *handover.Service
	Scheduler   *scheduling.Coordinator
	Agents      *agents.Registry
	Toolbelt    agents.ToolExecutor
	Channels    *channels.Manager
	Uploads     *uploads.Broker          // optional, nil disables read URLs
	Transcriber transcription.Transcriber // optional
	Logger      *slog.Logger
}

// Router orchestrates message flow.
type Router struct {
	cfg         *config.Config
	stores      *store.Stores
	events      bus.EventPublisher
	inbound     *bus.MessageQueue
	nlu         *nlu.Service
	handovers   *handover.Service
	scheduler   *scheduling.Coordinator
	agents      *agents.Registry
	toolbelt    agents.ToolExecutor
	channels    *channels.Manager
	uploads     *uploads.Broker
	transcriber transcription.Transcriber
	logger      *slog.Logger
	dispatch    *dispatcher
	now         func() time.Time

	mu sync.Mutex
	// lowConfidence counts consecutive sub-threshold customer turns per
	// conversation. Reset by any confident classification.
	lowConfidence map[string]int
}

// New builds the router. Call Run to start consuming channel traffic.
func New(ctx context.Context, d Deps) *Router {
	return &Router{
		cfg:           d.Config,
		stores:        d.Stores,
		events:        d.Events,
		inbound:       d.Inbound,
		nlu:           d.NLU,
		handovers:     d.Handovers,
		scheduler:     d.Scheduler,
		agents:        d.Agents,
		toolbelt:      d.Toolbelt,
		channels:      d.Channels,
		uploads:       d.Uploads,
		transcriber:   d.Transcriber,
		logger:        d.Logger,
		dispatch:      newDispatcher(ctx, d.Logger),
		now:           time.Now,
		lowConfidence: make(map[string]int),
	}
}

// Run consumes the inbound channel queue until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.dispatch.wait()
			return
		case msg := <-r.inbound.Consume():
			r.acceptInbound(ctx, msg)
		}
	}
}

// HandleClientSend persists and routes a message submitted over the gateway.
// The returned payload is the canonical echo, already published to the
// conversation's rooms.
func (r *Router) HandleClientSend(ctx context.Context, sender store.User, p protocol.ChatSendPayload) (protocol.NewMessagePayload, error) {
	text := strings.TrimSpace(p.Text)
	if max := r.cfg.Gateway.MaxMessageChars; max > 0 && len([]rune(text)) > max {
		return protocol.NewMessagePayload{}, errdefs.Newf(errdefs.Invalid, "message exceeds %d characters", max)
	}
	if text == "" && p.Attachment == nil {
		return protocol.NewMessagePayload{}, errdefs.New(errdefs.Invalid, "message is empty")
	}

	msg := store.Message{
		TempID: p.TempID,
		Author: sender.ID,
		Kind:   p.Type,
		Text:   text,
	}
	if p.Attachment != nil {
		msg.Attachment = &store.Attachment{
			Bucket:   p.Attachment.Bucket,
			Key:      p.Attachment.Key,
			Filename: p.Attachment.Filename,
			MimeType: p.Attachment.MimeType,
		}
		if msg.Kind == "" || msg.Kind == store.KindText {
			msg.Kind = uploads.KindForMime(p.Attachment.MimeType)
		}
	}

	var externalPeer *store.User
	switch {
	case p.AgentKey != "":
		if !r.agents.Has(ctx, p.AgentKey) {
			return protocol.NewMessagePayload{}, errdefs.Newf(errdefs.NotFound, "agent %q not found", p.AgentKey)
		}
		msg.AgentKey = strings.ToLower(p.AgentKey)
		msg.ContactID = p.ContactID
		msg.ConversationID = store.AgentConversationID(sender.ID, msg.AgentKey)
	case p.ContactID != "":
		// External contacts live on the shared inbox conversation, so
		// operator replies land on the same timeline as channel traffic.
		peer, err := r.stores.Users.ByID(ctx, p.ContactID)
		if err != nil {
			return protocol.NewMessagePayload{}, err
		}
		if peer.External {
			externalPeer = &peer
			msg.ConversationID = store.ConversationID(peer.ID, InboxPrincipal)
		} else {
			msg.ConversationID = store.ConversationID(sender.ID, p.ContactID)
		}
	default:
		return protocol.NewMessagePayload{}, errdefs.New(errdefs.Invalid, "contactId or agentKey is required")
	}

	stored, fresh, err := r.stores.Messages.Append(ctx, msg)
	if err != nil {
		return protocol.NewMessagePayload{}, err
	}
	echo := r.echo(ctx, stored)
	if !fresh {
		// Idempotent retry: the original echo already went out, re-send
		// only to the author's connections.
		r.logger.Debug("router.send_deduplicated", "tempId", p.TempID, "message", stored.ID)
		return echo, nil
	}

	// A confirmed voice upload gets a best-effort transcript appended to
	// the same timeline, authored by the uploader.
	if stored.Kind == store.KindAudio && stored.Attachment != nil && r.transcriber != nil {
		r.dispatch.enqueue(stored.ConversationID, func() {
			r.transcribeUpload(stored)
		})
	}

	if stored.AgentKey != "" {
		r.dispatch.enqueue(stored.ConversationID, func() {
			r.agentPanelTurn(sender, stored)
		})
		return echo, nil
	}

	// A message to an external contact leaves through its channel.
	if externalPeer != nil {
		peer := *externalPeer
		r.dispatch.enqueue(stored.ConversationID, func() {
			r.deliverToChannel(peer, stored)
		})
	}
	return echo, nil
}

// MarkRead advances the peer-authored messages of a conversation to read and
// publishes one delivery event per advanced message.
func (r *Router) MarkRead(ctx context.Context, reader store.User, p protocol.ChatMarkReadPayload) error {
	asOf := r.now().UTC()
	if p.AsOf > 0 {
		asOf = time.UnixMilli(p.AsOf).UTC()
	}
	ids, err := r.stores.Messages.MarkConversationRead(ctx, p.ConversationID, reader.ID, asOf)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.events.Publish(&bus.Event{
			Name:    protocol.EventChatDelivery,
			Payload: protocol.DeliveryPayload{MessageID: id, Status: string(store.StatusRead)},
			Rooms:   []string{bus.ConversationRoom(p.ConversationID)},
		})
	}
	return nil
}

// Typing relays a transient typing notification to the conversation room.
func (r *Router) Typing(sender store.User, p protocol.TypingPayload) {
	state := protocol.PresenceTyping
	if !p.IsTyping {
		state = protocol.PresenceOnline
	}
	r.events.Publish(&bus.Event{
		Name: protocol.EventUserPresence,
		Payload: protocol.PresencePayload{
			UserID:         sender.ID,
			State:          state,
			ConversationID: p.ConversationID,
		},
		Rooms: []string{bus.ConversationRoom(p.ConversationID)},
	})
}

// echo publishes the canonical new-message frame and returns it.
func (r *Router) echo(ctx context.Context, msg store.Message) protocol.NewMessagePayload {
	payload := r.messagePayload(ctx, msg)
	rooms := []string{bus.ConversationRoom(msg.ConversationID)}
	if msg.AgentKey != "" {
		// Panel traffic also reaches the owner's panel room; the owner is
		// the non-agent participant.
		owner := store.ConversationPeer(msg.ConversationID, "agent:"+msg.AgentKey)
		rooms = append(rooms, bus.PanelRoom(owner, msg.AgentKey))
	}
	r.events.Publish(&bus.Event{
		Name:    protocol.EventChatNewMessage,
		Payload: payload,
		Rooms:   rooms,
	})
	return payload
}

func (r *Router) messagePayload(ctx context.Context, msg store.Message) protocol.NewMessagePayload {
	p := protocol.NewMessagePayload{
		ID:             msg.ID,
		Author:         msg.Author,
		ConversationID: msg.ConversationID,
		Timestamp:      msg.CreatedAt.UnixMilli(),
		Status:         string(msg.Status),
		Kind:           msg.Kind,
		Text:           msg.Text,
		AgentKey:       msg.AgentKey,
		TempID:         msg.TempID,
	}
	if msg.Attachment != nil {
		p.Attachment = &protocol.AttachmentPayload{
			Bucket:   msg.Attachment.Bucket,
			Key:      msg.Attachment.Key,
			Filename: msg.Attachment.Filename,
			MimeType: msg.Attachment.MimeType,
		}
		switch {
		case msg.Attachment.Bucket == "":
			// Channel media carries the provider URL directly.
			p.URL = msg.Attachment.Key
		case r.uploads != nil:
			if url, err := r.uploads.ReadURL(ctx, msg.Attachment); err == nil {
				p.URL = url
			} else {
				r.logger.Warn("router.read_url_failed", "message", msg.ID, "error", err)
			}
		}
	}
	return p
}

// transition advances delivery status and publishes the event when it moved.
func (r *Router) transition(ctx context.Context, msg store.Message, status store.DeliveryStatus) {
	advanced, err := r.stores.Messages.Transition(ctx, msg.ID, status)
	if err != nil {
		r.logger.Warn("router.transition_failed", "message", msg.ID, "status", status, "error", err)
		return
	}
	if !advanced {
		return
	}
	r.events.Publish(&bus.Event{
		Name:    protocol.EventChatDelivery,
		Payload: protocol.DeliveryPayload{MessageID: msg.ID, Status: string(status)},
		Rooms:   []string{bus.ConversationRoom(msg.ConversationID)},
	})
}

// deliverToChannel sends an operator message out through the contact's
// channel. The message stays pending when the send fails, so the client can
// show it stalled and retry.
func (r *Router) deliverToChannel(contact store.User, msg store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text := msg.Text
	if msg.Attachment != nil && r.uploads != nil {
		if url, err := r.uploads.ReadURL(ctx, msg.Attachment); err == nil && url != "" {
			if text != "" {
				text += "\n"
			}
			text += url
		}
	}
	if _, err := r.channels.Send(ctx, contact.Channel, contact.ChannelUserID, text); err != nil {
		r.logger.Warn("router.channel_delivery_failed",
			"message", msg.ID, "channel", contact.Channel, "error", err)
		return
	}
	r.transition(ctx, msg, store.StatusSent)
}

func (r *Router) lowConfidenceStreak(conversationID string, intent nlu.Intent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if intent.Confidence < r.cfg.NLU.LowConfidence {
		r.lowConfidence[conversationID]++
	} else {
		delete(r.lowConfidence, conversationID)
	}
	return r.lowConfidence[conversationID]
}

// outsideHours reports whether now falls outside the scheduling working
// window, in the configured timezone.
func (r *Router) outsideHours() bool {
	now := r.now().In(r.scheduler.Location())
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	h := now.Hour()
	return h < r.cfg.Scheduling.WorkingHourStart || h >= r.cfg.Scheduling.WorkingHourEnd
}
