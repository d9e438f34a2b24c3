package router

import (
	"context"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/agents"
	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/handover"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

const turnTimeout = 60 * time.Second

// agentPanelTurn answers one user message sent from an open agent panel.
func (r *Router) agentPanelTurn(sender store.User, userMsg store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	r.transition(ctx, userMsg, store.StatusDelivered)

	agentKey := userMsg.AgentKey
	text := userMsg.Text
	// A leading mention reroutes the turn to another agent.
	if key, ok := r.agents.DetectMention(ctx, text); ok {
		agentKey = key
		text = agents.CleanMention(text)
	}

	agent, err := r.agents.Get(ctx, agentKey)
	if err != nil {
		r.logger.Warn("router.agent_lookup_failed", "agent", agentKey, "error", err)
		return
	}

	if reply, handled := agents.HandleCommand(agent, sender.ID, text); handled {
		r.panelReply(ctx, sender, agent.Key, userMsg.ContactID, reply)
		return
	}

	intent, entities := r.nlu.Analyze(ctx, text, nlu.SpeakerCustomer)

	reply, consumed, err := r.scheduler.HandleTurn(ctx, userMsg.ConversationID, agent.Key, sender, text, entities, intent)
	if err != nil {
		r.logger.Warn("router.scheduling_turn_failed", "conversation", userMsg.ConversationID, "error", err)
	}
	var answer string
	if consumed {
		answer = reply.Text
		if reply.ShowSlotPicker {
			r.publishSlotPicker(sender, agent.Key, entities)
		}
	} else {
		answer = agent.Respond(ctx, r.logger, r.toolbelt, sender.ID, sender.Name, text)
	}

	r.panelReply(ctx, sender, agent.Key, userMsg.ContactID, answer)
	r.transition(ctx, userMsg, store.StatusRead)
	r.logInteraction(ctx, sender.ID, agent.Key, text, answer, intent, entities)
}

// panelReply persists and publishes an agent's answer into the panel.
func (r *Router) panelReply(ctx context.Context, owner store.User, agentKey, contactID, text string) {
	msg := store.Message{
		Author:         "agent:" + agentKey,
		ConversationID: store.AgentConversationID(owner.ID, agentKey),
		Kind:           store.KindText,
		Text:           text,
		AgentKey:       agentKey,
		ContactID:      contactID,
		Status:         store.StatusSent,
	}
	stored, _, err := r.stores.Messages.Append(ctx, msg)
	if err != nil {
		r.logger.Error("router.panel_reply_failed", "agent", agentKey, "error", err)
		return
	}
	r.echo(ctx, stored)
	r.events.Publish(&bus.Event{
		Name: protocol.EventAgentMessage,
		Payload: protocol.AgentMessagePayload{
			AgentKey:  agentKey,
			ContactID: contactID,
			ID:        stored.ID,
			Author:    stored.Author,
			Text:      stored.Text,
			Timestamp: stored.CreatedAt.UnixMilli(),
		},
		Rooms: []string{bus.PanelRoom(owner.ID, agentKey)},
	})
}

func (r *Router) publishSlotPicker(owner store.User, agentKey string, entities map[string]nlu.Entity) {
	flat := nlu.NormalizedEntities(entities)
	r.events.Publish(&bus.Event{
		Name: protocol.EventSlotPicker,
		Payload: protocol.SlotPickerPayload{
			AgentKey:               agentKey,
			CustomerEmail:          flat["email"],
			CustomerPhone:          flat["phone"],
			WorkingDays:            r.scheduler.SlotPickerPayloadDays(),
			WorkingHours:           r.scheduler.WorkingHoursLabel(),
			DefaultDurationMinutes: r.scheduler.SlotMinutes(),
		},
		Rooms: []string{bus.PanelRoom(owner.ID, agentKey)},
	})
}

// acceptInbound normalizes channel traffic onto a conversation worker.
// Webhook re-deliveries are dropped by provider message id.
func (r *Router) acceptInbound(ctx context.Context, in bus.InboundMessage) {
	if in.ProviderMsgID != "" {
		seen, err := r.stores.Messages.SeenProviderID(ctx, in.ProviderMsgID)
		if err != nil {
			r.logger.Warn("router.provider_dedup_failed", "provider_msg", in.ProviderMsgID, "error", err)
		} else if seen {
			r.logger.Debug("router.inbound_duplicate", "channel", in.Channel, "provider_msg", in.ProviderMsgID)
			return
		}
	}

	contact, err := r.stores.Users.EnsureExternal(ctx, in.Channel, in.SenderID, in.SenderName)
	if err != nil {
		r.logger.Error("router.contact_materialize_failed", "channel", in.Channel, "sender", in.SenderID, "error", err)
		return
	}

	conversationID := store.ConversationID(contact.ID, InboxPrincipal)
	r.dispatch.enqueue(conversationID, func() {
		r.inboundTurn(contact, conversationID, in)
	})
}

// inboundTurn runs the full customer pipeline for one channel message.
func (r *Router) inboundTurn(contact store.User, conversationID string, in bus.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	kind := in.Kind
	if kind == "" {
		kind = store.KindText
	}
	msg := store.Message{
		Author:         contact.ID,
		ConversationID: conversationID,
		Kind:           kind,
		Text:           in.Text,
		ProviderMsgID:  in.ProviderMsgID,
	}
	switch {
	case in.MediaURL != "":
		// Channel media is referenced by its provider URL, not a broker
		// object, so the bucket stays empty.
		msg.Attachment = &store.Attachment{Key: in.MediaURL}
	case kind != store.KindText:
		// Media without a retrievable link degrades to a text marker.
		kind = store.KindText
		msg.Kind = store.KindText
		if strings.TrimSpace(msg.Text) == "" {
			msg.Text = "[mídia não disponível]"
		}
	}
	stored, fresh, err := r.stores.Messages.Append(ctx, msg)
	if err != nil {
		r.logger.Error("router.inbound_append_failed", "channel", in.Channel, "error", err)
		return
	}
	if !fresh {
		return
	}
	r.echo(ctx, stored)
	r.transition(ctx, stored, store.StatusDelivered)

	botInput := strings.TrimSpace(in.Text)
	if kind == store.KindAudio && in.MediaURL != "" && r.transcriber != nil {
		if transcript, err := r.transcriber.Transcribe(ctx, in.MediaURL, "audio.ogg"); err != nil {
			r.logger.Warn("router.transcription_failed", "message", stored.ID, "error", err)
		} else if transcript != "" {
			tMsg := store.Message{
				Author:         contact.ID,
				ConversationID: conversationID,
				Kind:           store.KindText,
				Text:           "🎙️ " + transcript,
				Transcription:  true,
			}
			if storedT, _, err := r.stores.Messages.Append(ctx, tMsg); err == nil {
				r.echo(ctx, storedT)
			}
			botInput = transcript
		}
	}
	if botInput == "" {
		return
	}

	// Human control suppresses the bot entirely.
	if ticket, open, err := r.handovers.OpenTicket(ctx, conversationID); err != nil {
		r.logger.Warn("router.handover_lookup_failed", "conversation", conversationID, "error", err)
	} else if open {
		r.logger.Debug("router.bot_suppressed", "conversation", conversationID, "ticket", ticket.ID)
		return
	}

	agent, err := r.agents.Get(ctx, r.agents.DefaultKey())
	if err != nil {
		r.logger.Error("router.default_agent_missing", "error", err)
		return
	}
	if reply, handled := agents.HandleCommand(agent, contact.ID, botInput); handled {
		r.botReply(ctx, contact, conversationID, agent.Key, reply)
		return
	}

	intent, entities := r.nlu.Analyze(ctx, botInput, nlu.SpeakerCustomer)
	streak := r.lowConfidenceStreak(conversationID, intent)

	history, err := r.stores.Messages.History(ctx, conversationID, "", 200)
	if err != nil {
		r.logger.Warn("router.history_failed", "conversation", conversationID, "error", err)
	}

	decision := handover.Evaluate(handover.Signals{
		Intent:             intent,
		LowConfidenceRuns:  streak,
		ConversationLength: len(history),
		OutsideHours:       r.cfg.Handover.EscalateOutsideHours && r.outsideHours(),
	})
	if decision.Trigger {
		r.openHandover(ctx, contact, conversationID, decision.Reason, intent, entities, history)
		r.botReply(ctx, contact, conversationID, agent.Key, handover.CustomerMessage(decision.Reason))
		return
	}

	// An explicit mention or the classifier's suggestion can reroute the
	// turn to a specialist.
	agentKey := agent.Key
	turnText := botInput
	if key, ok := r.agents.DetectMention(ctx, botInput); ok {
		agentKey = key
		turnText = agents.CleanMention(botInput)
	} else if intent.SuggestedAgent != "" && r.agents.Has(ctx, intent.SuggestedAgent) {
		agentKey = intent.SuggestedAgent
	}
	if agentKey != agent.Key {
		if specialist, err := r.agents.Get(ctx, agentKey); err == nil {
			agent = specialist
		}
	}

	reply, consumed, err := r.scheduler.HandleTurn(ctx, conversationID, agent.Key, contact, turnText, entities, intent)
	if err != nil {
		r.logger.Warn("router.scheduling_turn_failed", "conversation", conversationID, "error", err)
	}
	var answer string
	if consumed {
		answer = reply.Text
	} else {
		answer = agent.Respond(ctx, r.logger, r.toolbelt, contact.ID, contact.Name, turnText)
	}

	r.botReply(ctx, contact, conversationID, agent.Key, answer)
	r.transition(ctx, stored, store.StatusRead)
	r.logInteraction(ctx, contact.ID, agent.Key, turnText, answer, intent, entities)
}

// transcribeUpload appends the transcript of a confirmed voice upload as a
// follow-up text message by the same author. Failures stay silent.
func (r *Router) transcribeUpload(msg store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	if msg.Attachment == nil || r.uploads == nil {
		return
	}
	url, err := r.uploads.ReadURL(ctx, msg.Attachment)
	if err != nil || url == "" {
		r.logger.Warn("router.transcription_url_failed", "message", msg.ID, "error", err)
		return
	}
	transcript, err := r.transcriber.Transcribe(ctx, url, msg.Attachment.Filename)
	if err != nil {
		r.logger.Warn("router.transcription_failed", "message", msg.ID, "error", err)
		return
	}
	if transcript == "" {
		return
	}
	tMsg := store.Message{
		Author:         msg.Author,
		ConversationID: msg.ConversationID,
		Kind:           store.KindText,
		Text:           "🎙️ " + transcript,
		Transcription:  true,
		AgentKey:       msg.AgentKey,
		ContactID:      msg.ContactID,
	}
	if stored, _, err := r.stores.Messages.Append(ctx, tMsg); err != nil {
		r.logger.Warn("router.transcript_append_failed", "message", msg.ID, "error", err)
	} else {
		r.echo(ctx, stored)
	}
}

// openHandover creates the ticket with the trailing conversation context.
func (r *Router) openHandover(ctx context.Context, contact store.User, conversationID string, reason store.HandoverReason, intent nlu.Intent, entities map[string]nlu.Entity, history []store.Message) {
	var lastTexts []string
	start := len(history) - 5
	if start < 0 {
		start = 0
	}
	for _, m := range history[start:] {
		if m.Text != "" {
			lastTexts = append(lastTexts, m.Text)
		}
	}
	ticket, err := r.handovers.Open(ctx, handover.OpenParams{
		ConversationID: conversationID,
		Customer:       contact,
		Reason:         reason,
		Intent:         intent.Name,
		Entities:       nlu.NormalizedEntities(entities),
		LastMessages:   lastTexts,
	})
	if err != nil {
		r.logger.Error("router.handover_open_failed", "conversation", conversationID, "error", err)
		return
	}
	r.mu.Lock()
	delete(r.lowConfidence, conversationID)
	r.mu.Unlock()
	r.logger.Info("router.handover_triggered",
		"ticket", ticket.ID, "conversation", conversationID, "reason", reason)
}

// botReply persists the bot's answer, echoes it, and pushes it out through
// the contact's channel. The message only advances to sent once the channel
// accepted it.
func (r *Router) botReply(ctx context.Context, contact store.User, conversationID, agentKey, text string) {
	msg := store.Message{
		Author:         "agent:" + agentKey,
		ConversationID: conversationID,
		Kind:           store.KindText,
		Text:           text,
		AgentKey:       agentKey,
	}
	stored, _, err := r.stores.Messages.Append(ctx, msg)
	if err != nil {
		r.logger.Error("router.bot_reply_failed", "conversation", conversationID, "error", err)
		return
	}
	r.echo(ctx, stored)

	if contact.External && contact.Channel != "" {
		if _, err := r.channels.Send(ctx, contact.Channel, contact.ChannelUserID, text); err != nil {
			r.logger.Warn("router.channel_delivery_failed",
				"message", stored.ID, "channel", contact.Channel, "error", err)
			return
		}
	}
	r.transition(ctx, stored, store.StatusSent)
}

func (r *Router) logInteraction(ctx context.Context, userID, agentKey, question, answer string, intent nlu.Intent, entities map[string]nlu.Entity) {
	err := r.stores.Interactions.Log(ctx, store.Interaction{
		UserID:     userID,
		AgentKey:   agentKey,
		Question:   question,
		Response:   answer,
		Intent:     intent.Name,
		Confidence: intent.Confidence,
		Method:     intent.Method,
		Entities:   nlu.NormalizedEntities(entities),
	})
	if err != nil {
		r.logger.Warn("router.interaction_log_failed", "user", userID, "error", err)
	}
}
