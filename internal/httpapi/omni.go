package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

const maxWebhookBytes = 1 << 20

// handleOmniSend pushes a text out through any enabled channel and mirrors
// it onto the contact's inbox timeline.
func (a *API) handleOmniSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel   string `json:"channel"`
		Recipient string `json:"recipient"`
		Text      string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Channel == "" || body.Recipient == "" || body.Text == "" {
		writeError(w, errdefs.New(errdefs.Invalid, "channel, recipient and text are required"))
		return
	}

	contact, err := a.stores.Users.EnsureExternal(r.Context(), body.Channel, body.Recipient, "")
	if err != nil {
		writeError(w, err)
		return
	}
	echo, err := a.router.HandleClientSend(r.Context(), currentUser(r), protocol.ChatSendPayload{
		ContactID: contact.ID,
		Text:      body.Text,
		Type:      store.KindText,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": echo})
}

// handleWebhookVerify answers the Graph API subscription handshake.
func (a *API) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.meta[r.PathValue("channel")]
	if !ok {
		writeError(w, errdefs.New(errdefs.NotFound, "unknown webhook channel"))
		return
	}
	q := r.URL.Query()
	challenge, err := ch.VerifyWebhook(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// handleWebhookDelivery normalizes a webhook delivery onto the inbound
// queue. The response is always 200 once the payload parsed; processing
// failures are retried internally, not by the provider.
func (a *API) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("channel")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, errdefs.Wrap(errdefs.Invalid, "unreadable body", err))
		return
	}

	var msgs []bus.InboundMessage
	if ch, ok := a.meta[name]; ok {
		msgs, err = ch.ParseWebhook(body)
		if err != nil {
			writeError(w, err)
			return
		}
	} else if name == "wppconnect" && a.wpp != nil {
		msg, perr := parseWppWebhook(body)
		if perr != nil {
			writeError(w, perr)
			return
		}
		if msg != nil {
			msgs = append(msgs, *msg)
		}
	} else {
		writeError(w, errdefs.New(errdefs.NotFound, "unknown webhook channel"))
		return
	}

	for _, msg := range msgs {
		if err := a.inbound.Publish(r.Context(), msg); err != nil {
			a.logger.Warn("httpapi.webhook_enqueue_failed", "channel", name, "error", err)
			writeError(w, errdefs.Wrap(errdefs.Unavailable, "inbound queue unavailable", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": len(msgs)})
}

func (a *API) handleWppStatus(w http.ResponseWriter, r *http.Request) {
	if a.wpp == nil {
		writeError(w, errdefs.New(errdefs.Unavailable, "whatsapp bridge is not configured"))
		return
	}
	status, err := a.wpp.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleWppQR(w http.ResponseWriter, r *http.Request) {
	if a.wpp == nil {
		writeError(w, errdefs.New(errdefs.Unavailable, "whatsapp bridge is not configured"))
		return
	}
	status, err := a.wpp.QR(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"qr":          status.QRCode,
		"status":      status.Status,
		"connected":   status.Connected,
		"lastUpdate":  status.LastUpdate,
		"description": status.Description(),
	})
}

func (a *API) handleWppRestart(w http.ResponseWriter, r *http.Request) {
	if a.wpp == nil {
		writeError(w, errdefs.New(errdefs.Unavailable, "whatsapp bridge is not configured"))
		return
	}
	if err := a.wpp.Restart(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

// parseWppWebhook normalizes the bridge's inbound message callback. Events
// other than received messages are ignored.
func parseWppWebhook(body []byte) (*bus.InboundMessage, error) {
	var payload struct {
		Event      string `json:"event"`
		ID         string `json:"id"`
		From       string `json:"from"`
		SenderName string `json:"notifyName"`
		Body       string `json:"body"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errdefs.Wrap(errdefs.Invalid, "malformed webhook payload", err)
	}
	if payload.Event != "" && payload.Event != "onmessage" {
		return nil, nil
	}
	if payload.From == "" || payload.Body == "" {
		return nil, nil
	}
	return &bus.InboundMessage{
		Channel:       "wppconnect",
		SenderID:      payload.From,
		SenderName:    payload.SenderName,
		ProviderMsgID: payload.ID,
		Kind:          store.KindText,
		Text:          payload.Body,
	}, nil
}
