// Package meta implements the Meta Graph API channels: WhatsApp Cloud,
// Instagram Messaging and Facebook Messenger. The three share webhook
// verification and auth; only the send path and webhook envelope differ.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/errdefs"
)

const defaultAPIBase = "https://graph.facebook.com/v19.0"

// Kind selects the Graph API surface.
type Kind string

const (
	KindWhatsApp  Kind = "whatsapp"
	KindInstagram Kind = "instagram"
	KindFacebook  Kind = "facebook"
)

// Channel talks to one Meta messaging surface.
type Channel struct {
	kind   Kind
	cfg    config.MetaChannelConfig
	client *http.Client
}

// New builds a Meta channel.
func New(kind Kind, cfg config.MetaChannelConfig) *Channel {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	return &Channel{
		kind:   kind,
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return string(c.kind) }

// Send delivers a text message. WhatsApp Cloud posts to the phone number
// node; Messenger and Instagram post to /me/messages with a PSID recipient.
func (c *Channel) Send(ctx context.Context, recipient, text string) (string, error) {
	if c.kind == KindWhatsApp {
		return c.sendWhatsApp(ctx, recipient, text)
	}
	return c.sendMessenger(ctx, recipient, text)
}

func (c *Channel) sendWhatsApp(ctx context.Context, to, text string) (string, error) {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	url := fmt.Sprintf("%s/%s/messages", c.cfg.APIBase, c.cfg.PhoneNumberID)
	if err := c.post(ctx, url, body, &result); err != nil {
		return "", err
	}
	if len(result.Messages) > 0 {
		return result.Messages[0].ID, nil
	}
	return "", nil
}

func (c *Channel) sendMessenger(ctx context.Context, psid, text string) (string, error) {
	body := map[string]any{
		"recipient":      map[string]any{"id": psid},
		"message":        map[string]any{"text": text},
		"messaging_type": "RESPONSE",
	}
	var result struct {
		MessageID string `json:"message_id"`
	}
	if err := c.post(ctx, c.cfg.APIBase+"/me/messages", body, &result); err != nil {
		return "", err
	}
	return result.MessageID, nil
}

func (c *Channel) post(ctx context.Context, url string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("meta: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("meta: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.Unavailable, "channel unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errdefs.Wrap(errdefs.Unavailable, "channel unavailable",
			fmt.Errorf("meta: status %d: %s", resp.StatusCode, respBody))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// VerifyWebhook answers the Graph API subscription handshake. It returns the
// challenge to echo back, or an error when the verify token does not match.
func (c *Channel) VerifyWebhook(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || token != c.cfg.VerifyToken {
		return "", errdefs.New(errdefs.Forbidden, "webhook verification failed")
	}
	return challenge, nil
}

// webhookEnvelope covers both the WhatsApp (entry/changes/value/messages)
// and Messenger (entry/messaging) webhook shapes.
type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Image struct {
						Link string `json:"link"`
					} `json:"image"`
					Audio struct {
						Link string `json:"link"`
					} `json:"audio"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message struct {
				MID  string `json:"mid"`
				Text string `json:"text"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseWebhook normalizes a webhook delivery into inbound messages. Status
// updates and unsupported message types produce no messages and no error.
func (c *Channel) ParseWebhook(body []byte) ([]bus.InboundMessage, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errdefs.Wrap(errdefs.Invalid, "malformed webhook payload", err)
	}

	var out []bus.InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				in := bus.InboundMessage{
					Channel:       string(c.kind),
					SenderID:      msg.From,
					SenderName:    names[msg.From],
					ProviderMsgID: msg.ID,
				}
				switch msg.Type {
				case "text":
					in.Kind = "text"
					in.Text = msg.Text.Body
				case "image":
					in.Kind = "image"
					in.MediaURL = msg.Image.Link
				case "audio":
					in.Kind = "audio"
					in.MediaURL = msg.Audio.Link
				default:
					continue
				}
				out = append(out, in)
			}
		}
		for _, m := range entry.Messaging {
			if m.Message.Text == "" {
				continue
			}
			out = append(out, bus.InboundMessage{
				Channel:       string(c.kind),
				SenderID:      m.Sender.ID,
				ProviderMsgID: m.Message.MID,
				Kind:          "text",
				Text:          m.Message.Text,
			})
		}
	}
	return out, nil
}
