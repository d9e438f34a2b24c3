package protocol

// ChatSendPayload is submitted by a client to author a new message.
// TempID makes retries idempotent: re-sending the same TempID after a
// timeout yields the same server message id.
type ChatSendPayload struct {
	Author     string             `json:"author"`
	Text       string             `json:"text,omitempty"`
	Type       string             `json:"type,omitempty"` // "text" (default), "image", "audio", "file"
	TempID     string             `json:"tempId"`
	ContactID  string             `json:"contactId,omitempty"` // peer user id of the conversation
	AgentKey   string             `json:"agentKey,omitempty"`  // set when sent from an open agent panel
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
}

// AttachmentPayload mirrors the stored attachment reference.
type AttachmentPayload struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
}

// ChatMarkReadPayload bulk-advances the read cursor of a conversation.
type ChatMarkReadPayload struct {
	ConversationID string `json:"conversationId"`
	AsOf           int64  `json:"asOf,omitempty"` // unix millis; zero = now
}

// TypingPayload is transient and never persisted.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// AgentOpenPayload subscribes the connection to an agent panel room.
type AgentOpenPayload struct {
	AgentKey  string `json:"agentKey"`
	ContactID string `json:"contactId,omitempty"`
}

// AgentClosePayload leaves an agent panel room.
type AgentClosePayload struct {
	AgentKey string `json:"agentKey"`
}

// NewMessagePayload is the canonical server echo of a stored message.
type NewMessagePayload struct {
	ID             string             `json:"id"`
	Author         string             `json:"author"`
	ConversationID string             `json:"conversationId"`
	Timestamp      int64              `json:"timestamp"` // unix millis
	Status         string             `json:"status"`
	Kind           string             `json:"kind"`
	Text           string             `json:"text,omitempty"`
	Attachment     *AttachmentPayload `json:"attachment,omitempty"`
	URL            string             `json:"url,omitempty"` // short-lived read URL for attachments
	AgentKey       string             `json:"agentKey,omitempty"`
	TempID         string             `json:"tempId,omitempty"`
	Intent         string             `json:"intent,omitempty"` // classification decision, text messages only
}

// DeliveryPayload mirrors a delivery-status transition.
type DeliveryPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// AgentMessagePayload is delivered only into matching agent-panel rooms.
type AgentMessagePayload struct {
	AgentKey  string `json:"agentKey"`
	ContactID string `json:"contactId,omitempty"`
	ID        string `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// SlotPickerPayload asks the client UI to open the scheduling slot picker.
type SlotPickerPayload struct {
	AgentKey               string   `json:"agentKey"`
	CustomerEmail          string   `json:"customerEmail,omitempty"`
	CustomerPhone          string   `json:"customerPhone,omitempty"`
	WorkingDays            []string `json:"workingDays"` // next N working days, ISO dates
	WorkingHours           string   `json:"workingHours"` // e.g. "09:00-18:00"
	DefaultDurationMinutes int      `json:"defaultDurationMinutes"`
}

// PresencePayload carries typing/online/offline notifications.
type PresencePayload struct {
	UserID         string `json:"userId"`
	State          string `json:"state"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ErrorPayload is sent only to the offending connection, never broadcast.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TempID  string `json:"tempId,omitempty"`
}
