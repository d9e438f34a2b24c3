// Package store defines the persisted record kinds and the store interfaces
// the rest of the engine is written against. Two backends exist: Postgres
// (managed mode) and in-memory (standalone mode and tests).
package store

import (
	"strings"
	"time"
)

// DeliveryStatus is the monotone delivery state of a message.
// pending < sent < delivered < read; it may only advance.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Rank orders delivery statuses for monotonicity checks.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindAudio = "audio"
	KindFile  = "file"
)

// User is a human operator, a registered web user, or an external contact
// materialized on first inbound from a channel.
type User struct {
	ID            string
	Name          string
	Email         string // unique, lower-cased; empty for external contacts
	PasswordHash  string
	External      bool
	Channel       string // channel that materialized this contact ("whatsapp", ...)
	ChannelUserID string // channel-native id (E.164 number, PSID, ...)
	CreatedAt     time.Time
}

// ConversationID canonicalizes the {a, b} pair by id ordering so both
// participants derive the same key.
func ConversationID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

// AgentConversationID keys the private panel timeline between a user and an
// agent. Agent keys are prefixed so they can never collide with user ids.
func AgentConversationID(userID, agentKey string) string {
	return ConversationID(userID, "agent:"+agentKey)
}

// ConversationPeer returns the other participant of a canonical conversation
// id, or "" when self is not a participant.
func ConversationPeer(conversationID, self string) string {
	a, b, ok := strings.Cut(conversationID, ":")
	if !ok {
		return ""
	}
	switch self {
	case a:
		return b
	case b:
		return a
	}
	return ""
}

// Attachment references an object validated by the upload broker.
type Attachment struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
}

// Message is one entry of a conversation timeline.
type Message struct {
	ID             string
	TempID         string // client-supplied idempotency token, may be empty
	Author         string // user id
	ConversationID string
	Kind           string
	Text           string
	Attachment     *Attachment
	Status         DeliveryStatus
	AgentKey       string // authoring or addressed agent, retained as a label
	ContactID      string // conversation context for agent-panel messages
	ProviderMsgID  string // channel-native id, for inbound re-delivery dedup
	Transcription  bool   // true for transcription results of audio messages
	CreatedAt      time.Time
}

// PeerSummary powers the contact list: the most recent message exchanged
// with a peer and the count of unread messages authored by that peer.
type PeerSummary struct {
	PeerID string
	Last   Message
	Unread int
}

// Handover trigger reasons.
type HandoverReason string

const (
	ReasonExplicitRequest HandoverReason = "explicit_request"
	ReasonLowConfidence   HandoverReason = "low_confidence"
	ReasonComplaint       HandoverReason = "complaint"
	ReasonComplexQuery    HandoverReason = "complex_query"
	ReasonEscalation      HandoverReason = "escalation"
	ReasonTechnicalIssue  HandoverReason = "technical_issue"
	ReasonOutsideHours    HandoverReason = "outside_hours"
)

// Handover lifecycle states.
type HandoverStatus string

const (
	HandoverPending    HandoverStatus = "pending"
	HandoverAccepted   HandoverStatus = "accepted"
	HandoverInProgress HandoverStatus = "in_progress"
	HandoverResolved   HandoverStatus = "resolved"
	HandoverCancelled  HandoverStatus = "cancelled"
)

// HandoverTicket removes a conversation from bot control until resolved.
type HandoverTicket struct {
	ID             string
	ConversationID string
	CustomerID     string
	CustomerName   string
	CustomerEmail  string
	CustomerPhone  string
	Reason         HandoverReason
	Priority       int // 1..4, 4 = urgent
	Status         HandoverStatus
	LastMessages   []string
	Entities       map[string]string
	Intent         string
	ContextSummary string
	Department     string // suggested department tag
	AssignedAgent  string // human user id
	Notes          string
	Tags           []string
	CreatedAt      time.Time
	AcceptedAt     *time.Time
	ResolvedAt     *time.Time
}

// Calendar commitment states.
const (
	CommitmentProposed  = "proposed"
	CommitmentConfirmed = "confirmed"
	CommitmentCancelled = "cancelled"
)

// CalendarCommitment is the durable record of an external calendar event
// produced by the scheduling sub-protocol.
type CalendarCommitment struct {
	ID             string
	ProviderID     string // provider-native event id
	DedupKey       string // derived from (conversation, start, email)
	ConversationID string
	AgentKey       string
	CustomerID     string
	CustomerName   string
	CustomerEmail  string
	CustomerPhone  string
	Title          string
	Description    string
	Start          time.Time
	End            time.Time
	MeetingURL     string
	CalendarURL    string
	Status         string
	Attendees      []string
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// CustomAgent is a tenant-defined agent. The credential handle is opaque to
// the core; only the LLM adapter dereferences it.
type CustomAgent struct {
	Key              string
	DisplayName      string
	Emoji            string
	SystemPrompt     string
	Tools            []string
	Provider         string // "openai" (default) or "anthropic"
	CredentialHandle string
	AccountLabel     string
	OwnerUserID      string
	CreatedAt        time.Time
}

// Interaction logs one classified customer message and the agent's reply,
// for NLU quality analysis.
type Interaction struct {
	ID         string
	UserID     string
	AgentKey   string
	Question   string
	Response   string
	Intent     string
	Confidence float64
	Method     string
	Entities   map[string]string
	CreatedAt  time.Time
}

// HandoverStats summarizes queue health for operators.
type HandoverStats struct {
	ByStatus          map[HandoverStatus]int
	AvgAcceptSeconds  float64 // mean acceptedAt - createdAt over accepted+ tickets
	AvgResolveSeconds float64 // mean resolvedAt - acceptedAt over resolved tickets
}
