package store

import (
	"context"
	"time"
)

// MessageStore is the conversation timeline. Append assigns the id and a
// per-conversation monotonic timestamp; when the author recently appended a
// message with the same non-empty TempID the existing record is returned
// instead of a duplicate.
type MessageStore interface {
	// Append persists msg and returns the stored record. The returned
	// bool is false when the append was deduplicated by TempID.
	Append(ctx context.Context, msg Message) (Message, bool, error)

	// Get returns a message by id.
	Get(ctx context.Context, id string) (Message, error)

	// History returns up to limit messages of a conversation ordered by
	// timestamp ascending. A non-empty beforeID bounds the page to the
	// messages strictly older than that message; an unknown cursor yields
	// an empty page.
	History(ctx context.Context, conversationID, beforeID string, limit int) ([]Message, error)

	// AgentHistory returns the agent-panel timeline for (user, agent,
	// contact), timestamp ascending.
	AgentHistory(ctx context.Context, userID, agentKey, contactID string, limit int) ([]Message, error)

	// Transition advances a message's delivery status. It returns false
	// without error when the transition would not advance the status.
	Transition(ctx context.Context, id string, status DeliveryStatus) (bool, error)

	// MarkConversationRead advances every message authored by the peer of
	// reader, created at or before asOf, to read. It returns the ids that
	// actually advanced.
	MarkConversationRead(ctx context.Context, conversationID, reader string, asOf time.Time) ([]string, error)

	// RecentPerPeer summarizes the newest message and unread count per
	// conversation peer of userID, most recent first.
	RecentPerPeer(ctx context.Context, userID string) ([]PeerSummary, error)

	// SeenProviderID records a channel-native message id and reports
	// whether it was already seen. Used to drop webhook re-deliveries.
	SeenProviderID(ctx context.Context, providerMsgID string) (bool, error)
}

// UserStore persists operators, registered users and external contacts.
type UserStore interface {
	Create(ctx context.Context, u User) (User, error)
	ByID(ctx context.Context, id string) (User, error)
	ByEmail(ctx context.Context, email string) (User, error)

	// EnsureExternal returns the contact materialized for a channel-native
	// sender, creating it on first contact.
	EnsureExternal(ctx context.Context, channel, channelUserID, name string) (User, error)

	List(ctx context.Context) ([]User, error)
}

// HandoverStore persists the human takeover queue.
type HandoverStore interface {
	Create(ctx context.Context, t HandoverTicket) (HandoverTicket, error)
	Get(ctx context.Context, id string) (HandoverTicket, error)

	// List returns tickets filtered by status (empty = all), priority
	// descending then age ascending.
	List(ctx context.Context, status HandoverStatus) ([]HandoverTicket, error)

	// OpenByConversation returns the open (pending, accepted or
	// in-progress) ticket of a conversation, if any.
	OpenByConversation(ctx context.Context, conversationID string) (HandoverTicket, bool, error)

	// Accept assigns a pending ticket to a human. The check-and-assign is
	// atomic; a ticket that is no longer pending returns a conflict.
	Accept(ctx context.Context, id, humanID string) (HandoverTicket, error)

	// Resolve closes an accepted or in-progress ticket.
	Resolve(ctx context.Context, id, notes string) (HandoverTicket, error)

	// Cancel closes a ticket from any open state.
	Cancel(ctx context.Context, id string) (HandoverTicket, error)

	Stats(ctx context.Context) (HandoverStats, error)
}

// CalendarStore persists scheduling commitments.
type CalendarStore interface {
	Create(ctx context.Context, c CalendarCommitment) (CalendarCommitment, error)
	Get(ctx context.Context, id string) (CalendarCommitment, error)
	ByDedupKey(ctx context.Context, dedupKey string) (CalendarCommitment, bool, error)
	List(ctx context.Context, agentKey string, from, to time.Time) ([]CalendarCommitment, error)
	Update(ctx context.Context, c CalendarCommitment) (CalendarCommitment, error)
}

// CustomAgentStore persists tenant-defined agents.
type CustomAgentStore interface {
	Create(ctx context.Context, a CustomAgent) (CustomAgent, error)
	ByKey(ctx context.Context, key string) (CustomAgent, bool, error)
	List(ctx context.Context) ([]CustomAgent, error)
	Delete(ctx context.Context, key string) error
}

// InteractionStore records classified question/answer pairs.
type InteractionStore interface {
	Log(ctx context.Context, i Interaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Interaction, error)
}

// UploadGrantStore tracks single-use upload grants issued by the broker.
type UploadGrantStore interface {
	// Put stores a grant keyed by object key.
	Put(ctx context.Context, g UploadGrant) error
	// Consume atomically marks a grant consumed. It returns the grant, a
	// conflict when already consumed, or not-found for unknown keys and
	// for grants issued before issuedAfter.
	Consume(ctx context.Context, key string, issuedAfter time.Time) (UploadGrant, error)
	// Expire removes unconsumed grants issued before cutoff and returns
	// their object keys, for the GC sweep.
	Expire(ctx context.Context, cutoff time.Time) ([]string, error)
}

// UploadGrant is the server-side record of an issued presigned PUT.
type UploadGrant struct {
	Key      string
	Bucket   string
	UserID   string
	Filename string
	MimeType string
	MaxBytes int64
	IssuedAt time.Time
	Consumed bool
}

// Stores bundles every store a backend provides.
type Stores struct {
	Messages     MessageStore
	Users        UserStore
	Handovers    HandoverStore
	Calendar     CalendarStore
	CustomAgents CustomAgentStore
	Interactions InteractionStore
	Uploads      UploadGrantStore
}
