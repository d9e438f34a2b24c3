package bus

// Room naming shared by the event producers and the gateway. A connection
// joins rooms; events address rooms.

// UserRoom receives events addressed to every connection of one user.
func UserRoom(userID string) string {
	return "user:" + userID
}

// ConversationRoom receives the canonical message echoes of a conversation.
func ConversationRoom(conversationID string) string {
	return "conv:" + conversationID
}

// PanelRoom receives agent-panel traffic for one (user, agent) pair.
func PanelRoom(userID, agentKey string) string {
	return "panel:" + userID + ":" + agentKey
}
