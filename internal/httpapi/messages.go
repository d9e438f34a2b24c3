package httpapi

import (
	"net/http"
	"strconv"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/router"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

const defaultHistoryLimit = 50

type messageView struct {
	ID            string                      `json:"id"`
	Author        string                      `json:"author"`
	Kind          string                      `json:"kind"`
	Text          string                      `json:"text,omitempty"`
	Status        string                      `json:"status"`
	AgentKey      string                      `json:"agentKey,omitempty"`
	Transcription bool                        `json:"transcription,omitempty"`
	Attachment    *protocol.AttachmentPayload `json:"attachment,omitempty"`
	Timestamp     int64                       `json:"timestamp"`
}

func toMessageView(m store.Message) messageView {
	v := messageView{
		ID:            m.ID,
		Author:        m.Author,
		Kind:          m.Kind,
		Text:          m.Text,
		Status:        string(m.Status),
		AgentKey:      m.AgentKey,
		Transcription: m.Transcription,
		Timestamp:     m.CreatedAt.UnixMilli(),
	}
	if m.Attachment != nil {
		v.Attachment = &protocol.AttachmentPayload{
			Bucket:   m.Attachment.Bucket,
			Key:      m.Attachment.Key,
			Filename: m.Attachment.Filename,
			MimeType: m.Attachment.MimeType,
		}
	}
	return v
}

// handleContacts lists conversation peers with their last message and unread
// count. ?inbox=true returns the shared external-contact inbox instead of
// the caller's own conversations.
func (a *API) handleContacts(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	principal := user.ID
	if r.URL.Query().Get("inbox") == "true" {
		principal = router.InboxPrincipal
	}
	summaries, err := a.stores.Messages.RecentPerPeer(r.Context(), principal)
	if err != nil {
		writeError(w, err)
		return
	}

	type contactView struct {
		Contact userView    `json:"contact"`
		Last    messageView `json:"last"`
		Unread  int         `json:"unread"`
	}
	out := make([]contactView, 0, len(summaries))
	for _, s := range summaries {
		peer, err := a.stores.Users.ByID(r.Context(), s.PeerID)
		if err != nil {
			continue
		}
		out = append(out, contactView{
			Contact: userView{ID: peer.ID, Name: peer.Name, Email: peer.Email, Channel: peer.Channel},
			Last:    toMessageView(s.Last),
			Unread:  s.Unread,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contacts": out})
}

// conversationWith resolves which timeline the caller shares with a contact.
func (a *API) conversationWith(r *http.Request, contactID string) (string, error) {
	peer, err := a.stores.Users.ByID(r.Context(), contactID)
	if err != nil {
		return "", err
	}
	if peer.External {
		return store.ConversationID(peer.ID, router.InboxPrincipal), nil
	}
	return store.ConversationID(currentUser(r).ID, peer.ID), nil
}

func (a *API) handleContactMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, err := a.conversationWith(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	// Pagination restarts by re-issuing with before = oldest message id.
	before := r.URL.Query().Get("before")
	limit := queryLimit(r, defaultHistoryLimit)

	msgs, err := a.stores.Messages.History(r.Context(), conversationID, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageView(m)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": conversationID,
		"messages":       out,
	})
}

func (a *API) handleContactRead(w http.ResponseWriter, r *http.Request) {
	contactID := r.PathValue("id")
	conversationID, err := a.conversationWith(r, contactID)
	if err != nil {
		writeError(w, err)
		return
	}

	// On the shared inbox the read cursor belongs to the workspace, not the
	// individual operator.
	reader := currentUser(r)
	if peer, err := a.stores.Users.ByID(r.Context(), contactID); err == nil && peer.External {
		reader = store.User{ID: router.InboxPrincipal}
	}
	if err := a.router.MarkRead(r.Context(), reader, protocol.ChatMarkReadPayload{ConversationID: conversationID}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSendMessage is the REST twin of the chat:send frame.
func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body protocol.ChatSendPayload
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	echo, err := a.router.HandleClientSend(r.Context(), currentUser(r), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, echo)
}

func (a *API) handleAgentList(w http.ResponseWriter, r *http.Request) {
	roster, err := a.agents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": roster})
}

func (a *API) handleAgentMessages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	agentKey := r.PathValue("key")
	if !a.agents.Has(r.Context(), agentKey) {
		writeError(w, errdefs.Newf(errdefs.NotFound, "agent %q not found", agentKey))
		return
	}
	msgs, err := a.stores.Messages.AgentHistory(r.Context(), user.ID, agentKey,
		r.URL.Query().Get("contactId"), queryLimit(r, defaultHistoryLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageView(m)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

func (a *API) handleCustomBotList(w http.ResponseWriter, r *http.Request) {
	bots, err := a.stores.CustomAgents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type botView struct {
		Key          string `json:"key"`
		DisplayName  string `json:"displayName"`
		Emoji        string `json:"emoji,omitempty"`
		Provider     string `json:"provider"`
		AccountLabel string `json:"accountLabel,omitempty"`
	}
	out := make([]botView, len(bots))
	for i, b := range bots {
		out[i] = botView{
			Key:          b.Key,
			DisplayName:  b.DisplayName,
			Emoji:        b.Emoji,
			Provider:     b.Provider,
			AccountLabel: b.AccountLabel,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bots": out})
}

func (a *API) handleCustomBotCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key          string   `json:"key"`
		DisplayName  string   `json:"displayName"`
		Emoji        string   `json:"emoji"`
		SystemPrompt string   `json:"systemPrompt"`
		Provider     string   `json:"provider"`
		Tools        []string `json:"tools"`
		AccountLabel string   `json:"accountLabel"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	created, err := a.agents.RegisterCustom(r.Context(), store.CustomAgent{
		Key:          body.Key,
		DisplayName:  body.DisplayName,
		Emoji:        body.Emoji,
		SystemPrompt: body.SystemPrompt,
		Provider:     body.Provider,
		Tools:        body.Tools,
		AccountLabel: body.AccountLabel,
		OwnerUserID:  currentUser(r).ID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": created.Key})
}

func (a *API) handleCustomBotDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.agents.RemoveCustom(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) handleUploadGrant(w http.ResponseWriter, r *http.Request) {
	if a.uploads == nil {
		writeError(w, errdefs.New(errdefs.Unavailable, "storage is not configured"))
		return
	}
	var body struct {
		Filename  string `json:"filename"`
		MimeType  string `json:"mimetype"`
		SizeBytes int64  `json:"sizeBytes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	grant, err := a.uploads.IssueGrant(r.Context(), currentUser(r).ID, body.Filename, body.MimeType, body.SizeBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) handleUploadConfirm(w http.ResponseWriter, r *http.Request) {
	if a.uploads == nil {
		writeError(w, errdefs.New(errdefs.Unavailable, "storage is not configured"))
		return
	}
	var body struct {
		Key       string `json:"key"`
		ContactID string `json:"contactId"`
		AgentKey  string `json:"agentKey"`
		Text      string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ContactID == "" && body.AgentKey == "" {
		writeError(w, errdefs.New(errdefs.Invalid, "contactId or agentKey is required"))
		return
	}
	att, err := a.uploads.Confirm(r.Context(), currentUser(r).ID, body.Key)
	if err != nil {
		writeError(w, err)
		return
	}

	// Confirm is the commit point: the attachment message lands on the
	// timeline here, not on a follow-up send.
	echo, err := a.router.HandleClientSend(r.Context(), currentUser(r), protocol.ChatSendPayload{
		ContactID: body.ContactID,
		AgentKey:  body.AgentKey,
		Text:      body.Text,
		Attachment: &protocol.AttachmentPayload{
			Bucket:   att.Bucket,
			Key:      att.Key,
			Filename: att.Filename,
			MimeType: att.MimeType,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, echo)
}

func (a *API) handleNLUAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text    string `json:"text"`
		Speaker string `json:"speaker"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Text == "" {
		writeError(w, errdefs.New(errdefs.Invalid, "text is required"))
		return
	}
	speaker := nlu.SpeakerCustomer
	if body.Speaker == string(nlu.SpeakerOperator) {
		speaker = nlu.SpeakerOperator
	}
	intent, entities := a.nlu.Analyze(r.Context(), body.Text, speaker)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intent":            intent,
		"entities":          entities,
		"response_template": nlu.SuggestResponseTemplate(intent),
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return fallback
	}
	return n
}
