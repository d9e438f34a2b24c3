package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/agents"
	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/calendar"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/channels/meta"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/handover"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/providers"
	"github.com/omnidesk/omnidesk/internal/router"
	"github.com/omnidesk/omnidesk/internal/scheduling"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
	"github.com/omnidesk/omnidesk/internal/uploads"
)

type noopProvider struct{}

func (noopProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "ok"}, nil
}
func (noopProvider) DefaultModel() string { return "noop-1" }
func (noopProvider) Name() string { return "openai" }

type stubPresigner struct{}

func (stubPresigner) PresignPutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://s3.test/put/" + aws.ToString(in.Key)}, nil
}

func (stubPresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://s3.test/get/" + aws.ToString(in.Key)}, nil
}

type testEnv struct {
	srv     *httptest.Server
	stores  *store.Stores
	inbound *bus.MessageQueue
}

func newTestEnv(t *testing.T) *testEnv { return buildEnv(t, false) }

// newUploadEnv wires an in-memory object store broker into the API.
func newUploadEnv(t *testing.T) *testEnv { return buildEnv(t, true) }

func buildEnv(t *testing.T, withStorage bool) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := memory.NewStores()
	cfg := config.Default()

	authSvc, err := auth.NewService(stores.Users, "test-secret", time.Hour)
	require.NoError(t, err)

	registry := agents.NewRegistry(config.AgentsConfig{},
		map[string]providers.Provider{"openai": noopProvider{}}, stores.CustomAgents, logger)
	inbound := bus.NewMessageQueue(16)
	nluSvc := nlu.NewService(nlu.NewRulesClassifier(), logger)
	handovers := handover.NewService(stores.Handovers, logger)
	scheduler := scheduling.NewCoordinator(cfg.Scheduling, calendar.NewOfflineClient(), stores.Calendar, logger)

	var broker *uploads.Broker
	if withStorage {
		broker = uploads.NewBroker(config.StorageConfig{
			Bucket: "media", MaxUploadMB: 10, GrantTTLMin: 15, ReadURLTTLMin: 10,
		}, stubPresigner{}, nil, stores.Uploads, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rt := router.New(ctx, router.Deps{
		Config:    cfg,
		Stores:    stores,
		Events:    bus.NewPublisher(logger),
		Inbound:   inbound,
		NLU:       nluSvc,
		Handovers: handovers,
		Scheduler: scheduler,
		Agents:    registry,
		Channels:  channels.NewManager(logger),
		Uploads:   broker,
		Logger:    logger,
	})

	api := New(Deps{
		Config:    cfg,
		Auth:      authSvc,
		Stores:    stores,
		Router:    rt,
		Uploads:   broker,
		NLU:       nluSvc,
		Handovers: handovers,
		Scheduler: scheduler,
		Agents:    registry,
		Inbound:   inbound,
		Meta: map[string]*meta.Channel{
			"whatsapp": meta.New(meta.KindWhatsApp, config.MetaChannelConfig{VerifyToken: "vtoken"}),
		},
		Logger: logger,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, stores: stores, inbound: inbound}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func (e *testEnv) register(t *testing.T, name, email string) string {
	t.Helper()
	resp, data := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	return out.Token
}

func TestAuthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	token := env.register(t, "Ana", "ana@example.com")
	assert.NotEmpty(t, token)

	resp, _ := env.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"name": "Other", "email": "ana@example.com", "password": "secret2",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data := env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "ana@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		Token string `json:"token"`
		User  struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(data, &login))
	assert.NotEmpty(t, login.Token)
	assert.Equal(t, "ana@example.com", login.User.Email)

	resp, _ = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "ana@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthGate(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/contacts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/contacts", "forged-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestContactsListsPeers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.register(t, "Ana", "ana@example.com")

	ana, err := env.stores.Users.ByEmail(ctx, "ana@example.com")
	require.NoError(t, err)
	bob, err := env.stores.Users.Create(ctx, store.User{Name: "Bob", Email: "bob@example.com"})
	require.NoError(t, err)

	_, _, err = env.stores.Messages.Append(ctx, store.Message{
		Author:         bob.ID,
		ConversationID: store.ConversationID(ana.ID, bob.ID),
		Text:           "oi",
	})
	require.NoError(t, err)

	resp, data := env.do(t, http.MethodGet, "/contacts", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Contacts []struct {
			Contact struct {
				ID string `json:"id"`
			} `json:"contact"`
			Unread int `json:"unread"`
		} `json:"contacts"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Contacts, 1)
	assert.Equal(t, bob.ID, out.Contacts[0].Contact.ID)
	assert.Equal(t, 1, out.Contacts[0].Unread)
}

func TestNLUAnalyzeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "Ana", "ana@example.com")

	resp, data := env.do(t, http.MethodPost, "/nlu/analyze", token, map[string]string{
		"text": "quero comprar um notebook por R$ 3.500,00",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Intent struct {
			Name string `json:"name"`
		} `json:"intent"`
		Entities map[string]nlu.Entity `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, nlu.IntentPurchase, out.Intent.Name)
	assert.Contains(t, out.Entities, "money")
	assert.Contains(t, out.Entities, "product")

	resp, _ = env.do(t, http.MethodPost, "/nlu/analyze", token, map[string]string{"text": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandoverLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "Op", "op@example.com")

	resp, data := env.do(t, http.MethodPost, "/handovers", token, map[string]interface{}{
		"conversationId": "conv-1",
		"reason":         "complaint",
		"lastMessages":   []string{"péssimo atendimento"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var ticket store.HandoverTicket
	require.NoError(t, json.Unmarshal(data, &ticket))
	assert.Equal(t, store.HandoverPending, ticket.Status)
	assert.Equal(t, 4, ticket.Priority)

	resp, data = env.do(t, http.MethodGet, "/handovers?status=pending", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Handovers []store.HandoverTicket `json:"handovers"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Handovers, 1)

	resp, _ = env.do(t, http.MethodPost, "/handovers/"+ticket.ID+"/accept", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Accept is single-winner.
	resp, _ = env.do(t, http.MethodPost, "/handovers/"+ticket.ID+"/accept", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/handovers/"+ticket.ID+"/resolve", token, map[string]string{"notes": "done"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/handovers/missing-id", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCustomBotEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "Ana", "ana@example.com")

	resp, data := env.do(t, http.MethodGet, "/agents", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"guru"`)

	resp, _ = env.do(t, http.MethodPost, "/custom-bots", token, map[string]string{
		"key":          "chef",
		"displayName":  "Chef",
		"systemPrompt": "Você é um chef.",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data = env.do(t, http.MethodGet, "/custom-bots", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"chef"`)

	// Reserved keys are rejected.
	resp, _ = env.do(t, http.MethodPost, "/custom-bots", token, map[string]string{
		"key": "guru", "systemPrompt": "prompt",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/custom-bots/chef", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookVerify(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=vtoken&hub.challenge=777", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "777", string(data))

	resp, _ = env.do(t, http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=777", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/webhooks/telegram?hub.mode=subscribe", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookDeliveryEnqueues(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []map[string]interface{}{{
			"changes": []map[string]interface{}{{
				"value": map[string]interface{}{
					"contacts": []map[string]interface{}{{
						"wa_id": "5511999990000", "profile": map[string]string{"name": "João"},
					}},
					"messages": []map[string]interface{}{{
						"id": "wamid.X1", "from": "5511999990000", "type": "text",
						"text": map[string]string{"body": "oi"},
					}},
				},
			}},
		}},
	}
	resp, data := env.do(t, http.MethodPost, "/webhooks/whatsapp", "", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), `"received":1`)

	select {
	case msg := <-env.inbound.Consume():
		assert.Equal(t, "whatsapp", msg.Channel)
		assert.Equal(t, "oi", msg.Text)
		assert.Equal(t, "wamid.X1", msg.ProviderMsgID)
	case <-time.After(time.Second):
		t.Fatal("webhook delivery never reached the inbound queue")
	}
}

func TestUploadsUnavailableWithoutStorage(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "Ana", "ana@example.com")

	resp, _ := env.do(t, http.MethodPost, "/uploads/grant", token, map[string]interface{}{
		"filename": "a.png", "mimetype": "image/png", "sizeBytes": 100,
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUploadConfirmAppendsMessage(t *testing.T) {
	env := newUploadEnv(t)
	ctx := context.Background()
	token := env.register(t, "Ana", "ana@example.com")

	ana, err := env.stores.Users.ByEmail(ctx, "ana@example.com")
	require.NoError(t, err)
	bob, err := env.stores.Users.Create(ctx, store.User{Name: "Bob", Email: "bob@example.com"})
	require.NoError(t, err)

	resp, data := env.do(t, http.MethodPost, "/uploads/grant", token, map[string]interface{}{
		"filename": "voz.ogg", "mimetype": "audio/ogg", "sizeBytes": 2048,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var grant struct {
		Key    string `json:"key"`
		PutURL string `json:"putUrl"`
	}
	require.NoError(t, json.Unmarshal(data, &grant))
	assert.Contains(t, grant.PutURL, grant.Key)

	// Confirm is the commit point: the attachment message lands here.
	resp, data = env.do(t, http.MethodPost, "/uploads/confirm", token, map[string]string{
		"key": grant.Key, "contactId": bob.ID, "text": "segue o áudio",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var echo struct {
		Kind       string `json:"kind"`
		URL        string `json:"url"`
		Attachment *struct {
			Key string `json:"key"`
		} `json:"attachment"`
	}
	require.NoError(t, json.Unmarshal(data, &echo))
	assert.Equal(t, store.KindAudio, echo.Kind)
	require.NotNil(t, echo.Attachment)
	assert.Equal(t, grant.Key, echo.Attachment.Key)
	assert.Contains(t, echo.URL, "/get/")

	msgs, err := env.stores.Messages.History(ctx, store.ConversationID(ana.ID, bob.ID), "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.KindAudio, msgs[0].Kind)
	require.NotNil(t, msgs[0].Attachment)
	assert.Equal(t, grant.Key, msgs[0].Attachment.Key)

	// The grant is single-use; a retry cannot land a second message.
	resp, _ = env.do(t, http.MethodPost, "/uploads/confirm", token, map[string]string{
		"key": grant.Key, "contactId": bob.ID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Without a destination the grant stays unconsumed.
	resp, _ = env.do(t, http.MethodPost, "/uploads/confirm", token, map[string]string{"key": grant.Key})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContactMessagesPaginatesByID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.register(t, "Ana", "ana@example.com")

	ana, err := env.stores.Users.ByEmail(ctx, "ana@example.com")
	require.NoError(t, err)
	bob, err := env.stores.Users.Create(ctx, store.User{Name: "Bob", Email: "bob@example.com"})
	require.NoError(t, err)

	conv := store.ConversationID(ana.ID, bob.ID)
	var all []store.Message
	for i := 0; i < 5; i++ {
		m, _, err := env.stores.Messages.Append(ctx, store.Message{Author: bob.ID, ConversationID: conv, Text: "m"})
		require.NoError(t, err)
		all = append(all, m)
	}

	type page struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}

	resp, data := env.do(t, http.MethodGet, "/contacts/"+bob.ID+"/messages?limit=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var first page
	require.NoError(t, json.Unmarshal(data, &first))
	require.Len(t, first.Messages, 2)
	assert.Equal(t, all[3].ID, first.Messages[0].ID)
	assert.Equal(t, all[4].ID, first.Messages[1].ID)

	// The next page restarts from the oldest id of the previous one.
	resp, data = env.do(t, http.MethodGet,
		"/contacts/"+bob.ID+"/messages?limit=2&before="+first.Messages[0].ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var second page
	require.NoError(t, json.Unmarshal(data, &second))
	require.Len(t, second.Messages, 2)
	assert.Equal(t, all[1].ID, second.Messages[0].ID)
	assert.Equal(t, all[2].ID, second.Messages[1].ID)
}
