package router

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/agents"
	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/calendar"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/handover"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/providers"
	"github.com/omnidesk/omnidesk/internal/scheduling"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
	"github.com/omnidesk/omnidesk/internal/uploads"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

type fixedProvider struct{ reply string }

func (p *fixedProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: p.reply}, nil
}
func (p *fixedProvider) DefaultModel() string { return "fixed-1" }
func (p *fixedProvider) Name() string { return "openai" }

type stubPresigner struct{}

func (stubPresigner) PresignPutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://s3.test/put/" + aws.ToString(in.Key)}, nil
}

func (stubPresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://s3.test/get/" + aws.ToString(in.Key)}, nil
}

type stubTranscriber struct{ text string }

func (s *stubTranscriber) Transcribe(context.Context, string, string) (string, error) {
	return s.text, nil
}

// scriptedClassifier replays a fixed confidence sequence, holding the last
// value once exhausted.
type scriptedClassifier struct {
	confidences []float64
	i           int
}

func (c *scriptedClassifier) Classify(context.Context, string, nlu.Speaker) nlu.Intent {
	conf := c.confidences[c.i]
	if c.i < len(c.confidences)-1 {
		c.i++
	}
	return nlu.Intent{Name: nlu.IntentGeneral, Confidence: conf, Method: nlu.MethodRules}
}

type pipelineEnv struct {
	router    *Router
	stores    *store.Stores
	handovers *handover.Service
	contact   store.User
	convID    string
	cancel    context.CancelFunc
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	stores := memory.NewStores()

	handovers := handover.NewService(stores.Handovers, logger)
	scheduler := scheduling.NewCoordinator(cfg.Scheduling, calendar.NewOfflineClient(), stores.Calendar, logger)
	registry := agents.NewRegistry(config.AgentsConfig{},
		map[string]providers.Provider{"openai": &fixedProvider{reply: "resposta do bot"}},
		stores.CustomAgents, logger)
	broker := uploads.NewBroker(config.StorageConfig{
		Bucket: "media", MaxUploadMB: 10, GrantTTLMin: 15, ReadURLTTLMin: 10,
	}, stubPresigner{}, nil, stores.Uploads, logger)

	ctx, cancel := context.WithCancel(context.Background())
	r := New(ctx, Deps{
		Config:      cfg,
		Stores:      stores,
		Events:      bus.NewPublisher(logger),
		Inbound:     bus.NewMessageQueue(8),
		NLU:         nlu.NewService(nlu.NewRulesClassifier(), logger),
		Handovers:   handovers,
		Scheduler:   scheduler,
		Agents:      registry,
		Channels:    channels.NewManager(logger),
		Uploads:     broker,
		Transcriber: &stubTranscriber{text: "quero falar sobre o contrato"},
		Logger:      logger,
	})
	// A weekday afternoon, so the outside-hours trigger stays quiet.
	fixed := time.Date(2026, 9, 9, 14, 0, 0, 0, scheduler.Location())
	r.now = func() time.Time { return fixed }

	contact, err := stores.Users.EnsureExternal(context.Background(), "whatsapp", "5511999990000", "João")
	require.NoError(t, err)

	t.Cleanup(cancel)
	return &pipelineEnv{
		router:    r,
		stores:    stores,
		handovers: handovers,
		contact:   contact,
		convID:    store.ConversationID(contact.ID, InboxPrincipal),
		cancel:    cancel,
	}
}

func (e *pipelineEnv) turn(text string) {
	e.router.inboundTurn(e.contact, e.convID, bus.InboundMessage{
		Channel:  "whatsapp",
		SenderID: e.contact.ChannelUserID,
		Text:     text,
	})
}

func (e *pipelineEnv) timeline(t *testing.T) []store.Message {
	t.Helper()
	msgs, err := e.stores.Messages.History(context.Background(), e.convID, "", 0)
	require.NoError(t, err)
	return msgs
}

func (e *pipelineEnv) pendingTickets(t *testing.T) []store.HandoverTicket {
	t.Helper()
	tickets, err := e.handovers.List(context.Background(), store.HandoverPending)
	require.NoError(t, err)
	return tickets
}

func TestInboundTurnAnswersWithDefaultAgent(t *testing.T) {
	env := newPipelineEnv(t)

	env.turn("olá!")

	msgs := env.timeline(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, env.contact.ID, msgs[0].Author)
	assert.Equal(t, "agent:guru", msgs[1].Author)
	assert.Equal(t, "resposta do bot", msgs[1].Text)
	assert.Empty(t, env.pendingTickets(t))
}

func TestComplaintOpensTicketAndSuppressesBot(t *testing.T) {
	env := newPipelineEnv(t)

	env.turn("péssimo atendimento, estou decepcionado")

	tickets := env.pendingTickets(t)
	require.Len(t, tickets, 1)
	assert.Equal(t, store.ReasonComplaint, tickets[0].Reason)
	assert.Equal(t, 4, tickets[0].Priority)
	before := len(env.timeline(t))

	// While the ticket is open, customer messages persist but no agent runs.
	env.turn("vocês vão resolver isso?")
	msgs := env.timeline(t)
	assert.Len(t, msgs, before+1)
	assert.Equal(t, env.contact.ID, msgs[len(msgs)-1].Author)
	assert.Len(t, env.pendingTickets(t), 1)

	// Resolving the ticket puts the conversation back on the normal flow.
	ctx := context.Background()
	_, err := env.handovers.Accept(ctx, tickets[0].ID, "op-1")
	require.NoError(t, err)
	_, err = env.handovers.Resolve(ctx, tickets[0].ID, "")
	require.NoError(t, err)

	env.turn("olá de novo")
	msgs = env.timeline(t)
	assert.Equal(t, "agent:guru", msgs[len(msgs)-1].Author)
}

func TestLowConfidenceStreakOpensOneTicket(t *testing.T) {
	env := newPipelineEnv(t)

	env.turn("zzz qqq")
	assert.Empty(t, env.pendingTickets(t), "one uncertain turn must not escalate")

	env.turn("zzz qqq")
	tickets := env.pendingTickets(t)
	require.Len(t, tickets, 1)
	assert.Equal(t, store.ReasonLowConfidence, tickets[0].Reason)

	env.turn("zzz qqq")
	assert.Len(t, env.pendingTickets(t), 1, "open ticket must absorb further low-confidence turns")
}

func TestOutsideHoursPolicyGatesEscalation(t *testing.T) {
	env := newPipelineEnv(t)
	// 2026-09-12 is a Saturday.
	saturday := time.Date(2026, 9, 12, 14, 0, 0, 0, env.router.scheduler.Location())
	env.router.now = func() time.Time { return saturday }

	// Bot-only service is the default: weekend traffic stays with the bot.
	env.turn("olá!")
	assert.Empty(t, env.pendingTickets(t))
	msgs := env.timeline(t)
	assert.Equal(t, "agent:guru", msgs[len(msgs)-1].Author)

	// The on-call policy turns the same traffic into a pending ticket.
	env.router.cfg.Handover.EscalateOutsideHours = true
	env.turn("olá de novo")
	tickets := env.pendingTickets(t)
	require.Len(t, tickets, 1)
	assert.Equal(t, store.ReasonOutsideHours, tickets[0].Reason)
}

func TestLowConfidenceThresholdCountsMidRangeTurns(t *testing.T) {
	env := newPipelineEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.router.nlu = nlu.NewService(&scriptedClassifier{confidences: []float64{0.3, 0.4}}, logger)

	env.turn("quero ver aquilo que falamos")
	assert.Empty(t, env.pendingTickets(t))

	// 0.4 is still below the 0.5 threshold, so the pair escalates.
	env.turn("aquela coisa de ontem")
	tickets := env.pendingTickets(t)
	require.Len(t, tickets, 1)
	assert.Equal(t, store.ReasonLowConfidence, tickets[0].Reason)
	assert.Equal(t, 2, tickets[0].Priority)
}

func TestUploadedVoiceNoteGetsTranscript(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	operator, err := env.stores.Users.Create(ctx, store.User{Name: "Ana", Email: "ana@example.com"})
	require.NoError(t, err)

	echo, err := env.router.HandleClientSend(ctx, operator, protocol.ChatSendPayload{
		ContactID: env.contact.ID,
		Attachment: &protocol.AttachmentPayload{
			Bucket:   "media",
			Key:      "messages/2026/08/26/voice.ogg",
			Filename: "voice.ogg",
			MimeType: "audio/ogg",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, store.KindAudio, echo.Kind)

	env.cancel()
	env.router.dispatch.wait()

	msgs := env.timeline(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.KindAudio, msgs[0].Kind)
	assert.True(t, msgs[1].Transcription)
	assert.Equal(t, operator.ID, msgs[1].Author)
	assert.Contains(t, msgs[1].Text, "quero falar sobre o contrato")
}

func TestInboundMediaStoredAsAttachment(t *testing.T) {
	env := newPipelineEnv(t)

	env.router.inboundTurn(env.contact, env.convID, bus.InboundMessage{
		Channel:  "whatsapp",
		SenderID: env.contact.ChannelUserID,
		Kind:     store.KindImage,
		MediaURL: "https://cdn.example/media/42.png",
	})

	msgs := env.timeline(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.KindImage, msgs[0].Kind)
	require.NotNil(t, msgs[0].Attachment)
	assert.Equal(t, "https://cdn.example/media/42.png", msgs[0].Attachment.Key)
	assert.Empty(t, msgs[0].Text)
}

func TestMentionRoutesToSpecialist(t *testing.T) {
	env := newPipelineEnv(t)

	env.turn("@advogado preciso de ajuda com contrato")

	msgs := env.timeline(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "agent:advogado", msgs[1].Author)
	assert.Equal(t, "advogado", msgs[1].AgentKey)
}

func TestSuggestedAgentReroutesTurn(t *testing.T) {
	env := newPipelineEnv(t)

	env.turn("quero comprar um notebook, quanto custa?")

	msgs := env.timeline(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "agent:vendedor", msgs[1].Author)
}

func TestClientSendToExternalContactUsesInboxTimeline(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	operator, err := env.stores.Users.Create(ctx, store.User{Name: "Ana", Email: "ana@example.com"})
	require.NoError(t, err)

	echo, err := env.router.HandleClientSend(ctx, operator, protocol.ChatSendPayload{
		ContactID: env.contact.ID,
		Text:      "podemos ajudar?",
	})
	require.NoError(t, err)
	assert.Equal(t, env.convID, echo.ConversationID)
	assert.Equal(t, operator.ID, echo.Author)

	_, err = env.router.HandleClientSend(ctx, operator, protocol.ChatSendPayload{ContactID: env.contact.ID})
	assert.Error(t, err, "empty message must be rejected")
}

func TestAcceptInboundDropsWebhookRedeliveries(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	in := bus.InboundMessage{
		Channel:       "whatsapp",
		SenderID:      env.contact.ChannelUserID,
		ProviderMsgID: "wamid.DUP",
		Text:          "olá",
	}
	env.router.acceptInbound(ctx, in)
	env.router.acceptInbound(ctx, in)

	env.cancel()
	env.router.dispatch.wait()

	msgs := env.timeline(t)
	require.Len(t, msgs, 2, "redelivery must not produce a second customer message")
	assert.Equal(t, "wamid.DUP", msgs[0].ProviderMsgID)
}
