package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPublisher() *Publisher {
	return NewPublisher(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	p := testPublisher()
	a := p.Subscribe("a")
	b := p.Subscribe("b")

	p.Publish(&Event{Name: "message.created", Rooms: []string{UserRoom("u1")}})

	for _, ch := range []<-chan *Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, "message.created", ev.Name)
			assert.Equal(t, []string{"user:u1"}, ev.Rooms)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := testPublisher()
	ch := p.Subscribe("a")
	p.Unsubscribe("a")

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op.
	p.Publish(&Event{Name: "noop"})
}

func TestResubscribeReplacesChannel(t *testing.T) {
	p := testPublisher()
	old := p.Subscribe("a")
	fresh := p.Subscribe("a")

	_, open := <-old
	assert.False(t, open)

	p.Publish(&Event{Name: "ev"})
	select {
	case ev := <-fresh:
		assert.Equal(t, "ev", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("replacement subscriber did not receive the event")
	}
}

func TestPublishDropsForLaggingSubscriber(t *testing.T) {
	p := testPublisher()
	ch := p.Subscribe("slow")

	// Fill the buffer and then some; Publish must never block.
	for i := 0; i < 300; i++ {
		p.Publish(&Event{Name: "flood"})
	}
	assert.Len(t, ch, 256)
}

func TestMessageQueueRoundTrip(t *testing.T) {
	q := NewMessageQueue(4)
	ctx := context.Background()

	msg := InboundMessage{Channel: "whatsapp", SenderID: "5511999990000", Text: "oi"}
	require.NoError(t, q.Publish(ctx, msg))

	select {
	case got := <-q.Consume():
		assert.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("queued message never arrived")
	}
}

func TestMessageQueuePublishHonorsContext(t *testing.T) {
	q := NewMessageQueue(1)
	require.NoError(t, q.Publish(context.Background(), InboundMessage{Text: "fills the buffer"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, InboundMessage{Text: "blocked"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "user:u1", UserRoom("u1"))
	assert.Equal(t, "conv:alice:bob", ConversationRoom("alice:bob"))
	assert.Equal(t, "panel:u1:guru", PanelRoom("u1", "guru"))
}
