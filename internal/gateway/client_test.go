package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

func roomTestClient(userID string) *Client {
	return &Client{
		user: store.User{ID: userID},
		send: make(chan *protocol.EventFrame, sendBufferSize),
		rooms: map[string]struct{}{
			bus.UserRoom(userID): {},
		},
	}
}

func TestRoomMembership(t *testing.T) {
	c := roomTestClient("u1")

	// Broadcasts reach everyone.
	assert.True(t, c.inRooms(nil))

	assert.True(t, c.inRooms([]string{bus.UserRoom("u1")}))
	assert.False(t, c.inRooms([]string{bus.UserRoom("u2")}))

	conv := bus.ConversationRoom(store.ConversationID("u1", "u2"))
	assert.False(t, c.inRooms([]string{conv}))
	c.join(conv)
	assert.True(t, c.inRooms([]string{conv}))
	c.leave(conv)
	assert.False(t, c.inRooms([]string{conv}))

	// Any matching room is enough.
	c.join(bus.PanelRoom("u1", "guru"))
	assert.True(t, c.inRooms([]string{"bogus", bus.PanelRoom("u1", "guru")}))
}

func TestFanOutFiltersByRoom(t *testing.T) {
	c := roomTestClient("u1")
	events := make(chan *bus.Event, 8)

	done := make(chan struct{})
	go func() {
		c.fanOut(events)
		close(done)
	}()

	events <- &bus.Event{Name: "message.created", Rooms: []string{bus.UserRoom("u2")}}
	events <- &bus.Event{Name: "presence.changed", Rooms: []string{bus.UserRoom("u1")}}
	events <- &bus.Event{Name: "system.notice"} // broadcast
	close(events)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fanOut did not drain the subscription")
	}

	var got []string
	for len(c.send) > 0 {
		frame := <-c.send
		got = append(got, frame.Event)
	}
	assert.Equal(t, []string{"presence.changed", "system.notice"}, got)
}
