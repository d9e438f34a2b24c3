// Package bus decouples the engine from its delivery surfaces. The router,
// the upload broker and the scheduling layer publish events here; the
// gateway subscribes and fans them out to the matching rooms. Inbound
// channel traffic flows the opposite way through the message queue.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Event is a named frame addressed to one or more rooms.
// An empty Rooms slice broadcasts to every connection.
type Event struct {
	Name    string
	Payload interface{}
	Rooms   []string
}

// EventPublisher fans events out to subscribers.
type EventPublisher interface {
	Subscribe(id string) <-chan *Event
	Unsubscribe(id string)
	Publish(ev *Event)
}

// Publisher is the in-process EventPublisher.
type Publisher struct {
	mu     sync.RWMutex
	subs   map[string]chan *Event
	logger *slog.Logger
}

// NewPublisher builds an in-process event publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		subs:   make(map[string]chan *Event),
		logger: logger,
	}
}

// Subscribe registers a subscriber and returns its event channel.
// A prior subscription with the same id is replaced.
func (p *Publisher) Subscribe(id string) <-chan *Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.subs[id]; ok {
		close(old)
	}
	ch := make(chan *Event, 256)
	p.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subs[id]; ok {
		close(ch)
		delete(p.subs, id)
	}
}

// Publish delivers ev to every subscriber. Slow subscribers drop the event
// rather than stall the publisher.
func (p *Publisher) Publish(ev *Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.logger.Warn("bus.subscriber_lagging", "subscriber", id, "event", ev.Name)
		}
	}
}

// InboundMessage is a normalized message arriving from an external channel.
type InboundMessage struct {
	Channel       string // "whatsapp", "instagram", "facebook", "wppconnect"
	SenderID      string // channel-native sender id
	SenderName    string
	ProviderMsgID string
	Kind          string
	Text          string
	MediaURL      string
}

// MessageQueue carries normalized inbound channel messages to the router.
type MessageQueue struct {
	ch chan InboundMessage
}

// NewMessageQueue builds a buffered inbound queue.
func NewMessageQueue(size int) *MessageQueue {
	if size <= 0 {
		size = 256
	}
	return &MessageQueue{ch: make(chan InboundMessage, size)}
}

// Publish enqueues an inbound message, blocking if the queue is full.
func (q *MessageQueue) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the receive side of the queue.
func (q *MessageQueue) Consume() <-chan InboundMessage {
	return q.ch
}
