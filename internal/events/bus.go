package events

import (
	"log"
	"sync"
)

// Bus delivers domain events synchronously to in-process listeners, in
// subscription order. Delivery is best-effort: a panicking listener is
// logged and skipped so it cannot break ingestion.
type Bus struct {
	mu                  sync.RWMutex
	messageReceived     []func(MessageReceived)
	conversationCreated []func(ConversationCreated)
	channelSend         []func(ChannelSend)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeMessageReceived registers a listener for message.received.
func (b *Bus) SubscribeMessageReceived(fn func(MessageReceived)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageReceived = append(b.messageReceived, fn)
}

// SubscribeConversationCreated registers a listener for conversation.created.
func (b *Bus) SubscribeConversationCreated(fn func(ConversationCreated)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversationCreated = append(b.conversationCreated, fn)
}

// SubscribeChannelSend registers a listener for channel-typed send events.
func (b *Bus) SubscribeChannelSend(fn func(ChannelSend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelSend = append(b.channelSend, fn)
}

// PublishMessageReceived delivers the event to all listeners synchronously.
func (b *Bus) PublishMessageReceived(ev MessageReceived) {
	b.mu.RLock()
	listeners := b.messageReceived
	b.mu.RUnlock()
	for _, fn := range listeners {
		safeCall(TopicMessageReceived, func() { fn(ev) })
	}
}

// PublishConversationCreated delivers the event to all listeners synchronously.
func (b *Bus) PublishConversationCreated(ev ConversationCreated) {
	b.mu.RLock()
	listeners := b.conversationCreated
	b.mu.RUnlock()
	for _, fn := range listeners {
		safeCall(TopicConversationCreated, func() { fn(ev) })
	}
}

// PublishChannelSend delivers the event to all listeners synchronously.
func (b *Bus) PublishChannelSend(ev ChannelSend) {
	b.mu.RLock()
	listeners := b.channelSend
	b.mu.RUnlock()
	for _, fn := range listeners {
		safeCall(SendTopic(ev.ChannelType), func() { fn(ev) })
	}
}

func safeCall(topic string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: listener panic on %s: %v", topic, r)
		}
	}()
	fn()
}
