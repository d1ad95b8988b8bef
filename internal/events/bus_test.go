package events

import (
	"testing"

	"github.com/switchboard-io/switchboard/internal/models"
)

func TestBus_MessageReceived_Order(t *testing.T) {
	bus := NewBus()
	var calls []string
	bus.SubscribeMessageReceived(func(ev MessageReceived) {
		calls = append(calls, "first:"+ev.Message.ID)
	})
	bus.SubscribeMessageReceived(func(ev MessageReceived) {
		calls = append(calls, "second:"+ev.Message.ID)
	})

	bus.PublishMessageReceived(MessageReceived{Message: models.Message{ID: "m1"}})

	if len(calls) != 2 || calls[0] != "first:m1" || calls[1] != "second:m1" {
		t.Errorf("calls = %v", calls)
	}
}

func TestBus_ListenerPanicDoesNotBreakDelivery(t *testing.T) {
	bus := NewBus()
	var delivered bool
	bus.SubscribeMessageReceived(func(MessageReceived) { panic("listener bug") })
	bus.SubscribeMessageReceived(func(MessageReceived) { delivered = true })

	bus.PublishMessageReceived(MessageReceived{})

	if !delivered {
		t.Error("second listener should still receive the event")
	}
}

func TestBus_ConversationCreated(t *testing.T) {
	bus := NewBus()
	var got ConversationCreated
	bus.SubscribeConversationCreated(func(ev ConversationCreated) { got = ev })

	bus.PublishConversationCreated(ConversationCreated{
		TenantID:     "t1",
		Conversation: models.Conversation{ID: "c1"},
	})

	if got.TenantID != "t1" || got.Conversation.ID != "c1" {
		t.Errorf("got = %+v", got)
	}
}

func TestBus_ChannelSend(t *testing.T) {
	bus := NewBus()
	var got ChannelSend
	bus.SubscribeChannelSend(func(ev ChannelSend) { got = ev })

	bus.PublishChannelSend(ChannelSend{ChannelType: models.ChannelDiscord, MessageID: "m1"})

	if got.MessageID != "m1" {
		t.Errorf("got = %+v", got)
	}
}

func TestBus_NoListeners(t *testing.T) {
	// Publishing with no listeners must not panic.
	NewBus().PublishMessageReceived(MessageReceived{})
}

func TestSendTopic(t *testing.T) {
	if got := SendTopic("discord"); got != "channel.send.discord" {
		t.Errorf("SendTopic = %q", got)
	}
}
