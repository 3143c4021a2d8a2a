package bus

import "time"

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Character string
	Content   string
	Timestamp time.Time
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel   string
	ChatID    string
	Character string
	Content   string
}

// MessageBus carries chat traffic between channels and the gateway.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage
}

func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = 100
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, size),
		Outbound: make(chan OutboundMessage, size),
	}
}
