package bus

import "testing"

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "99"}
	if got := msg.SessionKey(); got != "telegram:99" {
		t.Errorf("SessionKey = %q", got)
	}
}

func TestNewMessageBusDefaultsSize(t *testing.T) {
	b := NewMessageBus(0)
	if cap(b.Inbound) != 100 || cap(b.Outbound) != 100 {
		t.Errorf("caps = %d/%d, want 100", cap(b.Inbound), cap(b.Outbound))
	}

	b = NewMessageBus(5)
	if cap(b.Inbound) != 5 {
		t.Errorf("cap = %d, want 5", cap(b.Inbound))
	}
}
