package turn

import (
	"testing"

	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

func TestTurnCommand(t *testing.T) {
	tests := []struct {
		text string
		want Command
	}{
		{"/human", CommandHuman},
		{"  /HUMAN por favor", CommandHuman},
		{"/reset", CommandReset},
		{"quero falar com humano", CommandNone},
		{"hello /human", CommandNone},
		{"", CommandNone},
		{"/unknown", CommandNone},
	}

	for _, tt := range tests {
		turn := New(NewID(), "conv-1", tt.text, outbox.ChannelWeb, "conv-1")
		if got := turn.Command(); got != tt.want {
			t.Errorf("Command(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestTurnAccessors(t *testing.T) {
	id := NewID()
	turn := New(id, "line-U123", "Olá", outbox.ChannelLINE, "U123")

	if turn.ID() != id {
		t.Errorf("Expected ID %s, got %s", id, turn.ID())
	}
	if turn.ConversationID() != "line-U123" || turn.Text() != "Olá" {
		t.Errorf("Unexpected turn: %+v", turn)
	}
	if turn.Channel() != outbox.ChannelLINE || turn.Destination() != "U123" {
		t.Errorf("Unexpected channel/destination: %s/%s", turn.Channel(), turn.Destination())
	}
}
