package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single brace placeholder", "Olá {parent_name}!", "Olá!"},
		{"double brace placeholder", "Hi {{name}} , there", "Hi, there"},
		{"dotted placeholder", "Confirmado para {slot.date} às 10h", "Confirmado para às 10h"},
		{"trims lines", "  linha 1  \n   linha 2 ", "linha 1\nlinha 2"},
		{"only placeholder", "{parent_name}", ""},
		{"plain text untouched", "Tudo certo.", "Tudo certo."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.in))
		})
	}
}

func TestNewEnvelope_RejectsEmptyAfterNormalization(t *testing.T) {
	_, err := NewEnvelope("{{greeting}}  ", ChannelWeb, nil)
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestNewEnvelope_CopiesMeta(t *testing.T) {
	meta := map[string]string{MetaTurn: "t1"}
	env, err := NewEnvelope("Olá", ChannelWhatsApp, meta)
	require.NoError(t, err)

	meta[MetaTurn] = "t2"
	assert.Equal(t, "t1", env.Meta[MetaTurn])
	assert.Len(t, env.IdempotencyKey, 32)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("Olá", ChannelWeb, map[string]string{"a": "1", "b": "2"})
	b := IdempotencyKey("Olá", ChannelWeb, map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b, "meta order must not matter")

	assert.NotEqual(t, a, IdempotencyKey("Olá", ChannelLINE, map[string]string{"a": "1", "b": "2"}))
	assert.NotEqual(t, a, IdempotencyKey("Olá", ChannelWeb, map[string]string{"a": "1", "b": "3"}))
	assert.NotEqual(t, a, IdempotencyKey("Olá!", ChannelWeb, map[string]string{"a": "1", "b": "2"}))
}

func TestEnvelopeAccessors(t *testing.T) {
	env, err := NewEnvelope("Oi", ChannelWhatsApp, map[string]string{
		MetaDestination: "5511988887777",
		MetaInstance:    "sales",
	})
	require.NoError(t, err)
	assert.Equal(t, "5511988887777", env.Destination())
	assert.Equal(t, "sales", env.Instance())
}

func TestChannelValid(t *testing.T) {
	for _, c := range []Channel{ChannelWeb, ChannelApp, ChannelWhatsApp, ChannelLINE, ChannelTelegram, ChannelSlack, ChannelDiscord} {
		assert.True(t, c.Valid(), c.String())
	}
	assert.False(t, Channel("fax").Valid())
	assert.False(t, Channel("").Valid())
}

func enqueue(t *testing.T, o *Outbox, texts ...string) {
	t.Helper()
	for _, text := range texts {
		_, err := o.Enqueue(text, ChannelWeb, nil)
		require.NoError(t, err)
	}
}

func texts(envs []Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Text
	}
	return out
}

func TestOutbox_TakeIsFIFOAndBounded(t *testing.T) {
	o := New()
	enqueue(t, o, "um", "dois", "três")

	batch := o.Take(2)
	assert.Equal(t, []string{"um", "dois"}, texts(batch))
	assert.Equal(t, 1, o.Len())
	assert.Equal(t, []string{"três"}, texts(o.Take(5)))
	assert.Nil(t, o.Take(1))
	assert.Nil(t, o.Take(0))
}

func TestOutbox_RequeuePrependsInOrder(t *testing.T) {
	o := New()
	enqueue(t, o, "a", "b", "c", "d")

	batch := o.Take(2)
	o.Requeue(batch...)
	assert.Equal(t, []string{"a", "b", "c", "d"}, texts(o.Snapshot()))

	o.Requeue()
	assert.Equal(t, 4, o.Len())
}

func TestOutbox_SnapshotRestoreKeepsHandle(t *testing.T) {
	o := New()
	enqueue(t, o, "a", "b")
	snap := o.Snapshot()

	o.Take(2)
	assert.Zero(t, o.Len())

	o.Restore(snap)
	assert.Equal(t, []string{"a", "b"}, texts(o.Snapshot()))

	// スナップショットの変更は Outbox に影響しない
	snap[0].Text = "mutated"
	assert.Equal(t, "a", o.Snapshot()[0].Text)
}

func TestOutbox_ZeroValueIsUsable(t *testing.T) {
	var o Outbox
	_, err := o.Enqueue("Oi", ChannelWeb, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Len())
	assert.Len(t, o.Keys(), 1)
}
