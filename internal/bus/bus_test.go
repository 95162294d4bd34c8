package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start int64) func() time.Time {
	n := start
	return func() time.Time {
		n++
		return time.UnixMilli(n)
	}
}

func TestSendNotifiesRecipientOnly(t *testing.T) {
	b := New()
	var toDao, toOther int
	b.Subscribe("dao", func(Message) { toDao++ })
	b.Subscribe("other", func(Message) { toOther++ })

	msg := b.Send("human", "dao", "hello", "", nil)
	assert.Equal(t, KindDirect, msg.Kind)
	assert.Equal(t, 1, toDao)
	assert.Equal(t, 0, toOther)
}

func TestBroadcastSkipsSender(t *testing.T) {
	b := New()
	var a, c int
	b.Subscribe("a", func(Message) { a++ })
	b.Subscribe("c", func(Message) { c++ })

	b.Broadcast("a", "ping", nil)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, c)
}

func TestMessagesMergesDirectAndBroadcast(t *testing.T) {
	b := New()
	b.now = fixedClock(1000)

	b.Send("x", "dao", "first", KindCommand, nil)
	b.Broadcast("y", "second", nil)
	b.Broadcast("dao", "own", nil)
	b.Send("x", "dao", "third", KindDirect, nil)

	msgs := b.Messages("dao", false)
	require.Len(t, msgs, 3)
	assert.Equal(t, "third", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "first", msgs[2].Content)

	require.True(t, b.MarkRead(msgs[0].ID, "dao"))
	assert.Len(t, b.Messages("dao", true), 2)
	assert.False(t, b.MarkRead("msg_missing", "dao"))
}

func TestUnsubscribeAndPanicIsolation(t *testing.T) {
	b := New()
	b.Subscribe("dao", func(Message) { panic("boom") })
	var n int
	unsub := b.Subscribe("dao", func(Message) { n++ })

	b.Send("x", "dao", "1", "", nil)
	unsub()
	b.Send("x", "dao", "2", "", nil)
	assert.Equal(t, 1, n)
}

func TestStats(t *testing.T) {
	b := New()
	b.Send("x", "dao", "a", KindCommand, nil)
	b.Send("x", "dao", "b", KindCommand, nil)
	b.Broadcast("x", "c", nil)
	b.Subscribe("dao", func(Message) {})

	st := b.Stats()
	assert.EqualValues(t, 3, st.TotalSent)
	assert.Equal(t, 3, st.TotalMessages)
	assert.Equal(t, 2, st.AgentInboxes)
	assert.Equal(t, 1, st.ActiveSubscribers)
	assert.Equal(t, map[string]int{"command": 2, "broadcast": 1}, st.MessagesByType)
}
