package pubsub

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"pia/+/task", "pia/wingspan/task", true},
		{"pia/+/task", "pia/wingspan/sub/task", false},
		{"pia/#", "pia/wingspan/job/completed", true},
		{"pia/wingspan", "pia/dao", false},
		{"pia/#", "pia", true},
		{"#", "anything/at/all", true},
		{"pia/+", "pia", false},
		{"pia/dao", "pia/dao", true},
		{"pia/dao", "pia/dao/status", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TopicMatches(tc.pattern, tc.topic), "%s vs %s", tc.pattern, tc.topic)
	}
}

func TestRetainedReplayedBeforeNewMessages(t *testing.T) {
	b := NewBroker()
	_, err := b.Publish("pia/dao/status", map[string]any{"status": "idle"}, "dao", true)
	require.NoError(t, err)

	var got []Message
	_, err = b.Subscribe("pia/dao/+", "watcher", func(m Message) { got = append(got, m) })
	require.NoError(t, err)

	_, err = b.Publish("pia/dao/job", "next", "dao", false)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "pia/dao/status", got[0].Topic)
	assert.True(t, got[0].Retained)
	assert.Equal(t, "pia/dao/job", got[1].Topic)
}

func TestRetainedOverwritesPerTopic(t *testing.T) {
	b := NewBroker()
	_, _ = b.Publish("fleet/a/status", "one", "a", true)
	_, _ = b.Publish("fleet/a/status", "two", "a", true)

	msg, ok := b.Retained("fleet/a/status")
	require.True(t, ok)
	assert.Equal(t, "two", msg.Payload)

	replays := 0
	_, _ = b.Subscribe("fleet/#", "w", func(Message) { replays++ })
	assert.Equal(t, 1, replays)
}

func TestUnsubscribeTwice(t *testing.T) {
	b := NewBroker()
	id, err := b.Subscribe("a/b", "s", func(Message) {})
	require.NoError(t, err)
	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
}

func TestUnsubscribeAll(t *testing.T) {
	b := NewBroker()
	for i := 0; i < 3; i++ {
		_, _ = b.Subscribe(fmt.Sprintf("t/%d", i), "owner", nil)
	}
	_, _ = b.Subscribe("t/x", "other", nil)

	assert.Equal(t, 3, b.UnsubscribeAll("owner"))
	assert.Equal(t, 0, b.UnsubscribeAll("owner"))
	assert.Len(t, b.Subscriptions(), 1)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := NewBroker()
	_, _ = b.Subscribe("x/#", "bad", func(Message) { panic("boom") })
	var seen int
	_, _ = b.Subscribe("x/+", "good", func(Message) { seen++ })

	_, err := b.Publish("x/y", 1, "p", false)
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	assert.EqualValues(t, 1, b.Stats().TotalDelivered)
}

func TestValidation(t *testing.T) {
	b := NewBroker()

	_, err := b.Subscribe("", "s", nil)
	assert.True(t, errors.Is(err, ErrInvalidPattern))
	_, err = b.Subscribe("a/#/b", "s", nil)
	assert.True(t, errors.Is(err, ErrInvalidPattern))
	_, err = b.Subscribe("a/b+", "s", nil)
	assert.True(t, errors.Is(err, ErrInvalidPattern))

	_, err = b.Publish("", nil, "p", false)
	assert.True(t, errors.Is(err, ErrInvalidTopic))
	_, err = b.Publish("a/+", nil, "p", false)
	assert.True(t, errors.Is(err, ErrInvalidTopic))
}

func TestMessagesNewestFirstWithLimit(t *testing.T) {
	b := NewBroker()
	for i := 0; i < 5; i++ {
		_, _ = b.Publish("log/a", i, "p", false)
		_, _ = b.Publish("log/b", i, "p", false)
	}
	msgs := b.Messages("log/a", 3)
	require.Len(t, msgs, 3)
	assert.Equal(t, 4, msgs[0].Payload)
	assert.Equal(t, 2, msgs[2].Payload)

	assert.Len(t, b.Messages("log/#", 0), 10)
}

func TestTopicsAndStats(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	b := NewBroker(WithClock(func() time.Time { return now }))

	_, _ = b.Publish("fleet/a/status", "idle", "a", true)
	_, _ = b.Publish("fleet/b/job", 1, "b", false)
	_, _ = b.Publish("fleet/b/job", 2, "b", false)
	_, _ = b.Subscribe("fleet/#", "dash", nil)
	_, _ = b.Subscribe("fleet/+/job", "dash", nil)
	_, _ = b.Subscribe("fleet/a/#", "cli", nil)

	assert.Equal(t, []string{"fleet/a/status", "fleet/b/job"}, b.Topics())

	st := b.Stats()
	assert.EqualValues(t, 3, st.TotalPublished)
	assert.Equal(t, 3, st.ActiveSubscriptions)
	assert.Equal(t, 1, st.RetainedMessages)
	assert.Equal(t, 2, st.ActiveTopics)
	require.NotEmpty(t, st.TopSubscribers)
	assert.Equal(t, Counted{Name: "dash", Count: 2}, st.TopSubscribers[0])
	assert.Equal(t, Counted{Name: "fleet/b/job", Count: 2}, st.TopTopics[0])

	msg, _ := b.Retained("fleet/a/status")
	assert.Equal(t, now.UnixMilli(), msg.Timestamp)
}

func TestPublishDuringReplayQueuesBehindRetained(t *testing.T) {
	b := NewBroker()
	_, err := b.Publish("fleet/a/status", "a-idle", "a", true)
	require.NoError(t, err)
	_, err = b.Publish("fleet/b/status", "b-idle", "b", true)
	require.NoError(t, err)

	var got []string
	_, err = b.Subscribe("fleet/+/status", "watcher", func(m Message) {
		got = append(got, m.Topic+"="+fmt.Sprint(m.Payload))
		if m.Topic == "fleet/a/status" && m.Retained && len(got) == 1 {
			_, perr := b.Publish("fleet/a/status", "a-working", "a", false)
			require.NoError(t, perr)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fleet/a/status=a-idle",
		"fleet/b/status=b-idle",
		"fleet/a/status=a-working",
	}, got)
	assert.EqualValues(t, 1, b.Stats().TotalDelivered)

	_, err = b.Publish("fleet/b/status", "b-working", "b", false)
	require.NoError(t, err)
	assert.Len(t, got, 4, "direct delivery resumes after the replay")
}
