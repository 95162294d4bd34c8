package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/fleethub/internal/bus"
)

type fakeTransport struct {
	mu     sync.Mutex
	open   bool
	fail   bool
	frames [][]byte
}

func (f *fakeTransport) IsOpen() bool { return f.open }

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func newTestRelay(t *testing.T, opts ...Option) (*Relay, *bus.Bus) {
	t.Helper()
	b := bus.New()
	r := New(Config{MachineID: "hub", MachineName: "Hub", Token: "secret", HTTPTimeout: time.Second}, b, opts...)
	return r, b
}

func TestRegisterPreservesConnectedAt(t *testing.T) {
	now := time.UnixMilli(1000)
	r, _ := newTestRelay(t, WithClock(func() time.Time { return now }))

	first, err := r.RegisterMachine(Machine{ID: "m1", Name: "One"})
	require.NoError(t, err)
	now = time.UnixMilli(5000)
	second, err := r.RegisterMachine(Machine{ID: "m1", Name: "One again"})
	require.NoError(t, err)

	assert.EqualValues(t, 1000, first.ConnectedAt)
	assert.EqualValues(t, 1000, second.ConnectedAt)
	assert.EqualValues(t, 5000, second.LastSeen)
	assert.Equal(t, "One again", second.Name)

	_, err = r.RegisterMachine(Machine{})
	assert.ErrorIs(t, err, ErrInvalidMachine)
}

func TestConnectAndDisconnectNotifications(t *testing.T) {
	r, _ := newTestRelay(t)
	var events []string
	r.Subscribe(func(m Message) {
		events = append(events, m.Metadata["event"].(string))
	})

	_, _ = r.RegisterMachine(Machine{ID: "m1"})
	assert.True(t, r.UnregisterMachine("m1"))
	assert.False(t, r.UnregisterMachine("m1"))

	assert.Equal(t, []string{"machine:connect", "machine:disconnect"}, events)
	assert.Empty(t, r.Messages(Filter{}))
}

func TestBroadcastSkipsSelfAndLogsOnce(t *testing.T) {
	r, b := newTestRelay(t)
	ta := &fakeTransport{open: true}
	tb := &fakeTransport{open: true}
	tself := &fakeTransport{open: true}
	_, _ = r.RegisterMachine(Machine{ID: "a", Transport: ta})
	_, _ = r.RegisterMachine(Machine{ID: "b", Transport: tb})
	_, _ = r.RegisterMachine(Machine{ID: "hub", Transport: tself})

	msg, deliveries := r.Send(context.Background(), BroadcastID, "hello all", "", "", nil)

	assert.True(t, msg.To.Broadcast)
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		assert.Equal(t, OutcomeTransport, d.Outcome)
	}
	assert.Len(t, ta.frames, 1)
	assert.Len(t, tb.frames, 1)
	assert.Empty(t, tself.frames)
	assert.Len(t, r.Messages(Filter{}), 1)

	var f Frame
	require.NoError(t, json.Unmarshal(ta.frames[0], &f))
	assert.Equal(t, FrameMessage, f.Type)

	inbox := b.Messages("someone", false)
	require.Len(t, inbox, 1)
	assert.Equal(t, "machine:hub", inbox[0].From)
	assert.Equal(t, true, inbox[0].Metadata["crossMachine"])
}

func TestTransportFailureFallsBackToHTTP(t *testing.T) {
	var gotToken string
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotToken = req.Header.Get("X-Api-Token")
		assert.Equal(t, "/api/relay/incoming", req.URL.Path)
		_ = json.NewDecoder(req.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, _ := newTestRelay(t)
	_, _ = r.RegisterMachine(Machine{ID: "m1", Name: "Spoke", Address: srv.URL, Transport: &fakeTransport{open: true, fail: true}})

	msg, deliveries := r.Send(context.Background(), "m1", "ping", TypeCommand, "", map[string]any{"k": "v"})
	require.Len(t, deliveries, 1)
	assert.Equal(t, OutcomeHTTP, deliveries[0].Outcome)
	assert.Equal(t, "secret", gotToken)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "Spoke", got.To.MachineName)
}

func TestDeliveryOutcomes(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	var observed []Delivery
	var mu sync.Mutex
	r, _ := newTestRelay(t, WithObserver(func(d Delivery) {
		mu.Lock()
		observed = append(observed, d)
		mu.Unlock()
	}))
	_, _ = r.RegisterMachine(Machine{ID: "offline"})
	_, _ = r.RegisterMachine(Machine{ID: "broken", TunnelURL: failing.URL + "/"})

	_, d := r.Send(context.Background(), "offline", "x", "", "", nil)
	assert.Equal(t, OutcomeQueued, d[0].Outcome)

	_, d = r.Send(context.Background(), "broken", "x", "", "", nil)
	assert.Equal(t, OutcomeUnreachable, d[0].Outcome)
	assert.Contains(t, d[0].Error, "500")

	msg, d := r.Send(context.Background(), "ghost", "x", "", "", nil)
	assert.Equal(t, OutcomeUnreachable, d[0].Outcome)
	assert.Equal(t, "unknown", msg.To.MachineName)

	assert.Len(t, observed, 3)
}

func TestIncomingURL(t *testing.T) {
	assert.Equal(t, "http://100.64.0.2:3000/api/relay/incoming", incomingURL(Machine{Address: "100.64.0.2"}, 3000))
	assert.Equal(t, "http://10.0.0.5:8080/api/relay/incoming", incomingURL(Machine{Address: "10.0.0.5:8080"}, 3000))
	assert.Equal(t, "https://abc.ngrok.app/api/relay/incoming", incomingURL(Machine{TunnelURL: "https://abc.ngrok.app/"}, 3000))
	assert.Equal(t, "", incomingURL(Machine{}, 3000))
}

func TestHandleIncoming(t *testing.T) {
	now := time.UnixMilli(100)
	r, b := newTestRelay(t, WithClock(func() time.Time { return now }))
	_, _ = r.RegisterMachine(Machine{ID: "m1", Name: "Spoke"})
	now = time.UnixMilli(900)

	msg, err := r.HandleIncoming(Message{From: Peer{MachineID: "m1", MachineName: "Spoke"}, Content: "hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.ID, "rmsg_"))
	assert.Equal(t, ChannelAPI, msg.Channel)

	m, ok := r.Machine("m1")
	require.True(t, ok)
	assert.EqualValues(t, 900, m.LastSeen)

	inbox := b.Messages("machine:hub", false)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].Metadata["originalId"])

	_, err = r.HandleIncoming(Message{Content: "anon"})
	assert.ErrorIs(t, err, ErrInvalidMachine)
}

func TestMessagesFilterAndStats(t *testing.T) {
	r, _ := newTestRelay(t)
	_, _ = r.RegisterMachine(Machine{ID: "m1"})
	_, _ = r.RegisterMachine(Machine{ID: "m2"})
	ctx := context.Background()
	r.Send(ctx, "m1", "a", TypeTask, ChannelWebSocket, nil)
	r.Send(ctx, "m2", "b", TypeChat, ChannelAPI, nil)
	r.Send(ctx, BroadcastID, "c", TypeHeartbeat, ChannelWebSocket, nil)

	assert.Len(t, r.Messages(Filter{MachineID: "m1"}), 1)
	assert.Len(t, r.Messages(Filter{Type: TypeChat}), 1)
	assert.Len(t, r.Messages(Filter{Channel: ChannelWebSocket}), 2)
	assert.Len(t, r.Messages(Filter{Limit: 2}), 2)

	st := r.Stats()
	assert.Equal(t, 2, st.ConnectedMachines)
	assert.Equal(t, 3, st.TotalMessages)
	assert.Equal(t, map[string]int{"websocket": 2, "api": 1}, st.Channels)
	assert.Equal(t, "hub", st.ThisMachine.MachineID)
}

func TestDetachTransportOnlyForCurrentConnection(t *testing.T) {
	r, _ := newTestRelay(t)
	old := &fakeTransport{open: true}
	fresh := &fakeTransport{open: true}
	_, _ = r.RegisterMachine(Machine{ID: "m1", Transport: old})
	_, _ = r.RegisterMachine(Machine{ID: "m1", Transport: fresh})

	assert.False(t, r.DetachTransport("m1", old))
	m, ok := r.Machine("m1")
	require.True(t, ok)
	assert.True(t, m.Live)
	assert.True(t, r.DetachTransport("m1", fresh))
}

func TestTargetJSON(t *testing.T) {
	raw, err := json.Marshal(Target{Broadcast: true})
	require.NoError(t, err)
	assert.Equal(t, `"*"`, string(raw))

	var tg Target
	require.NoError(t, json.Unmarshal([]byte(`{"machineId":"m1","machineName":"One"}`), &tg))
	assert.Equal(t, "m1", tg.ID())
	require.NoError(t, json.Unmarshal([]byte(`"*"`), &tg))
	assert.True(t, tg.Broadcast)
	assert.Error(t, json.Unmarshal([]byte(`"m1"`), &tg))
}

func TestBroadcastSlowPeerTimesOutWithoutDelayingOthers(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer fast.Close()

	r := New(Config{MachineID: "hub", MachineName: "Hub", HTTPTimeout: 300 * time.Millisecond}, bus.New())
	_, err := r.RegisterMachine(Machine{ID: "slow", Address: slow.URL})
	require.NoError(t, err)
	_, err = r.RegisterMachine(Machine{ID: "fast", Address: fast.URL})
	require.NoError(t, err)

	start := time.Now()
	_, deliveries := r.Send(context.Background(), BroadcastID, "ping", TypeStatus, ChannelAPI, nil)
	elapsed := time.Since(start)

	outcomes := map[string]Outcome{}
	for _, d := range deliveries {
		outcomes[d.MachineID] = d.Outcome
		if d.MachineID == "slow" {
			assert.Contains(t, d.Error, "deadline exceeded")
		}
	}
	assert.Equal(t, map[string]Outcome{"slow": OutcomeUnreachable, "fast": OutcomeHTTP}, outcomes)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 550*time.Millisecond, "peers should be contacted concurrently")
}

func TestMessagesLimitAppliesAfterTimeOrdering(t *testing.T) {
	r, _ := newTestRelay(t)
	from := Peer{MachineID: "m1", MachineName: "Spoke"}
	for _, ts := range []int64{900, 100, 500} {
		_, err := r.HandleIncoming(Message{From: from, Content: "x", Timestamp: ts})
		require.NoError(t, err)
	}

	page := r.Messages(Filter{Limit: 1})
	require.Len(t, page, 1)
	assert.EqualValues(t, 900, page[0].Timestamp)

	all := r.Messages(Filter{})
	require.Len(t, all, 3)
	assert.EqualValues(t, []int64{900, 500, 100}, []int64{all[0].Timestamp, all[1].Timestamp, all[2].Timestamp})
}
