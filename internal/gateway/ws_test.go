package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CosmoTheDev/fleethub/internal/relay"
)

func dialSpoke(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/relay"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := relay.EncodeFrame(typ, payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) relay.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f relay.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestSpokeRegisterReceiveAndDisconnect(t *testing.T) {
	gw, h := newTestGateway(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	header := http.Header{}
	header.Set(TokenHeader, testToken)
	conn := dialSpoke(t, srv, header)

	writeFrame(t, conn, relay.FrameRegister, map[string]any{"id": "laptop", "name": "Laptop"})
	f := readFrame(t, conn)
	if f.Type != relay.FrameRegistered {
		t.Fatalf("expected %s, got %s (%s)", relay.FrameRegistered, f.Type, f.Payload)
	}
	var reg registeredPayload
	if err := json.Unmarshal(f.Payload, &reg); err != nil {
		t.Fatalf("decode registered: %v", err)
	}
	if !reg.Machine.Live || reg.Hub.MachineID != "hub-1" {
		t.Fatalf("unexpected registration: %+v", reg)
	}

	rr := doJSON(t, h, http.MethodPost, "/api/relay/send", relaySendRequest{To: "laptop", Content: "deploy now", Type: relay.TypeCommand})
	expectStatus(t, rr, http.StatusOK)
	resp := decode[relaySendResponse](t, rr)
	if len(resp.Deliveries) != 1 || resp.Deliveries[0].Outcome != relay.OutcomeTransport {
		t.Fatalf("expected transport delivery, got %+v", resp.Deliveries)
	}

	f = readFrame(t, conn)
	if f.Type != relay.FrameMessage {
		t.Fatalf("expected %s, got %s", relay.FrameMessage, f.Type)
	}
	var msg relay.Message
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Content != "deploy now" || msg.Type != relay.TypeCommand {
		t.Fatalf("unexpected message: %+v", msg)
	}

	writeFrame(t, conn, relay.FramePing, nil)
	if f := readFrame(t, conn); f.Type != relay.FramePong {
		t.Fatalf("expected pong, got %s", f.Type)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := gw.hub.Relay.Machine("laptop"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("machine still registered after spoke disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpokeMustAuthenticate(t *testing.T) {
	_, h := newTestGateway(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialSpoke(t, srv, nil)
	writeFrame(t, conn, relay.FrameRegister, map[string]any{"id": "laptop"})
	if f := readFrame(t, conn); f.Type != relay.FrameError {
		t.Fatalf("expected error frame, got %s", f.Type)
	}

	conn = dialSpoke(t, srv, nil)
	writeFrame(t, conn, relay.FrameAuth, authPayload{Token: testToken})
	writeFrame(t, conn, relay.FrameRegister, map[string]any{"id": "laptop"})
	if f := readFrame(t, conn); f.Type != relay.FrameRegistered {
		t.Fatalf("expected registration after auth frame, got %s", f.Type)
	}
}

func TestSpokeSendToHubIsRecordedAsIncoming(t *testing.T) {
	gw, h := newTestGateway(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	header := http.Header{}
	header.Set(TokenHeader, testToken)
	conn := dialSpoke(t, srv, header)
	writeFrame(t, conn, relay.FrameRegister, map[string]any{"id": "laptop", "name": "Laptop"})
	readFrame(t, conn)

	writeFrame(t, conn, relay.FrameSend, relaySendRequest{Content: "status ok", Type: relay.TypeStatus})
	// The pong orders the reply after the send has been processed.
	writeFrame(t, conn, relay.FramePing, nil)
	readFrame(t, conn)

	msgs := gw.hub.Relay.Messages(relay.Filter{MachineID: "laptop"})
	if len(msgs) == 0 || msgs[0].Content != "status ok" || msgs[0].From.MachineName != "Laptop" {
		t.Fatalf("unexpected relay log: %+v", msgs)
	}
}

func TestEventsStreamRouterEvents(t *testing.T) {
	_, h := newTestGateway(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	lines := bufio.NewReader(resp.Body)

	readData := func() SSEEvent {
		t.Helper()
		for {
			line, err := lines.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var evt SSEEvent
				if err := json.Unmarshal([]byte(data), &evt); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return evt
			}
		}
	}

	if evt := readData(); evt.Type != "connected" {
		t.Fatalf("expected connected event, got %s", evt.Type)
	}
	expectStatus(t, doJSON(t, h, http.MethodPost, "/api/repos/register", map[string]any{"name": "dao"}), http.StatusCreated)
	if evt := readData(); evt.Type != "repo.registered" {
		t.Fatalf("expected repo.registered, got %s", evt.Type)
	}
}
