package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chatnotes/chat"
)

func dialLive(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial live: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) liveMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m liveMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

func TestLiveSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dialLive(t, srv, "?owner_id=dana")
	hello := readFrame(t, conn)
	if hello.Type != "hello" || hello.SessionID == "" || hello.Mode != chat.ModePull {
		t.Fatalf("hello = %+v", hello)
	}
	sessions := f.orch.Sessions()
	if len(sessions) != 1 || sessions[0].ID != hello.SessionID || sessions[0].OwnerID != "dana" {
		t.Fatalf("sessions = %+v", sessions)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if pong := readFrame(t, conn); pong.Type != "pong" || pong.SessionID != hello.SessionID {
		t.Errorf("pong = %+v", pong)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	eventually(t, func() bool { return len(f.orch.Sessions()) == 0 }, "live session closed")
}

func TestLiveStatusFrames(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.LiveStatusEvery = 20 * time.Millisecond })
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dialLive(t, srv, "")
	defer conn.Close()
	readFrame(t, conn) // hello
	if m := readFrame(t, conn); m.Type != "status" || m.Mode != chat.ModePull {
		t.Errorf("status frame = %+v", m)
	}
}
