package chatspace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/chatspace-app/chatspace/sdk/golang/internal/devserver"
)

type bridgeConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialBridge(t *testing.T, b *Bridge) (*bridgeConn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &bridgeConn{t: t, conn: conn}, srv
}

func (bc *bridgeConn) send(cmd BridgeCommand) {
	bc.t.Helper()
	data, _ := json.Marshal(cmd)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bc.conn.Write(ctx, websocket.MessageText, data); err != nil {
		bc.t.Fatalf("write: %v", err)
	}
}

// next reads frames until one of type kind arrives.
func (bc *bridgeConn) next(kind string) BridgeEnvelope {
	bc.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := bc.conn.Read(ctx)
		if err != nil {
			bc.t.Fatalf("waiting for %s: %v", kind, err)
		}
		var env BridgeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			bc.t.Fatalf("bad frame %s: %v", data, err)
		}
		if env.Type == kind {
			return env
		}
	}
}

func (bc *bridgeConn) ack(requestID string) AckPayload {
	bc.t.Helper()
	for {
		var ack AckPayload
		json.Unmarshal(bc.next("ack").Payload, &ack)
		if ack.RequestID == requestID {
			return ack
		}
	}
}

func rawPayload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestBridgeCommands(t *testing.T) {
	h := newHarness(t, devserver.Config{})
	e := h.engine(nil)
	b := NewBridge(e, nil)
	t.Cleanup(b.Close)
	bc, srv := dialBridge(t, b)

	var initial State
	if err := json.Unmarshal(bc.next("state").Payload, &initial); err != nil {
		t.Fatalf("initial state: %v", err)
	}
	if len(initial.Conversations) != 0 {
		t.Errorf("initial conversations = %v", initial.Conversations)
	}

	t.Run("create", func(t *testing.T) {
		bc.send(BridgeCommand{Type: "create", Payload: rawPayload(map[string]string{"name": "Trip"}), RequestID: "r1"})
		ack := bc.ack("r1")
		if !ack.OK {
			t.Fatalf("ack = %+v", ack)
		}
		s := e.Snapshot()
		if len(s.Conversations) != 1 || s.Conversations[0].Name != "Trip" {
			t.Errorf("engine state = %+v", s)
		}
	})

	t.Run("blank send is rejected", func(t *testing.T) {
		bc.send(BridgeCommand{Type: "send", Payload: rawPayload(map[string]string{"text": " "}), RequestID: "r2"})
		if ack := bc.ack("r2"); ack.OK || ack.Error == "" {
			t.Errorf("ack = %+v", ack)
		}
	})

	t.Run("archive", func(t *testing.T) {
		id := e.Snapshot().SelectedConversationID
		bc.send(BridgeCommand{Type: "archive", Payload: rawPayload(map[string]string{"conversationId": id}), RequestID: "r3"})
		if ack := bc.ack("r3"); !ack.OK {
			t.Fatalf("ack = %+v", ack)
		}
		if len(e.ArchivedConversations()) != 1 {
			t.Error("conversation not archived")
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		bc.send(BridgeCommand{Type: "explode", RequestID: "r4"})
		if ack := bc.ack("r4"); ack.OK {
			t.Error("unknown command acknowledged as ok")
		}
	})

	t.Run("ping", func(t *testing.T) {
		bc.send(BridgeCommand{Type: "ping", RequestID: "p1"})
		var pong PongPayload
		json.Unmarshal(bc.next("pong").Payload, &pong)
		if pong.RequestID != "p1" {
			t.Errorf("pong = %+v", pong)
		}
	})

	t.Run("state endpoint", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/state")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var s State
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			t.Fatal(err)
		}
		if len(s.ArchivedConversations) != 1 {
			t.Errorf("state = %+v", s)
		}
	})

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestBridgeForwardsSyncErrors(t *testing.T) {
	h := newHarness(t, devserver.Config{})
	e := h.engine(nil)
	b := NewBridge(e, nil)
	t.Cleanup(b.Close)
	bc, _ := dialBridge(t, b)
	bc.next("state")

	go e.Select(context.Background(), "missing")

	var p BridgeErrorPayload
	json.Unmarshal(bc.next("error").Payload, &p)
	if p.Intent != IntentSelect || p.ConversationID != "missing" || p.Message == "" {
		t.Errorf("error payload = %+v", p)
	}
}

func TestBridgeClose(t *testing.T) {
	h := newHarness(t, devserver.Config{})
	e := h.engine(nil)
	b := NewBridge(e, nil)
	bc, _ := dialBridge(t, b)
	bc.next("state")

	waitFor(t, "client registration", func() bool { return b.Clients() == 1 })
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := bc.conn.Read(ctx); err == nil {
		t.Error("expected the connection to be closed")
	}
}

func TestBridgeAnswersPingDuringSlowCommand(t *testing.T) {
	h := newHarness(t, devserver.Config{})
	ids := h.seed("A", "B")
	gated := &gatedService{ConversationService: h.client, gatedID: ids[1], release: make(chan struct{})}
	e := NewEngine(gated, h.cache, h.session, &EngineOptions{PollInterval: testPollInterval})
	t.Cleanup(e.Stop)
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	b := NewBridge(e, nil)
	t.Cleanup(b.Close)
	bc, _ := dialBridge(t, b)
	bc.next("state")

	bc.send(BridgeCommand{Type: "select", Payload: rawPayload(map[string]string{"conversationId": ids[1]}), RequestID: "slow"})
	bc.send(BridgeCommand{Type: "ping", RequestID: "p1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for gotPong := false; !gotPong; {
		_, data, err := bc.conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env BridgeEnvelope
		json.Unmarshal(data, &env)
		switch env.Type {
		case "pong":
			gotPong = true
		case "ack":
			t.Fatal("select acknowledged before the pong; the read loop was blocked")
		}
	}

	close(gated.release)
	if ack := bc.ack("slow"); !ack.OK {
		t.Errorf("ack = %+v", ack)
	}
	if got := e.Snapshot().CurrentConversation; got == nil || got.ID != ids[1] {
		t.Errorf("current = %+v", got)
	}
}

func TestBridgeDropsStaleState(t *testing.T) {
	h := newHarness(t, devserver.Config{})
	e := h.engine(nil)
	b := NewBridge(e, nil)
	t.Cleanup(b.Close)
	bc, _ := dialBridge(t, b)
	bc.next("state")

	b.broadcastState(State{Version: 1000, SelectedConversationID: "newer"})
	b.broadcastState(State{Version: 999, SelectedConversationID: "older"})
	bc.send(BridgeCommand{Type: "ping", RequestID: "p1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var seen []string
	for {
		_, data, err := bc.conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env BridgeEnvelope
		json.Unmarshal(data, &env)
		if env.Type == "pong" {
			break
		}
		if env.Type == "state" {
			var s State
			json.Unmarshal(env.Payload, &s)
			seen = append(seen, s.SelectedConversationID)
		}
	}
	if len(seen) != 1 || seen[0] != "newer" {
		t.Errorf("state frames = %v, want only the newer one", seen)
	}
}
