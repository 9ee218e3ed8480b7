package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func do(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, srv.URL+path, &buf)
	req.Header.Set("Content-Type", mediaType)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func attrs(v map[string]string) map[string]any {
	return map[string]any{"data": map[string]any{"attributes": v}}
}

func login(t *testing.T, srv *httptest.Server, user string) string {
	t.Helper()
	resp, out := do(t, srv, http.MethodPost, "/authenticate", "", attrs(map[string]string{"username": user, "password": "pw"}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticate status = %d", resp.StatusCode)
	}
	return out["meta"].(map[string]any)["token"].(string)
}

func TestAuthenticate(t *testing.T) {
	s := New(Config{Accounts: map[string]string{"alice": "secret"}})
	srv := httptest.NewServer(s)
	defer srv.Close()

	t.Run("wrong password", func(t *testing.T) {
		resp, out := do(t, srv, http.MethodPost, "/authenticate", "", attrs(map[string]string{"username": "alice", "password": "nope"}))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		if _, ok := out["errors"]; !ok {
			t.Error("expected errors envelope")
		}
	})

	t.Run("unknown user without open registration", func(t *testing.T) {
		resp, _ := do(t, srv, http.MethodPost, "/authenticate", "", attrs(map[string]string{"username": "bob", "password": "x"}))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("valid", func(t *testing.T) {
		resp, out := do(t, srv, http.MethodPost, "/authenticate", "", attrs(map[string]string{"username": "alice", "password": "secret"}))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if out["meta"].(map[string]any)["token"] == "" {
			t.Error("empty token")
		}
	})
}

func TestConversationLifecycle(t *testing.T) {
	s := New(Config{OpenRegistration: true, ReplyDelay: 10 * time.Millisecond})
	defer s.Close()
	srv := httptest.NewServer(s)
	defer srv.Close()

	token := login(t, srv, "alice")

	if resp, _ := do(t, srv, http.MethodGet, "/conversations", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated list status = %d", resp.StatusCode)
	}

	resp, out := do(t, srv, http.MethodPost, "/conversations", token, attrs(map[string]string{"name": "Trip"}))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := out["data"].(map[string]any)["id"].(string)

	resp, _ = do(t, srv, http.MethodPost, "/conversations/"+id, token, attrs(map[string]string{"text": "hello"}))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for {
		_, out = do(t, srv, http.MethodGet, "/conversations/"+id, token, nil)
		msgs := out["data"].(map[string]any)["attributes"].(map[string]any)["messages"].([]any)
		if len(msgs) == 2 {
			last := msgs[1].(map[string]any)["attributes"].(map[string]any)
			if last["author"] != responderAuthor {
				t.Errorf("reply author = %v", last["author"])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply, messages = %v", msgs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	patch := map[string]any{"data": map[string]any{"type": "conversations", "id": id, "attributes": map[string]any{"archived": true}}}
	_, out = do(t, srv, http.MethodPatch, "/conversations/"+id, token, patch)
	if out["data"].(map[string]any)["attributes"].(map[string]any)["archived"] != true {
		t.Error("archived flag not applied")
	}

	other := login(t, srv, "bob")
	if resp, _ := do(t, srv, http.MethodGet, "/conversations/"+id, other, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign read status = %d, want 404", resp.StatusCode)
	}

	if resp, _ := do(t, srv, http.MethodDelete, "/conversations/"+id, token, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	if resp, _ := do(t, srv, http.MethodDelete, "/conversations/"+id, token, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestFailNext(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s)
	defer srv.Close()
	token := login(t, srv, "alice")

	s.FailNext(http.MethodGet, http.StatusInternalServerError)
	if resp, _ := do(t, srv, http.MethodGet, "/conversations", token, nil); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if resp, _ := do(t, srv, http.MethodGet, "/conversations", token, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after injected failure", resp.StatusCode)
	}
	if got := s.Requests(); got != 3 {
		t.Errorf("Requests() = %d, want 3", got)
	}
}
