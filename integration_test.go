//go:build integration

package chatspace_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	chatspace "github.com/chatspace-app/chatspace/sdk/golang"
)

// helpers ---------------------------------------------------------------

func testBaseURL(t *testing.T) string {
	t.Helper()
	v := os.Getenv("CHATSPACE_BASE_URL_TEST")
	if v == "" {
		t.Fatal("CHATSPACE_BASE_URL_TEST environment variable is required")
	}
	return v
}

func credentials() (string, string) {
	user := os.Getenv("CHATSPACE_USER_TEST")
	if user == "" {
		user = "integration"
	}
	password := os.Getenv("CHATSPACE_PASSWORD_TEST")
	if password == "" {
		password = "integration"
	}
	return user, password
}

func login(t *testing.T) (*chatspace.Client, chatspace.Session) {
	t.Helper()
	client := chatspace.NewClient(chatspace.WithBaseURL(testBaseURL(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, password := credentials()
	session, err := client.Authenticate(ctx, user, password)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return client, *session
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: Service client
// =======================================================================

func TestIntegration_Authenticate_Rejected(t *testing.T) {
	client := chatspace.NewClient(chatspace.WithBaseURL(testBaseURL(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, _ := credentials()
	_, err := client.Authenticate(ctx, user, "definitely-not-the-password")
	var ae *chatspace.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	t.Logf("Rejected login: status=%d detail=%q", ae.Status, ae.Detail)
}

func TestIntegration_Client_ConversationLifecycle(t *testing.T) {
	client, session := login(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conv, err := client.CreateConversation(ctx, session.Token, uniqueName("client"))
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	t.Cleanup(func() { client.DeleteConversation(context.Background(), session.Token, conv.ID) })

	if _, err := client.SendMessage(ctx, session.Token, conv.ID, "ping"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	detail, err := client.GetConversation(ctx, session.Token, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(detail.Messages) == 0 || detail.Messages[0].Text != "ping" {
		t.Errorf("messages = %+v", detail.Messages)
	}

	updated, err := client.UpdateConversation(ctx, session.Token, conv.ID, chatspace.ConversationPatch{Archived: true})
	if err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	if !updated.Archived {
		t.Error("expected archived conversation")
	}

	if err := client.DeleteConversation(ctx, session.Token, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := client.GetConversation(ctx, session.Token, conv.ID); !chatspace.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

// =======================================================================
// Group 2: Engine
// =======================================================================

func TestIntegration_Engine_SendAndConverge(t *testing.T) {
	client, session := login(t)
	engine := chatspace.NewEngine(client, nil, session, &chatspace.EngineOptions{PollInterval: time.Second})
	t.Cleanup(engine.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if err := engine.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	conv, err := engine.Create(ctx, uniqueName("engine"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { client.DeleteConversation(context.Background(), session.Token, conv.ID) })

	replied := make(chan struct{})
	var once sync.Once
	off := engine.On(chatspace.EventStateChanged, func(_ string, payload any) {
		s := payload.(chatspace.State)
		if s.CurrentConversation == nil || s.PendingResponse {
			return
		}
		if last, ok := s.CurrentConversation.LastMessage(); ok && last.FromResponder() {
			once.Do(func() { close(replied) })
		}
	})
	defer off()

	if err := engine.Send(ctx, "hello from the integration suite"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-replied:
	case <-ctx.Done():
		t.Fatalf("no responder message: %+v", engine.Snapshot().CurrentConversation)
	}
	t.Logf("Converged with %d messages", len(engine.Snapshot().CurrentConversation.Messages))
}
