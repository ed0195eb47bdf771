package wsserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cfgpkg "github.com/tidewave/strand/internal/config"
	"github.com/tidewave/strand/internal/runtime"
	pebblestore "github.com/tidewave/strand/internal/storage/pebble"
	logpkg "github.com/tidewave/strand/pkg/log"
)

func newTestServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	hub := NewHub()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfgpkg.Default(),
		Sender:  hub,
	})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return New(rt, hub, logger), rt
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestConversationCreateHandler(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"participants":["u1","u2"],"channelId":"ch1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/create", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}

	// Creating the same participant set again returns the existing aggregate.
	req = httptest.NewRequest(http.MethodPost, "/v1/conversations/create",
		strings.NewReader(`{"participants":["u2","u1"]}`))
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate create status: %d body: %s", w.Code, w.Body.String())
	}
}

func TestMessagePublishHandlerQueuesNotifications(t *testing.T) {
	s, rt := newTestServer(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	conv, err := rt.Conversations().Create(ctx, "ch1", "u1", "u2")
	if err != nil || conv == nil {
		t.Fatalf("create conversation: %v %v", conv, err)
	}

	body := `{"channelId":"ch1","authorId":"u1","content":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/publish", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}

	// The non-author participant has the message marked unread.
	unread, err := rt.Notify().Unread(ctx, "u2", "ch1")
	if err != nil || len(unread) != 1 {
		t.Fatalf("unread for u2: %v %v", unread, err)
	}
	if unread, _ := rt.Notify().Unread(ctx, "u1", "ch1"); len(unread) != 0 {
		t.Fatalf("author should not see own message unread: %v", unread)
	}
}

func TestMarkReadHandler(t *testing.T) {
	s, rt := newTestServer(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	if _, err := rt.Conversations().Create(ctx, "ch1", "u1", "u2"); err != nil {
		t.Fatalf("create: %v", err)
	}
	msg, err := rt.Conversations().PublishMessage(ctx, "ch1", "", "u1", "hi")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := rt.Notify().QueueEmailNotification(ctx, "u2", "ch1", msg.ID, true); err != nil {
		t.Fatalf("queue: %v", err)
	}

	body := `{"userId":"u2","channelId":"ch1","messageIds":["` + msg.ID + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/read", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if unread, _ := rt.Notify().Unread(ctx, "u2", "ch1"); len(unread) != 0 {
		t.Fatalf("unread after mark read: %v", unread)
	}
}

func TestEmailOptInHandler(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"userId":"u1","optIn":false}`
	req := httptest.NewRequest(http.MethodPost, "/v1/notify/email", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestSocketRequiresUser(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}
