package runtime

import (
	"context"
	"testing"

	cfgpkg "github.com/tidewave/strand/internal/config"
	pebblestore "github.com/tidewave/strand/internal/storage/pebble"
)

type nopSender struct{}

func (nopSender) Send(ctx context.Context, connectionID string, payload []byte) error { return nil }

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfgpkg.Default(),
		Sender:  nopSender{},
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.Connections() == nil || rt.Conversations() == nil || rt.Notify() == nil {
		t.Fatalf("services not wired")
	}
}

func TestOpenRequiresSender(t *testing.T) {
	_, err := Open(Options{DataDir: t.TempDir(), Config: cfgpkg.Default()})
	if err == nil {
		t.Fatalf("expected error without sender")
	}
}

func TestEndToEndPublish(t *testing.T) {
	rt, err := Open(Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfgpkg.Default(),
		Sender:  nopSender{},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	ctx := context.Background()

	conv, err := rt.Conversations().Create(ctx, "ch1", "u1", "u2")
	if err != nil || conv == nil {
		t.Fatalf("create conversation: %v %v", conv, err)
	}
	msg, err := rt.Conversations().PublishMessage(ctx, "ch1", "", "u1", "hello")
	if err != nil || msg == nil {
		t.Fatalf("publish: %v %v", msg, err)
	}
	if err := rt.Notify().QueueEmailNotification(ctx, "u2", "ch1", msg.ID, true); err != nil {
		t.Fatalf("queue notification: %v", err)
	}
	unread, err := rt.Notify().Unread(ctx, "u2", "ch1")
	if err != nil || len(unread) != 1 {
		t.Fatalf("unread: %v %v", unread, err)
	}
}
