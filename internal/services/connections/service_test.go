package connsvc

import (
	"context"
	"errors"
	"sync"
	"testing"

	pebblestore "github.com/tidewave/strand/internal/storage/pebble"
	"github.com/tidewave/strand/internal/table"
	"github.com/tidewave/strand/internal/topics"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
	fail map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[string][][]byte{}, fail: map[string]error{}}
}

func (f *fakeSender) Send(ctx context.Context, connectionID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[connectionID]; err != nil {
		return err
	}
	f.sent[connectionID] = append(f.sent[connectionID], payload)
	return nil
}

func (f *fakeSender) count(connectionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[connectionID])
}

func newTestService(t *testing.T) (*Service, *table.Table, *fakeSender) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tbl, err := table.Open(db, table.Options{Name: "strand", FeedPartitions: 2})
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	sender := newFakeSender()
	return New(tbl, Options{Sender: sender}), tbl, sender
}

func TestConnectIsIdempotent(t *testing.T) {
	svc, tbl, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := svc.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("duplicate connect should no-op: %v", err)
	}
	user, _ := tbl.Get(ctx, topics.MetaKey(topics.User("u1")))
	if got := user.Set(topics.AttrConnections); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("user connection set: %v", got)
	}
}

func TestSubscribeRejectsInvalidQuerySynchronously(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := svc.Subscribe(ctx, "c1", []string{"CHANNEL|5"}, "message..", nil, "s1")
	if err == nil {
		t.Fatalf("expected synchronous query error")
	}
	subs, _ := svc.Subscribers(ctx, "CHANNEL|5")
	if len(subs) != 0 {
		t.Fatalf("nothing should be written for invalid query: %v", subs)
	}
}

func TestSubscribeWritesRecordAndMembership(t *testing.T) {
	svc, tbl, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := svc.Subscribe(ctx, "c1", []string{"CHANNEL|5", "CONV|abc"}, "message", map[string]any{"me": "u1"}, "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subs, err := svc.Subscribers(ctx, "CHANNEL|5")
	if err != nil || len(subs) != 1 {
		t.Fatalf("want 1 subscriber, got %v %v", subs, err)
	}
	if subs[0].ConnectionID != "c1" || subs[0].Item.String(topics.AttrSubscriptionID) != "s1" {
		t.Fatalf("unexpected record: %+v", subs[0])
	}
	if subs[0].Item.Number(table.AttrExpires) <= 0 {
		t.Fatalf("subscription record must carry a TTL")
	}

	client, _ := tbl.Get(ctx, topics.MetaKey(topics.Client("c1")))
	if got := client.Set(topics.AttrChannelTopics); len(got) != 1 || got[0] != "CHANNEL|5" {
		t.Fatalf("channel membership: %v", got)
	}
	if got := client.Set(topics.AttrConvTopics); len(got) != 1 || got[0] != "CONV|abc" {
		t.Fatalf("conversation membership: %v", got)
	}
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	svc, tbl, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := svc.Subscribe(ctx, "c1", []string{"CHANNEL|5", "CONV|abc"}, "message", nil, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := svc.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	for _, topic := range []string{"CHANNEL|5", "CONV|abc"} {
		subs, _ := svc.Subscribers(ctx, topic)
		if len(subs) != 0 {
			t.Fatalf("topic %s should be empty after disconnect: %v", topic, subs)
		}
	}
	if it, _ := tbl.Get(ctx, topics.MetaKey(topics.Client("c1"))); it != nil {
		t.Fatalf("client aggregate should be gone: %v", it)
	}
	user, _ := tbl.Get(ctx, topics.MetaKey(topics.User("u1")))
	if got := user.Set(topics.AttrConnections); len(got) != 0 {
		t.Fatalf("user connection set should be empty: %v", got)
	}

	// Duplicate disconnect no-ops.
	if err := svc.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("duplicate disconnect: %v", err)
	}
}

func TestUnsubscribeRemovesBothSides(t *testing.T) {
	svc, tbl, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Connect(ctx, "c1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := svc.Subscribe(ctx, "c1", []string{"CHANNEL|5"}, "message", nil, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := svc.Unsubscribe(ctx, "c1", []string{"CHANNEL|5"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	subs, _ := svc.Subscribers(ctx, "CHANNEL|5")
	if len(subs) != 0 {
		t.Fatalf("record should be gone: %v", subs)
	}
	client, _ := tbl.Get(ctx, topics.MetaKey(topics.Client("c1")))
	if got := client.Set(topics.AttrChannelTopics); len(got) != 0 {
		t.Fatalf("membership should be empty: %v", got)
	}
}

func TestPostFailureTriggersDisconnect(t *testing.T) {
	svc, _, sender := newTestService(t)
	ctx := context.Background()

	if err := svc.Connect(ctx, "c1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := svc.Subscribe(ctx, "c1", []string{"CHANNEL|5"}, "message", nil, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sender.fail["c1"] = errors.New("socket closed")
	if err := svc.Post(ctx, "c1", []byte("{}")); err != nil {
		t.Fatalf("post failure must not surface: %v", err)
	}
	subs, _ := svc.Subscribers(ctx, "CHANNEL|5")
	if len(subs) != 0 {
		t.Fatalf("failed push should cascade-clean subscriptions: %v", subs)
	}
}

func TestPostDelivers(t *testing.T) {
	svc, _, sender := newTestService(t)
	ctx := context.Background()
	if err := svc.Connect(ctx, "c1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := svc.Post(ctx, "c1", []byte(`{"type":"data"}`)); err != nil {
		t.Fatalf("post: %v", err)
	}
	if sender.count("c1") != 1 {
		t.Fatalf("want 1 delivery, got %d", sender.count("c1"))
	}
}

func TestWildcardSubscribeFlagsConnection(t *testing.T) {
	svc, tbl, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := svc.Subscribe(ctx, "c1", []string{topics.TopicAllConversations},
		"conversation.id", nil, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client, err := tbl.Get(ctx, topics.MetaKey(topics.Client("c1")))
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if client.String(topics.AttrAllConvs) != "true" {
		t.Fatalf("all-conversations flag not set: %v", client)
	}
	record, err := tbl.Get(ctx, topics.SubscriptionKey(topics.TopicAllConversations, "c1"))
	if err != nil || record == nil {
		t.Fatalf("wildcard record missing: %v err=%v", record, err)
	}

	if err := svc.Unsubscribe(ctx, "c1", []string{topics.TopicAllConversations}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	client, err = tbl.Get(ctx, topics.MetaKey(topics.Client("c1")))
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if client.String(topics.AttrAllConvs) != "" {
		t.Fatalf("flag should clear on unsubscribe: %v", client)
	}
}

func TestWantsConversationUpdatesTogglesUserFlag(t *testing.T) {
	svc, tbl, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.WantsConversationUpdates(ctx, "u1", true); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	user, err := tbl.Get(ctx, topics.MetaKey(topics.User("u1")))
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.String(topics.AttrConvUpdates) != "true" {
		t.Fatalf("opt-in flag not set: %v", user)
	}

	if err := svc.WantsConversationUpdates(ctx, "u1", false); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	user, err = tbl.Get(ctx, topics.MetaKey(topics.User("u1")))
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.String(topics.AttrConvUpdates) != "false" {
		t.Fatalf("opt-in flag not cleared: %v", user)
	}
}
