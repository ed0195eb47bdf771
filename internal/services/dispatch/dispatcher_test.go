package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	connsvc "github.com/tidewave/strand/internal/services/connections"
	pebblestore "github.com/tidewave/strand/internal/storage/pebble"
	"github.com/tidewave/strand/internal/table"
	"github.com/tidewave/strand/internal/topics"
	"github.com/tidewave/strand/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
	fail map[string]error
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: map[string][][]byte{}, fail: map[string]error{}}
}

func (c *captureSender) Send(ctx context.Context, connectionID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[connectionID]; err != nil {
		return err
	}
	c.sent[connectionID] = append(c.sent[connectionID], payload)
	return nil
}

func (c *captureSender) take(connectionID string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[connectionID]
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *table.Table, *connsvc.Service, *captureSender) {
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
	sender := newCaptureSender()
	conns := connsvc.New(tbl, connsvc.Options{Sender: sender})
	d := New(tbl, conns, Options{WaitFor: 50 * time.Millisecond})
	return d, tbl, conns, sender
}

func decodeEnvelope(t *testing.T, raw []byte) transport.Envelope {
	t.Helper()
	var env transport.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestMessageFanOutRunsEachSubscribersQuery(t *testing.T) {
	d, _, conns, sender := newTestDispatcher(t)
	ctx := context.Background()

	for _, conn := range []string{"c1", "c2"} {
		if err := conns.Connect(ctx, conn, "u-"+conn); err != nil {
			t.Fatalf("connect %s: %v", conn, err)
		}
	}
	if err := conns.Subscribe(ctx, "c1", []string{"CHANNEL|5"}, "message.content", nil, "s1"); err != nil {
		t.Fatalf("subscribe c1: %v", err)
	}
	if err := conns.Subscribe(ctx, "c2", []string{"CHANNEL|5"},
		`{"from": message.author, "tagged": vars.tag}`,
		map[string]any{"tag": "vip"}, "s2"); err != nil {
		t.Fatalf("subscribe c2: %v", err)
	}

	d.handle(ctx, table.Change{
		Kind: table.ChangeInsert,
		Key:  table.Key{Partition: topics.Channel("5"), Sort: topics.MessageSort("m1")},
		NewItem: table.Item{
			topics.AttrAuthorID: table.S("alice"),
			topics.AttrContent:  table.S("hi"),
		},
	})

	got1 := sender.take("c1")
	if len(got1) != 1 {
		t.Fatalf("c1 deliveries: %d", len(got1))
	}
	env := decodeEnvelope(t, got1[0])
	if env.Type != transport.EnvelopeData || env.ID != "s1" || string(env.Payload) != `"hi"` {
		t.Fatalf("c1 envelope: %+v payload=%s", env, env.Payload)
	}

	got2 := sender.take("c2")
	if len(got2) != 1 {
		t.Fatalf("c2 deliveries: %d", len(got2))
	}
	env = decodeEnvelope(t, got2[0])
	var shaped map[string]any
	if err := json.Unmarshal(env.Payload, &shaped); err != nil {
		t.Fatalf("c2 payload: %v", err)
	}
	if shaped["from"] != "alice" || shaped["tagged"] != "vip" {
		t.Fatalf("c2 shaped payload: %v", shaped)
	}
}

func TestChannelCreatedFanOut(t *testing.T) {
	d, _, conns, sender := newTestDispatcher(t)
	ctx := context.Background()

	if err := conns.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conns.Subscribe(ctx, "c1", []string{"CONV|abc"}, "channel.id", nil, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d.handle(ctx, table.Change{
		Kind:    table.ChangeInsert,
		Key:     table.Key{Partition: topics.Channel("ch9"), Sort: topics.ConversationSort("abc")},
		NewItem: table.Item{},
	})

	got := sender.take("c1")
	if len(got) != 1 {
		t.Fatalf("deliveries: %d", len(got))
	}
	env := decodeEnvelope(t, got[0])
	if string(env.Payload) != `"ch9"` {
		t.Fatalf("payload: %s", env.Payload)
	}
}

func TestModifyAndRemoveChangesAreIgnored(t *testing.T) {
	d, _, conns, sender := newTestDispatcher(t)
	ctx := context.Background()

	if err := conns.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conns.Subscribe(ctx, "c1", []string{"CHANNEL|5"}, "message.id", nil, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	key := table.Key{Partition: topics.Channel("5"), Sort: topics.MessageSort("m1")}
	d.handle(ctx, table.Change{Kind: table.ChangeModify, Key: key, NewItem: table.Item{}})
	d.handle(ctx, table.Change{Kind: table.ChangeRemove, Key: key})

	if got := sender.take("c1"); len(got) != 0 {
		t.Fatalf("non-insert changes delivered: %d", len(got))
	}
}

func TestFanOutIsolatesFailingRecipient(t *testing.T) {
	d, tbl, conns, sender := newTestDispatcher(t)
	ctx := context.Background()

	for _, conn := range []string{"c1", "c2", "c3"} {
		if err := conns.Connect(ctx, conn, "u-"+conn); err != nil {
			t.Fatalf("connect %s: %v", conn, err)
		}
		if err := conns.Subscribe(ctx, conn, []string{"CHANNEL|5"}, "message.id", nil, "s-"+conn); err != nil {
			t.Fatalf("subscribe %s: %v", conn, err)
		}
	}
	sender.fail["c2"] = transport.ErrConnectionGone

	d.handle(ctx, table.Change{
		Kind:    table.ChangeInsert,
		Key:     table.Key{Partition: topics.Channel("5"), Sort: topics.MessageSort("m1")},
		NewItem: table.Item{topics.AttrContent: table.S("x")},
	})

	if len(sender.take("c1")) != 1 || len(sender.take("c3")) != 1 {
		t.Fatalf("healthy recipients starved: c1=%d c3=%d", len(sender.take("c1")), len(sender.take("c3")))
	}
	// The failed push tears the dead connection down.
	if it, _ := tbl.Get(ctx, topics.MetaKey(topics.Client("c2"))); it != nil {
		t.Fatalf("dead connection still registered: %v", it)
	}
}

func TestRunDeliversFromFeedAndResumes(t *testing.T) {
	d, tbl, conns, sender := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conns.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conns.Subscribe(ctx, "c1", []string{"CHANNEL|5"}, "message.content", nil, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	key := table.Key{Partition: topics.Channel("5"), Sort: topics.MessageSort("m1")}
	if err := tbl.Put(ctx, key, table.Item{topics.AttrContent: table.S("hello")}, true); err != nil {
		t.Fatalf("put message: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.take("c1")) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := sender.take("c1")
	if len(got) != 1 {
		t.Fatalf("feed delivery: %d", len(got))
	}
	if env := decodeEnvelope(t, got[0]); string(env.Payload) != `"hello"` {
		t.Fatalf("payload: %s", env.Payload)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}

func TestNewConversationReachesOptedInWildcardSubscribers(t *testing.T) {
	d, _, conns, sender := newTestDispatcher(t)
	ctx := context.Background()

	// c1: participant, opted in. c2: participant, not opted in. c3: opted in
	// but not a participant of the new conversation.
	for conn, user := range map[string]string{"c1": "u1", "c2": "u2", "c3": "u3"} {
		if err := conns.Connect(ctx, conn, user); err != nil {
			t.Fatalf("connect %s: %v", conn, err)
		}
		if err := conns.Subscribe(ctx, conn, []string{topics.TopicAllConversations},
			"conversation.id", nil, "s-"+conn); err != nil {
			t.Fatalf("subscribe %s: %v", conn, err)
		}
	}
	for _, user := range []string{"u1", "u3"} {
		if err := conns.WantsConversationUpdates(ctx, user, true); err != nil {
			t.Fatalf("opt in %s: %v", user, err)
		}
	}

	d.handle(ctx, table.Change{
		Kind: table.ChangeInsert,
		Key:  topics.MetaKey(topics.Conversation("abc")),
		NewItem: table.Item{
			topics.AttrParticipants: table.SS("u1", "u2"),
		},
	})

	got := sender.take("c1")
	if len(got) != 1 {
		t.Fatalf("c1 deliveries: %d", len(got))
	}
	env := decodeEnvelope(t, got[0])
	if env.ID != "s-c1" || string(env.Payload) != `"abc"` {
		t.Fatalf("c1 envelope: %+v payload=%s", env, env.Payload)
	}
	if got := sender.take("c2"); len(got) != 0 {
		t.Fatalf("c2 is not opted in, got %d deliveries", len(got))
	}
	if got := sender.take("c3"); len(got) != 0 {
		t.Fatalf("c3 is not a participant, got %d deliveries", len(got))
	}
}

func TestWildcardSubscriptionDiesWithConnection(t *testing.T) {
	d, _, conns, sender := newTestDispatcher(t)
	ctx := context.Background()

	if err := conns.Connect(ctx, "c1", "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conns.Subscribe(ctx, "c1", []string{topics.TopicAllConversations},
		"conversation.id", nil, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conns.WantsConversationUpdates(ctx, "u1", true); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if err := conns.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	d.handle(ctx, table.Change{
		Kind: table.ChangeInsert,
		Key:  topics.MetaKey(topics.Conversation("abc")),
		NewItem: table.Item{
			topics.AttrParticipants: table.SS("u1", "u2"),
		},
	})

	if got := sender.take("c1"); len(got) != 0 {
		t.Fatalf("disconnected client got %d deliveries", len(got))
	}
}
