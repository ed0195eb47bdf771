package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tidewave/strand/internal/query"
	connsvc "github.com/tidewave/strand/internal/services/connections"
	"github.com/tidewave/strand/internal/table"
	"github.com/tidewave/strand/internal/topics"
	"github.com/tidewave/strand/internal/transport"
	logpkg "github.com/tidewave/strand/pkg/log"
)

// CursorGroup names the durable cursor set the dispatcher resumes from.
const CursorGroup = "dispatch"

const (
	defaultBatchSize = 64
	defaultWaitFor   = 2 * time.Second
)

// Dispatcher tails the table's change feed and fans matching events out to
// subscribed connections, re-executing each subscription's stored query per
// recipient. One goroutine runs per feed partition; per-partition ordering is
// preserved, cross-partition ordering is not.
type Dispatcher struct {
	tbl    *table.Table
	conns  *connsvc.Service
	logger logpkg.Logger

	batchSize int
	waitFor   time.Duration

	wg sync.WaitGroup
}

// Options configures a Dispatcher.
type Options struct {
	Logger    logpkg.Logger
	BatchSize int
	WaitFor   time.Duration
}

// New returns a Dispatcher over the table's change feed.
func New(tbl *table.Table, conns *connsvc.Service, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	wait := opts.WaitFor
	if wait <= 0 {
		wait = defaultWaitFor
	}
	return &Dispatcher{
		tbl:       tbl,
		conns:     conns,
		logger:    logger.With(logpkg.Component("dispatch")),
		batchSize: batch,
		waitFor:   wait,
	}
}

// Run starts one consumer goroutine per feed partition and blocks until ctx
// is cancelled and all consumers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	n := d.tbl.FeedPartitions()
	d.logger.Info("dispatcher started", logpkg.Int("partitions", n))
	for p := 0; p < n; p++ {
		d.wg.Add(1)
		go d.runPartition(ctx, uint32(p))
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) runPartition(ctx context.Context, partition uint32) {
	defer d.wg.Done()

	cursor, _ := d.tbl.Cursor(CursorGroup, partition)
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := d.tbl.ReadFeed(partition, cursor, d.batchSize)
		if err != nil {
			d.logger.Error("read feed", logpkg.Int("partition", int(partition)), logpkg.Err(err))
			if !sleepCtx(ctx, d.waitFor) {
				return
			}
			continue
		}
		if len(entries) == 0 {
			d.tbl.WaitForChange(partition, d.waitFor)
			continue
		}
		for _, entry := range entries {
			d.handle(ctx, entry.Change)
			cursor = entry.Seq
		}
		if err := d.tbl.CommitCursor(CursorGroup, partition, cursor); err != nil {
			d.logger.Error("commit cursor", logpkg.Int("partition", int(partition)), logpkg.Err(err))
		}
	}
}

// handle classifies one change and fans it out. Only inserts are events:
// modifications (read markers, aggregate counter bumps) and removals carry no
// subscriber-visible payload.
func (d *Dispatcher) handle(ctx context.Context, change table.Change) {
	if change.Kind != table.ChangeInsert {
		return
	}
	row, ok := topics.Decode(change.Key, change.NewItem)
	if !ok {
		return
	}
	switch r := row.(type) {
	case topics.MessageRow:
		d.fanOut(ctx, topics.Channel(r.ChannelID), query.Root{Message: map[string]any{
			"id":      r.MessageID,
			"channel": r.ChannelID,
			"author":  r.Item.String(topics.AttrAuthorID),
			"content": r.Item.String(topics.AttrContent),
		}}, nil)
	case topics.ChannelRow:
		d.fanOut(ctx, topics.Conversation(r.ConversationID), query.Root{Channel: map[string]any{
			"id":             r.ChannelID,
			"conversationId": r.ConversationID,
		}}, nil)
	case topics.ConversationRow:
		d.fanOutConversation(ctx, r)
	}
}

// fanOutConversation delivers a conversation-creation event to wildcard
// subscribers. Delivery is gated: the connection must carry the
// all-conversations flag and be bound to a participant who opted into
// conversation-list updates.
func (d *Dispatcher) fanOutConversation(ctx context.Context, r topics.ConversationRow) {
	participants := r.Item.Set(topics.AttrParticipants)
	root := query.Root{Conversation: map[string]any{
		"id":           r.ConversationID,
		"participants": stringsToAny(participants),
	}}
	d.fanOut(ctx, topics.TopicAllConversations, root, func(sub topics.SubscriptionRow) bool {
		return d.conversationRecipient(ctx, sub.ConnectionID, participants)
	})
}

func (d *Dispatcher) conversationRecipient(ctx context.Context, connectionID string, participants []string) bool {
	client, err := d.tbl.Get(ctx, topics.MetaKey(topics.Client(connectionID)))
	if err != nil || client == nil {
		return false
	}
	if client.String(topics.AttrAllConvs) != "true" {
		return false
	}
	userID := client.String(topics.AttrUserID)
	if userID == "" {
		return false
	}
	member := false
	for _, p := range participants {
		if p == userID {
			member = true
			break
		}
	}
	if !member {
		return false
	}
	user, err := d.tbl.Get(ctx, topics.MetaKey(topics.User(userID)))
	if err != nil || user == nil {
		return false
	}
	return user.String(topics.AttrConvUpdates) == "true"
}

// fanOut re-executes every subscriber's stored query against the event root
// and pushes the result. Programs are compiled once per distinct query text
// per event; recipients are evaluated concurrently, and a failing recipient
// never affects the others. A non-nil allow gates recipients individually.
func (d *Dispatcher) fanOut(ctx context.Context, topic string, root query.Root, allow func(topics.SubscriptionRow) bool) {
	subs, err := d.conns.Subscribers(ctx, topic)
	if err != nil {
		d.logger.Error("load subscribers", logpkg.Str("topic", topic), logpkg.Err(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	programs := map[string]*query.Program{}
	var wg sync.WaitGroup
	for _, sub := range subs {
		if allow != nil && !allow(sub) {
			continue
		}
		text := sub.Item.String(topics.AttrQuery)
		prog, ok := programs[text]
		if !ok {
			prog, err = query.Compile(text)
			if err != nil {
				// A stored query that no longer compiles is skipped for every
				// holder; it was validated at subscribe time.
				d.logger.Warn("stored query failed to compile",
					logpkg.Str("topic", topic), logpkg.Err(err))
				programs[text] = nil
				continue
			}
			programs[text] = prog
		}
		if prog == nil {
			continue
		}
		wg.Add(1)
		go func(sub topics.SubscriptionRow, prog *query.Program) {
			defer wg.Done()
			d.deliver(ctx, sub, prog, root)
		}(sub, prog)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub topics.SubscriptionRow, prog *query.Program, root query.Root) {
	vars := decodeVariables(sub.Item.String(topics.AttrVariables))
	result, err := prog.Eval(root, vars)
	if err != nil {
		d.logger.Warn("query evaluation failed",
			logpkg.Str("conn", sub.ConnectionID), logpkg.Err(err))
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		d.logger.Warn("encode query result",
			logpkg.Str("conn", sub.ConnectionID), logpkg.Err(err))
		return
	}
	env := transport.Envelope{
		Type:    transport.EnvelopeData,
		ID:      sub.Item.String(topics.AttrSubscriptionID),
		Payload: payload,
	}
	buf, err := env.Encode()
	if err != nil {
		d.logger.Warn("encode envelope", logpkg.Err(err))
		return
	}
	if err := d.conns.Post(ctx, sub.ConnectionID, buf); err != nil {
		d.logger.Warn("post to connection",
			logpkg.Str("conn", sub.ConnectionID), logpkg.Err(err))
	}
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func decodeVariables(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil
	}
	return vars
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
