package connsvc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tidewave/strand/internal/query"
	"github.com/tidewave/strand/internal/table"
	"github.com/tidewave/strand/internal/topics"
	"github.com/tidewave/strand/internal/transport"
	logpkg "github.com/tidewave/strand/pkg/log"
)

// DefaultSubscriptionTTL bounds how long a subscription record outlives its
// last refresh. Connections that die without a disconnect event stop
// receiving fan-out once their records expire.
const DefaultSubscriptionTTL = 24 * time.Hour

// Service manages connection lifecycle and the persisted subscription index.
// It keeps no process-local registry: every lookup is a table query, so any
// number of dispatcher processes can share the store.
type Service struct {
	tbl    *table.Table
	sender transport.Sender
	logger logpkg.Logger
	ttl    time.Duration
	now    func() time.Time
}

// Options configures the Service.
type Options struct {
	Sender          transport.Sender
	Logger          logpkg.Logger
	SubscriptionTTL time.Duration
}

// New returns a connection Service over the table.
func New(tbl *table.Table, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger()
	}
	if opts.SubscriptionTTL <= 0 {
		opts.SubscriptionTTL = DefaultSubscriptionTTL
	}
	return &Service{
		tbl:    tbl,
		sender: opts.Sender,
		logger: opts.Logger.With(logpkg.Component("connections")),
		ttl:    opts.SubscriptionTTL,
		now:    time.Now,
	}
}

// Connect registers a connection, optionally bound to a user. Duplicate
// connects are idempotent.
func (s *Service) Connect(ctx context.Context, connectionID, userID string) error {
	it := table.Item{}
	if userID != "" {
		it[topics.AttrUserID] = table.S(userID)
	}
	err := s.tbl.Put(ctx, topics.MetaKey(topics.Client(connectionID)), it, true)
	if err != nil && !errors.Is(err, table.ErrConflict) {
		return err
	}
	if userID != "" {
		_, err := s.tbl.Update(ctx, topics.MetaKey(topics.User(userID)),
			[]table.Op{table.AddOp(topics.AttrConnections, table.SS(connectionID))}, table.UpdateOptions{})
		if err != nil {
			return err
		}
	}
	return nil
}

// Disconnect tears down a connection's state: the aggregate, every
// subscription record it owned, and its entry in the user's connection set.
// Disconnecting an already-absent connection is a safe no-op; duplicate
// disconnects are expected.
func (s *Service) Disconnect(ctx context.Context, connectionID string) error {
	old, err := s.tbl.Delete(ctx, topics.MetaKey(topics.Client(connectionID)), true)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}

	subscribed := append(append([]string(nil), old.Set(topics.AttrChannelTopics)...), old.Set(topics.AttrConvTopics)...)
	if len(subscribed) > 0 {
		keys := make([]table.Key, len(subscribed))
		for i, topic := range subscribed {
			keys[i] = topics.SubscriptionKey(topic, connectionID)
		}
		if err := s.tbl.BatchDelete(ctx, keys); err != nil {
			return err
		}
	}

	if userID := old.String(topics.AttrUserID); userID != "" {
		_, err := s.tbl.Update(ctx, topics.MetaKey(topics.User(userID)),
			[]table.Op{table.DeleteOp(topics.AttrConnections, table.SS(connectionID))},
			table.UpdateOptions{MustExist: true})
		if err != nil && !errors.Is(err, table.ErrConflict) {
			return err
		}
	}
	s.logger.Debug("connection torn down", logpkg.Str("conn", connectionID))
	return nil
}

// Subscribe persists one subscription record per topic and records the topics
// on the connection's own aggregate. The two writes are not transactional;
// each is idempotent, so retries and races resolve to the same state. An
// invalid query fails synchronously before anything is written.
//
// The wildcard conversation topic additionally flags the connection as
// subscribed to all conversations; conversation-creation events reach only
// flagged connections whose user wants conversation-list updates.
func (s *Service) Subscribe(ctx context.Context, connectionID string, topicList []string, queryText string, variables map[string]any, subscriptionID string) error {
	if _, err := query.Compile(queryText); err != nil {
		return err
	}
	varsJSON, err := json.Marshal(variables)
	if err != nil {
		return err
	}
	expires := float64(s.now().Add(s.ttl).Unix())

	record := table.Item{
		topics.AttrQuery:          table.S(queryText),
		topics.AttrVariables:      table.S(string(varsJSON)),
		topics.AttrSubscriptionID: table.S(subscriptionID),
		table.AttrExpires:         table.N(expires),
	}
	rows := make([]table.Row, len(topicList))
	for i, topic := range topicList {
		rows[i] = table.Row{Key: topics.SubscriptionKey(topic, connectionID), Item: record}
	}
	if err := s.tbl.BatchPut(ctx, rows); err != nil {
		return err
	}

	var channelTopics, convTopics []string
	allConvs := false
	for _, topic := range topicList {
		if topic == topics.TopicAllConversations {
			allConvs = true
		}
		if strings.HasPrefix(topic, topics.PrefixChannel) {
			channelTopics = append(channelTopics, topic)
		} else {
			convTopics = append(convTopics, topic)
		}
	}
	var ops []table.Op
	if len(channelTopics) > 0 {
		ops = append(ops, table.AddOp(topics.AttrChannelTopics, table.SS(channelTopics...)))
	}
	if len(convTopics) > 0 {
		ops = append(ops, table.AddOp(topics.AttrConvTopics, table.SS(convTopics...)))
	}
	if allConvs {
		ops = append(ops, table.SetOp(topics.AttrAllConvs, table.S("true")))
	}
	if len(ops) == 0 {
		return nil
	}
	_, err = s.tbl.Update(ctx, topics.MetaKey(topics.Client(connectionID)), ops, table.UpdateOptions{})
	return err
}

// Unsubscribe removes the topic→client records and the client's own
// topic-membership entries.
func (s *Service) Unsubscribe(ctx context.Context, connectionID string, topicList []string) error {
	keys := make([]table.Key, len(topicList))
	for i, topic := range topicList {
		keys[i] = topics.SubscriptionKey(topic, connectionID)
	}
	if err := s.tbl.BatchDelete(ctx, keys); err != nil {
		return err
	}
	var channelTopics, convTopics []string
	allConvs := false
	for _, topic := range topicList {
		if topic == topics.TopicAllConversations {
			allConvs = true
		}
		if strings.HasPrefix(topic, topics.PrefixChannel) {
			channelTopics = append(channelTopics, topic)
		} else {
			convTopics = append(convTopics, topic)
		}
	}
	var ops []table.Op
	if len(channelTopics) > 0 {
		ops = append(ops, table.DeleteOp(topics.AttrChannelTopics, table.SS(channelTopics...)))
	}
	if len(convTopics) > 0 {
		ops = append(ops, table.DeleteOp(topics.AttrConvTopics, table.SS(convTopics...)))
	}
	if allConvs {
		ops = append(ops, table.RemoveOp(topics.AttrAllConvs))
	}
	if len(ops) == 0 {
		return nil
	}
	_, err := s.tbl.Update(ctx, topics.MetaKey(topics.Client(connectionID)), ops,
		table.UpdateOptions{MustExist: true})
	if errors.Is(err, table.ErrConflict) {
		return nil
	}
	return err
}

// WantsConversationUpdates records whether the user opted into
// conversation-list update delivery. The flag defaults to off: wildcard
// subscribers receive conversation-creation events only after opting in.
func (s *Service) WantsConversationUpdates(ctx context.Context, userID string, optIn bool) error {
	value := "true"
	if !optIn {
		value = "false"
	}
	_, err := s.tbl.Update(ctx, topics.MetaKey(topics.User(userID)),
		[]table.Op{table.SetOp(topics.AttrConvUpdates, table.S(value))}, table.UpdateOptions{})
	return err
}

// Subscribers returns the live subscription records for a topic.
func (s *Service) Subscribers(ctx context.Context, topic string) ([]topics.SubscriptionRow, error) {
	rows, err := s.tbl.Query(ctx, topic, table.QueryOptions{SortPrefix: topics.PrefixClient})
	if err != nil {
		return nil, err
	}
	out := make([]topics.SubscriptionRow, 0, len(rows))
	for _, r := range rows {
		decoded, ok := topics.Decode(r.Key, r.Item)
		if !ok {
			continue
		}
		if sub, ok := decoded.(topics.SubscriptionRow); ok {
			out = append(out, sub)
		}
	}
	return out, nil
}

// Post attempts delivery to a connection. A failed push tears the connection
// down and is never surfaced to the originating caller.
func (s *Service) Post(ctx context.Context, connectionID string, payload []byte) error {
	if err := s.sender.Send(ctx, connectionID, payload); err != nil {
		s.logger.Warn("push failed, tearing down connection",
			logpkg.Str("conn", connectionID), logpkg.Err(err))
		return s.Disconnect(ctx, connectionID)
	}
	return nil
}
