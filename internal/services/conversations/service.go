package convsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/tidewave/strand/internal/table"
	"github.com/tidewave/strand/internal/topics"
	"github.com/tidewave/strand/pkg/id"
	logpkg "github.com/tidewave/strand/pkg/log"
)

// Conversation is the aggregate over a participant set and its channels.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	// Channels is newest-first: channel ids are time-ordered, so the reverse
	// lexical order is creation order, newest first.
	Channels []string `json:"channels"`
}

// Channel is one message stream inside a conversation.
type Channel struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	CreatedAtMs    int64  `json:"createdAtMs"`
	UpdatedAtMs    int64  `json:"updatedAtMs"`
}

// Message is one entry in a channel's stream.
type Message struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channel"`
	AuthorID    string `json:"author"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Service owns the conversation and channel aggregates and the message
// publish path.
type Service struct {
	tbl    *table.Table
	gen    *id.Generator
	logger logpkg.Logger
	now    func() time.Time
}

// New returns a conversation Service over the table.
func New(tbl *table.Table, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Service{
		tbl:    tbl,
		gen:    id.NewGenerator(),
		logger: logger.With(logpkg.Component("conversations")),
		now:    time.Now,
	}
}

// ConversationID derives the conversation id from the participant set. It is
// a pure function of the set: order-independent and deterministic, which is
// what makes get-or-create idempotent.
func ConversationID(participants []string) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Create conditionally creates the conversation for the participant set with
// one initial channel, and adds the conversation to every participant's
// membership set. Racing creates with the same participants resolve via
// conflict: the loser gets (nil, nil) and re-fetches.
func (s *Service) Create(ctx context.Context, initialChannelID string, participants ...string) (*Conversation, error) {
	convID := ConversationID(participants)
	if initialChannelID == "" {
		initialChannelID = s.gen.Next().String()
	}

	aggregate := table.Item{
		topics.AttrParticipants: table.SS(participants...),
		topics.AttrChannels:     table.SS(initialChannelID),
		topics.AttrCreatedAtMs:  table.N(float64(s.now().UnixMilli())),
	}
	err := s.tbl.Put(ctx, topics.MetaKey(topics.Conversation(convID)), aggregate, true)
	if errors.Is(err, table.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.createChannelRows(ctx, convID, initialChannelID); err != nil {
		return nil, err
	}
	for _, userID := range participants {
		_, err := s.tbl.Update(ctx, topics.MetaKey(topics.User(userID)),
			[]table.Op{table.AddOp(topics.AttrConversations, table.SS(convID))}, table.UpdateOptions{})
		if err != nil {
			return nil, err
		}
	}
	s.logger.Debug("conversation created", logpkg.Str("conv", convID), logpkg.Int("participants", len(participants)))
	return &Conversation{ID: convID, Participants: append([]string(nil), participants...), Channels: []string{initialChannelID}}, nil
}

// Get loads a conversation aggregate, or nil when absent.
func (s *Service) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	it, err := s.tbl.Get(ctx, topics.MetaKey(topics.Conversation(conversationID)))
	if err != nil || it == nil {
		return nil, err
	}
	return conversationFromItem(conversationID, it), nil
}

func conversationFromItem(conversationID string, it table.Item) *Conversation {
	channels := append([]string(nil), it.Set(topics.AttrChannels)...)
	sort.Sort(sort.Reverse(sort.StringSlice(channels)))
	return &Conversation{
		ID:           conversationID,
		Participants: it.Set(topics.AttrParticipants),
		Channels:     channels,
	}
}

// GetUserConversations batch-loads every conversation in the user's
// membership set, lazily creating the user aggregate if absent.
func (s *Service) GetUserConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	userKey := topics.MetaKey(topics.User(userID))
	user, err := s.tbl.Get(ctx, userKey)
	if err != nil {
		return nil, err
	}
	if user == nil {
		err := s.tbl.Put(ctx, userKey, table.Item{}, true)
		if err != nil && !errors.Is(err, table.ErrConflict) {
			return nil, err
		}
		return nil, nil
	}

	convIDs := user.Set(topics.AttrConversations)
	if len(convIDs) == 0 {
		return nil, nil
	}
	keys := make([]table.Key, len(convIDs))
	for i, convID := range convIDs {
		keys[i] = topics.MetaKey(topics.Conversation(convID))
	}
	items, err := s.tbl.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(items))
	for i, key := range keys {
		it, ok := items[key]
		if !ok {
			continue
		}
		out = append(out, conversationFromItem(convIDs[i], it))
	}
	return out, nil
}

// createChannelRows writes the reverse-index row and the channel aggregate.
// Returns false without error when the channel already exists.
func (s *Service) createChannelRows(ctx context.Context, conversationID, channelID string) (bool, error) {
	reverseKey := table.Key{Partition: topics.Channel(channelID), Sort: topics.ConversationSort(conversationID)}
	err := s.tbl.Put(ctx, reverseKey, table.Item{}, true)
	if errors.Is(err, table.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	nowMs := float64(s.now().UnixMilli())
	err = s.tbl.Put(ctx, topics.MetaKey(topics.Channel(channelID)), table.Item{
		topics.AttrCreatedAtMs: table.N(nowMs),
		topics.AttrUpdatedAtMs: table.N(nowMs),
	}, true)
	if err != nil && !errors.Is(err, table.ErrConflict) {
		return false, err
	}
	return true, nil
}

// CreateChannel adds a channel to an existing conversation and fans the
// conversation's current subscribers out onto the new channel topic, so a
// client subscribed at conversation level before the channel existed still
// receives its messages. Duplicate creation returns nil rather than failing.
func (s *Service) CreateChannel(ctx context.Context, conversationID, channelID string) (*Channel, error) {
	if channelID == "" {
		channelID = s.gen.Next().String()
	}
	created, err := s.createChannelRows(ctx, conversationID, channelID)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}

	nowMs := float64(s.now().UnixMilli())
	_, err = s.tbl.Update(ctx, topics.MetaKey(topics.Conversation(conversationID)),
		[]table.Op{table.AddOp(topics.AttrChannels, table.SS(channelID))}, table.UpdateOptions{})
	if err != nil {
		return nil, err
	}

	if err := s.fanOutSubscribers(ctx, conversationID, channelID); err != nil {
		return nil, err
	}
	return &Channel{ID: channelID, ConversationID: conversationID, CreatedAtMs: int64(nowMs), UpdatedAtMs: int64(nowMs)}, nil
}

// fanOutSubscribers copies every current conversation-level subscription
// record to the new channel topic and records the membership on each client.
func (s *Service) fanOutSubscribers(ctx context.Context, conversationID, channelID string) error {
	subs, err := s.tbl.Query(ctx, topics.Conversation(conversationID),
		table.QueryOptions{SortPrefix: topics.PrefixClient})
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	channelTopic := topics.Channel(channelID)
	rows := make([]table.Row, 0, len(subs))
	connIDs := make([]string, 0, len(subs))
	for _, sub := range subs {
		decoded, ok := topics.Decode(sub.Key, sub.Item)
		if !ok {
			continue
		}
		record, ok := decoded.(topics.SubscriptionRow)
		if !ok {
			continue
		}
		rows = append(rows, table.Row{
			Key:  topics.SubscriptionKey(channelTopic, record.ConnectionID),
			Item: record.Item,
		})
		connIDs = append(connIDs, record.ConnectionID)
	}
	if err := s.tbl.BatchPut(ctx, rows); err != nil {
		return err
	}
	for _, connID := range connIDs {
		_, err := s.tbl.Update(ctx, topics.MetaKey(topics.Client(connID)),
			[]table.Op{table.AddOp(topics.AttrChannelTopics, table.SS(channelTopic))},
			table.UpdateOptions{MustExist: true})
		if errors.Is(err, table.ErrConflict) {
			// The client disconnected between the copy and the membership
			// write. Remove the copied record, or the dead connection would
			// linger as a channel subscriber with no owner to clean it up.
			if _, derr := s.tbl.Delete(ctx, topics.SubscriptionKey(channelTopic, connID), false); derr != nil {
				return derr
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// PublishMessage appends a message to a channel's stream. The write is
// conditional, so re-publishing the same id is a silent no-op; the change
// feed fires exactly one insert per unique message, which is what drives
// dispatch.
func (s *Service) PublishMessage(ctx context.Context, channelID, messageID, authorID, content string) (*Message, error) {
	if messageID == "" {
		messageID = s.gen.Next().String()
	}
	nowMs := s.now().UnixMilli()
	key := table.Key{Partition: topics.Channel(channelID), Sort: topics.MessageSort(messageID)}
	err := s.tbl.Put(ctx, key, table.Item{
		topics.AttrAuthorID:    table.S(authorID),
		topics.AttrContent:     table.S(content),
		topics.AttrCreatedAtMs: table.N(float64(nowMs)),
	}, true)
	if errors.Is(err, table.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_, err = s.tbl.Update(ctx, topics.MetaKey(topics.Channel(channelID)),
		[]table.Op{table.SetOp(topics.AttrUpdatedAtMs, table.N(float64(nowMs)))}, table.UpdateOptions{})
	if err != nil {
		return nil, err
	}
	return &Message{ID: messageID, ChannelID: channelID, AuthorID: authorID, Content: content, CreatedAtMs: nowMs}, nil
}

// ConversationForChannel resolves a channel back to its conversation via the
// reverse-index row, or "" when the channel is unknown.
func (s *Service) ConversationForChannel(ctx context.Context, channelID string) (string, error) {
	rows, err := s.tbl.Query(ctx, topics.Channel(channelID), table.QueryOptions{
		SortPrefix: topics.PrefixConversation,
		Limit:      1,
	})
	if err != nil || len(rows) == 0 {
		return "", err
	}
	decoded, ok := topics.Decode(rows[0].Key, rows[0].Item)
	if !ok {
		return "", nil
	}
	if ch, ok := decoded.(topics.ChannelRow); ok {
		return ch.ConversationID, nil
	}
	return "", nil
}

// Messages reads a channel's stream in id order.
func (s *Service) Messages(ctx context.Context, channelID string, limit int, newestFirst bool) ([]*Message, error) {
	rows, err := s.tbl.Query(ctx, topics.Channel(channelID), table.QueryOptions{
		SortPrefix: topics.PrefixMessage,
		Limit:      limit,
		Reverse:    newestFirst,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(rows))
	for _, r := range rows {
		decoded, ok := topics.Decode(r.Key, r.Item)
		if !ok {
			continue
		}
		msg, ok := decoded.(topics.MessageRow)
		if !ok {
			continue
		}
		out = append(out, &Message{
			ID:          msg.MessageID,
			ChannelID:   msg.ChannelID,
			AuthorID:    msg.Item.String(topics.AttrAuthorID),
			Content:     msg.Item.String(topics.AttrContent),
			CreatedAtMs: int64(msg.Item.Number(topics.AttrCreatedAtMs)),
		})
	}
	return out, nil
}
