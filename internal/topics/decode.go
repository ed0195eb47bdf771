package topics

import (
	"github.com/tidewave/strand/internal/table"
)

// Row is the decoded, tagged form of a raw table row. Consumers switch on the
// concrete type instead of matching key prefixes at every call site.
type Row interface{ isRow() }

// MessageRow is a message in a channel's stream: CHANNEL|id / MSG|id.
type MessageRow struct {
	ChannelID string
	MessageID string
	Item      table.Item
}

// ChannelRow is the channel→conversation reverse index: CHANNEL|id / CONV|id.
type ChannelRow struct {
	ChannelID      string
	ConversationID string
}

// SubscriptionRow is a topic→client subscription record.
type SubscriptionRow struct {
	Topic        string
	ConnectionID string
	Item         table.Item
}

// ConversationRow is a conversation aggregate: CONV|id / meta.
type ConversationRow struct {
	ConversationID string
	Item           table.Item
}

// UserRow is a per-user aggregate: USER|id / meta.
type UserRow struct {
	UserID string
	Item   table.Item
}

// ClientRow is a per-connection aggregate: CLIENT|id / meta.
type ClientRow struct {
	ConnectionID string
	Item         table.Item
}

func (MessageRow) isRow()      {}
func (ChannelRow) isRow()      {}
func (SubscriptionRow) isRow() {}
func (ConversationRow) isRow() {}
func (UserRow) isRow()         {}
func (ClientRow) isRow()       {}

// Decode parses a raw composite key plus item into its tagged variant. Rows
// that match no known shape return (nil, false); the table is shared, so
// unknown rows are expected and never an error.
func Decode(key table.Key, item table.Item) (Row, bool) {
	if id, ok := trimPrefix(key.Partition, PrefixChannel); ok {
		switch {
		case key.Sort == SortMeta:
			return ChannelAggregateRow{ChannelID: id, Item: item}, true
		default:
			if msgID, ok := trimPrefix(key.Sort, PrefixMessage); ok {
				return MessageRow{ChannelID: id, MessageID: msgID, Item: item}, true
			}
			if convID, ok := trimPrefix(key.Sort, PrefixConversation); ok {
				return ChannelRow{ChannelID: id, ConversationID: convID}, true
			}
			if connID, ok := trimPrefix(key.Sort, PrefixClient); ok {
				return SubscriptionRow{Topic: key.Partition, ConnectionID: connID, Item: item}, true
			}
		}
		return nil, false
	}
	if id, ok := trimPrefix(key.Partition, PrefixConversation); ok {
		if key.Sort == SortMeta {
			return ConversationRow{ConversationID: id, Item: item}, true
		}
		if connID, ok := trimPrefix(key.Sort, PrefixClient); ok {
			return SubscriptionRow{Topic: key.Partition, ConnectionID: connID, Item: item}, true
		}
		return nil, false
	}
	if id, ok := trimPrefix(key.Partition, PrefixUser); ok {
		if key.Sort == SortMeta {
			return UserRow{UserID: id, Item: item}, true
		}
		return nil, false
	}
	if id, ok := trimPrefix(key.Partition, PrefixClient); ok {
		if key.Sort == SortMeta {
			return ClientRow{ConnectionID: id, Item: item}, true
		}
		return nil, false
	}
	return nil, false
}

// ChannelAggregateRow is a channel's own aggregate: CHANNEL|id / meta.
type ChannelAggregateRow struct {
	ChannelID string
	Item      table.Item
}

func (ChannelAggregateRow) isRow() {}
