package topics

import (
	"strings"

	"github.com/tidewave/strand/internal/table"
)

// Entity prefixes multiplexing several logical indexes onto the one table.
const (
	PrefixConversation = "CONV|"
	PrefixChannel      = "CHANNEL|"
	PrefixUser         = "USER|"
	PrefixClient       = "CLIENT|"
	PrefixMessage      = "MSG|"
)

// SortMeta is the sort key of an entity's own aggregate row.
const SortMeta = "meta"

// TopicAllConversations is the wildcard conversation topic. Subscribing to it
// delivers conversation-creation events instead of events for one
// conversation; records live under it like under any other topic, so the
// normal teardown path covers them.
const TopicAllConversations = PrefixConversation + "*"

// Shared attribute names. Every service reads and writes rows through these
// so the dispatcher can decode any row it sees on the change feed.
const (
	AttrParticipants   = "participants"
	AttrChannels       = "channels"
	AttrConnections    = "connections"
	AttrConversations  = "conversations"
	AttrUserID         = "userId"
	AttrAuthorID       = "authorId"
	AttrContent        = "content"
	AttrCreatedAtMs    = "createdAtMs"
	AttrUpdatedAtMs    = "updatedAtMs"
	AttrReadBy         = "readBy"
	AttrQuery          = "query"
	AttrVariables      = "variables"
	AttrSubscriptionID = "subscriptionId"
	AttrChannelTopics  = "channelTopics"
	AttrConvTopics     = "convTopics"
	AttrAllConvs       = "allConversations"
	AttrConvUpdates    = "conversationUpdates"
	AttrEmailOptIn     = "emailOptIn"
	AttrTaskID         = "taskId"
	AttrPending        = "pending"
	AttrUnread         = "unread"
)

// Topic builders. A topic is a partition key clients subscribe to.

func Conversation(id string) string { return PrefixConversation + id }
func Channel(id string) string      { return PrefixChannel + id }
func User(id string) string         { return PrefixUser + id }
func Client(id string) string       { return PrefixClient + id }

// Sort-key builders.

func MessageSort(id string) string      { return PrefixMessage + id }
func ClientSort(id string) string       { return PrefixClient + id }
func ConversationSort(id string) string { return PrefixConversation + id }

// Per-user sort-key prefixes for notification state.
const (
	PrefixMail   = "MAIL|"
	PrefixUnread = "UNREAD|"
)

// MailSort keys a user's per-channel pending-mail row.
func MailSort(channelID string) string { return PrefixMail + channelID }

// UnreadSort keys a user's per-channel unread-marker row.
func UnreadSort(channelID string) string { return PrefixUnread + channelID }

// MetaKey builds the aggregate row key for a topic partition.
func MetaKey(partition string) table.Key {
	return table.Key{Partition: partition, Sort: SortMeta}
}

// SubscriptionKey builds the topic→client subscription record key.
func SubscriptionKey(topic, connectionID string) table.Key {
	return table.Key{Partition: topic, Sort: ClientSort(connectionID)}
}

// trimPrefix returns the id following prefix, if s carries it.
func trimPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return "", false
}
