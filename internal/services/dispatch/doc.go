// Package dispatch tails the table's change feed and pushes events to
// subscribed connections. New message rows fan out to their channel topic's
// subscribers; new channel reverse-index rows fan out to their conversation
// topic's subscribers. Each recipient's stored query is re-executed against
// the event, so two subscribers to the same topic can receive differently
// shaped payloads for the same event.
package dispatch
