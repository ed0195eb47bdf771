// Package wsserver is the client-facing edge: it upgrades websockets,
// registers connections with the substrate, routes subscribe/unsubscribe
// control frames, and exposes REST endpoints for conversations, channels,
// messages, and notification preferences. The Hub implements the transport
// the dispatcher pushes through, so a vanished socket surfaces as a failed
// push and triggers durable cleanup.
package wsserver
