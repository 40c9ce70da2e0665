// Package realtime is the client-side synchronization engine for the
// social network: a persistent websocket connection manager, a typed
// publish/subscribe dispatcher layered on top of it, and the state
// reconciliation for chat, presence and typing indicators that consume it.
//
// Feature code never opens sockets itself. The control flow is
// ConnectionManager -> Dispatcher -> {ChatSynchronizer, GroupSynchronizer,
// PresenceTracker, NotificationRouter}. Durable operations go through the
// REST Api, which is a channel fully decoupled from the event stream; the
// event stream is notification-only and never the channel of record for
// request completion.
//
// Logging convention for this package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation.
//     this includes:
//     - reconnect scheduling and auth failures
//     - dropped or malformed frames
// Error:
//     unexpected panics even if handled and suppressed for partial operation
// Debug (V(2)):
//     key events for trace debugging - connect, send, receive, dispatch -
//     with short bracket tags that can be used to filter:
//     [c] connection, [d] dispatch, [ch] chat, [g] group chat,
//     [p] presence, [n] notifications
package realtime
