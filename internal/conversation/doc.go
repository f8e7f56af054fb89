// Package conversation routes real-time events to the sessions joined to a
// conversation.
//
// # Broadcaster
//
// The Broadcaster keeps a map from conversation id to the sessions joined on
// this node. Join and Leave are idempotent. Publish delivers to the sessions
// joined at the moment of the call; there is no replay for late joiners.
//
//	b := conversation.NewBroadcaster(logger, m)
//	b.Join(convID, session)
//	b.Publish(conversation.NewMessageEvent(msg, sender))
//
// Delivery is non-blocking. A subscriber that cannot queue an event reports
// false from Deliver and is expected to close itself.
//
// # Multi-node
//
// When peers are configured, a PeerRelay is installed with SetRelay. Every
// Publish is also posted to each peer's /internal/relay endpoint, signed with
// a short-lived token whose subject is node:<id>. RelayHandler on the peer
// verifies the token and calls PublishLocal, so an event crosses at most one
// hop.
package conversation
