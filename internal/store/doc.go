// Package store provides persistent storage for huddle using SQLite.
//
// # Architecture
//
// The store package is interface driven:
//
//   - UserStore: identities that can join conversations
//   - ConversationStore: conversations, membership, archive state and the
//     last-message snapshot
//   - MessageStore: messages, edits, tombstones and read receipts
//
// Store combines all three with Ping and Close. SQLiteStore implements it on
// modernc.org/sqlite; MockStore is an in-memory twin for tests.
//
// # Snapshot consistency
//
// Each conversation carries a denormalized copy of its most recent message.
// SetConversationSnapshot never moves the snapshot backwards in time, and
// UpdateConversationSnapshot is a compare-and-set on the snapshot timestamp
// used when an edited message may still be the latest. No row locks are taken.
//
// # Timestamps
//
// Times are stored as fixed-width UTC text (nanosecond precision) so that
// string comparison in SQL matches chronological order exactly.
//
// # Read receipts
//
// A message records at most one reader. MarkMessageRead only succeeds for
// the first caller; later calls report false without changing the row.
package store
