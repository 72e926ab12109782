// Package session owns the lifecycle of the single chat-network connection.
//
// A Supervisor is created once at startup and lives for the whole process.
// Each connection attempt gets a fresh transport and a new epoch; every
// transport event, open result and timer callback carries the epoch it was
// created for and is dropped when it no longer matches. All state changes
// happen on one goroutine (Run) fed by an unbounded mailbox, so transport
// callbacks never block and never race with API calls.
//
// Lifecycle:
//
//	Idle -> Connecting -> (AwaitingChallenge ->) Ready -> Closed -> Connecting ...
//
// Disconnect always returns to Idle and wipes session material.
package session
