// Package chat implements the conversational session engine: the lifecycle
// of a session between one user and the assistant, from the priming system
// message through user/assistant turns to the closing summary.
//
// The central type is Engine. One Engine owns at most one active session at
// a time; all lifecycle-mutating operations are serialized through a single
// mutex, so a Send racing an End resolves to a defined order: the loser
// observes the new state and receives ErrInvalidState.
//
// Engine depends on three collaborator interfaces, all defined here on the
// consumer side: Store (persistence), Completer (the assistant backend),
// and Feed (near-real-time delivery of committed messages). Production
// implementations live in the store, completion, and feed packages.
package chat
