// Package tracker holds the watch-list of tracked Steam games and the change
// detector that turns freshly polled store data into notification events.
//
// A Tracker owns the in-memory model and writes the whole document through a
// store.Store after every mutation. Every load-mutate-save sequence runs under
// one mutex, so chat commands and the poller may call it concurrently.
//
// A game exists only while at least one (channel, user) pair watches it:
// removing the last user of a channel drops the channel, and removing the last
// channel drops the game.
//
// When a save fails the mutation is discarded and the error wraps ErrStorage;
// callers never observe a half-applied change. Asking about a game that is not
// tracked is not an error: ApplyUpdate returns no events and
// NotificationTargets returns no targets.
package tracker
