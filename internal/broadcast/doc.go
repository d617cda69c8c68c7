// Package broadcast implements the subscriber registry using the actor pattern.
//
// A single goroutine owns the subscriber set and serves register, unregister
// and broadcast commands from a channel, so membership changes never race with
// an in-progress broadcast. Subscribers enqueue payloads on their own writers;
// a broadcast never waits on a consumer's network.
package broadcast
