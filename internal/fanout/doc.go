// Package fanout serves consumer WebSocket connections. Each accepted
// connection becomes a subscriber in the registry and receives every relayed
// payload as one text message; anything the consumer sends is discarded.
package fanout
