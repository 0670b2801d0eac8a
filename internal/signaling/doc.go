// Package signaling serves the client message channel: one WebSocket per
// client session carrying room control, peer negotiation relayed between the
// two members of a room, processing node negotiation relayed through a
// procnode.Connector, and gaze results delivered by the result relay.
//
// Each connection is owned by a single event loop. The read pump, the clock
// estimate and connector completions post into it; writes from any goroutine
// are serialized by the connection's write mutex.
package signaling
