// Package websocket is a lightweight yet robust implementation of the
// WebSocket protocol (RFC 6455), for both the client and the server role.
//
// It owns the HTTP/1.1 opening handshake in both directions, the base
// frame codec (header parsing, extended lengths, masking, fragmentation
// reassembly, control-frame rules), and a per-connection state machine
// which answers pings and completes closing handshakes automatically.
//
// Incoming messages are dispatched to callbacks registered per event
// type with [Session.On]. Fragmented messages are reassembled and
// delivered exactly once, under their original opcode. Outbound frames
// are serialized per connection, so callbacks may send frames back on
// the session that invoked them.
//
// [Dial] establishes client connections, and [Server] accepts and
// serves any number of them, each in its own goroutine.
//
// Note: WebSocket [extensions] and [subprotocols] are not supported.
//
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
// [subprotocols]: https://www.iana.org/assignments/websocket/websocket.xhtml#subprotocol-name
package websocket
