// Package transport moves framed byte buffers over TCP and UDP sockets.
//
// Four raw endpoints are provided: TCPClient, TCPServer, UDPClient and
// UDPServer. Each owns its sockets, a non-blocking outbound SendQueue per
// destination, and one goroutine per I/O direction. Buffers handed to Send are
// complete serialized messages; the transport never looks past the length of
// a buffer except to recognise UDP handshake frames.
//
// # Framing
//
// TCP frames are a 4-byte big-endian length followed by the payload. The send
// loop drains its queue in one batch and packs every frame into a single
// write. A declared length above the configured limit is a protocol violation
// and drops the connection before anything is allocated.
//
// UDP datagrams carry one payload each. Logical connections are established
// with the fixed-length signature frame from package wire:
//
//	client                              server
//	  | -- Signature{connect=true} -->    |  creates Conn, fires OnConnect
//	  | <-- Signature{connect=true} --    |
//	  |            ... traffic ...        |
//	  | -- Signature{connect=false} -->   |  removes Conn, fires OnDisconnect
//
// A UDPClient runs two receive loops and a liveness loop. The liveness loop
// drops a silent server after the configured timeout and keeps resending the
// connect frame while a handshake is outstanding, so reconnection is
// automatic until Close is called. TCP clients never reconnect on their own.
//
// # Lifecycle
//
// Every loop recovers panics at its boundary, logs them through logrus and
// shuts down only the connection it serves. Listener and accept loops survive
// per-connection failures.
package transport
