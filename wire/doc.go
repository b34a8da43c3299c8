// Package wire implements the dualnet message envelope and the closed set of
// message variants carried over both transports.
//
// Every message starts with a fixed 13-byte header:
//
//	offset  size  field
//	0       2     channel     (uint16, message-type tag)
//	2       2     part        (uint16, 0-based fragment index)
//	4       2     totalParts  (uint16, 1 when unfragmented)
//	6       4     length      (int32, total serialized length)
//	10      2     id          (uint16, per-sender message id, 0 = unset)
//	12      1     isAsync     (bool)
//
// All multi-byte header and body fields are little-endian. Byte slices in
// bodies are prefixed with an int32 length; strings use a 7-bit varint length
// prefix. Both peers must agree on this layout bit for bit.
//
// Decoding is driven by a Registry that maps channel ids to message factories
// at startup:
//
//	reg := wire.NewRegistry()
//	reg.Register(ChannelChat, func() wire.Message { return &ChatMessage{} })
//
//	msg, err := reg.Decode(payload)
//	if errors.Is(err, wire.ErrMalformed) {
//	    // drop the connection
//	}
//
// Channels below FirstUserChannel are reserved for transport control traffic.
package wire
