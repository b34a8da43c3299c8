// Package limits provides centralized size constants and validation functions
// for the dualnet transports. Every component that allocates, frames or
// fragments a payload checks it against the values defined here.
//
// # Size Hierarchy
//
//   - MaxPacketSize (64000 bytes): the largest serialized message handed to a
//     transport in one piece. Larger messages must go through the fragmented
//     ("large") send path, which splits them into MaxPacketSize slices.
//
//   - MaxBufferSize (64512 bytes): the size of socket receive buffers and the
//     TCP send-batch scratch buffer. It leaves headroom above MaxPacketSize for
//     the 13-byte envelope, the fragment body prefix and the TCP length prefix.
//
//   - MaxReassembledSize (64 MiB): the largest declared total length accepted
//     for a fragmented message. A peer that announces more is treated as hostile.
//
// # Validation Functions
//
//	if err := limits.ValidatePacket(data, cfg.MaxPacketSize); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// Errors are wrapped with the actual and permitted sizes and can be matched
// with errors.Is.
package limits
