// Package fragment splits oversized messages into ordered parts, reassembles
// them on the receiving side, and tracks per-part acknowledgment for
// retransmission over unreliable transports.
//
// Reassembly is bitmap based and order independent: each part writes its
// slice at part*chunkSize and the message completes exactly once, when the
// last missing bit is set. Re-delivered parts are no-ops.
//
// Outbound, an Outbox holds one Tracker per fragmented message. Pump resends
// unconfirmed parts in bounded bursts, either after WaitTime has passed or as
// soon as half a burst has been acknowledged, and drops a tracker the moment
// its last part is confirmed.
package fragment
