// Package bridge carries framed buffers between processes: the M-to-N link
// between data-server and render-server ranks, and the client links.
//
// # Overview
//
// A Channel moves one codec.Buffer at a time. Two transports are provided:
//
//	NewConnChannel  stream connection (TCP or net.Pipe), length-prefixed frames
//	Upgrade/Dial    gorilla websocket, one binary message per frame
//
// Both use the frame layout of package codec, so a buffer arriving on either
// transport has the same piece boundaries it left with.
//
// # M-to-N Pairing
//
// With M data-server ranks and N render-server ranks the bridge carries
// min(M, N) channels. Data rank R connects to render rank R when R < min(M, N);
// every other rank holds a Bridge with no channel and skips relays.
//
//	data ranks    0   1   2   3
//	              |   |
//	render ranks  0   1
//
// Pairing happens once at startup. The render root runs a Listener and each
// paired data rank calls Dial. The dialer sends a hello naming the session and
// its rank; the listener answers with the same hello once the rank is accepted.
// Hellos from another session, for a rank out of range, or for a rank already
// paired are refused and the connection is closed.
//
// # Health
//
// Each Bridge records the outcome of every transfer in a Health tracker. A
// failed transfer only fails the current frame. After consecutive failures a
// channel is reported unhealthy, and a later success clears it.
//
// # Deadlines
//
// Send and Receive honour the context deadline, falling back to
// Options.Timeout. Cancelling the context interrupts a blocked transfer.
package bridge
