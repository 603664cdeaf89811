// Package governance holds admission controls for the echo server. The
// handshake limiter caps how fast a single remote host can open TLS
// sessions, and can be reconfigured while connections are served.
package governance
