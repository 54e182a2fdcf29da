// Package connection implements the session continuity engine.
//
// A Manager owns at most one WebSocket transport at a time and keeps the
// application session alive across transport failures: it authenticates
// each new connection, validates the server's event sequence, probes
// liveness with ping frames, and reconnects with squared backoff and
// jitter. Applications observe the session only through listener sets
// and reply callbacks.
package connection
