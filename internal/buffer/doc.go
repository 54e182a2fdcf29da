// Package buffer provides an unbounded FIFO used where a producer must
// never block: listener dispatch inside the session engine and the
// per-route event queues fed by the router.
package buffer
