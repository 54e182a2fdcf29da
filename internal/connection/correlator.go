package connection

// correlator maps outgoing sequence numbers to reply callbacks.
// Callers hold the Manager lock.
type correlator struct {
	pending map[int64]ReplyCallback
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int64]ReplyCallback)}
}

func (c *correlator) register(seq int64, cb ReplyCallback) {
	c.pending[seq] = cb
}

// take removes and returns the callback for seq.
func (c *correlator) take(seq int64) (ReplyCallback, bool) {
	cb, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	return cb, ok
}

// clear drops every pending callback without invoking it.
func (c *correlator) clear() {
	clear(c.pending)
}

func (c *correlator) len() int {
	return len(c.pending)
}
