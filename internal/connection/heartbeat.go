package connection

import (
	"time"

	"github.com/rickgao/realtime-session/internal/clock"
)

// heartbeat tracks the outstanding ping probe and the recurring tick.
// Callers hold the Manager lock.
type heartbeat struct {
	clock    clock.Clock
	interval time.Duration

	timer    *clock.Timer
	running  bool
	epoch    uint64
	awaiting bool
	probeSeq int64
}

func newHeartbeat(clk clock.Clock, interval time.Duration) *heartbeat {
	return &heartbeat{clock: clk, interval: interval}
}

// start begins a new epoch. tick is called with the epoch each interval
// and must call arm to keep the monitor running.
func (h *heartbeat) start(tick func(epoch uint64)) uint64 {
	h.stop()
	h.running = true
	h.awaiting = false
	h.probeSeq = 0
	h.arm(h.epoch, tick)
	return h.epoch
}

func (h *heartbeat) arm(epoch uint64, tick func(epoch uint64)) {
	if !h.current(epoch) {
		return
	}
	h.timer = h.clock.AfterFunc(h.interval, func() { tick(epoch) })
}

// current reports whether epoch belongs to the running monitor.
func (h *heartbeat) current(epoch uint64) bool {
	return h.running && epoch == h.epoch
}

// probed records that a ping went out with seq.
func (h *heartbeat) probed(seq int64) {
	h.awaiting = true
	h.probeSeq = seq
}

// acked clears the awaiting flag when seq answers the latest probe.
func (h *heartbeat) acked(epoch uint64, seq int64) {
	if h.current(epoch) && seq == h.probeSeq {
		h.awaiting = false
	}
}

func (h *heartbeat) stop() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.running = false
	h.awaiting = false
	h.epoch++
}
