package mqtt

import "time"

// bufferedMsg stores a serialized message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	queued   time.Time
}

// ringBuffer is a fixed-capacity FIFO holding messages while disconnected.
// Not safe for concurrent use; the caller synchronizes.
type ringBuffer struct {
	buf      []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	dropped  int // messages overwritten since last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &ringBuffer{
		buf:      make([]bufferedMsg, capacity),
		capacity: capacity,
	}
}

// push appends msg, overwriting the oldest entry when full.
// Returns true if an entry was dropped.
func (r *ringBuffer) push(msg bufferedMsg) bool {
	if r.capacity == 0 {
		r.dropped++
		return true
	}
	overwrote := r.count == r.capacity
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	if overwrote {
		r.dropped++
		return true
	}
	r.count++
	return false
}

// drainAll returns buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	r.dropped = 0
	if r.count == 0 {
		return nil
	}

	result := make([]bufferedMsg, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := range result {
		result[i] = r.buf[(start+i)%r.capacity]
		r.buf[(start+i)%r.capacity] = bufferedMsg{}
	}

	r.count = 0
	r.head = 0
	return result
}

// drainSince empties the buffer and returns the messages queued at or after
// cutoff, oldest first, plus how many older ones were discarded. A zero
// cutoff keeps everything.
func (r *ringBuffer) drainSince(cutoff time.Time) ([]bufferedMsg, int) {
	all := r.drainAll()
	if cutoff.IsZero() {
		return all, 0
	}
	// Messages are queued in time order, so the stale ones form a prefix.
	i := 0
	for i < len(all) && all[i].queued.Before(cutoff) {
		i++
	}
	if i == len(all) {
		return nil, i
	}
	return all[i:], i
}

func (r *ringBuffer) len() int {
	return r.count
}
