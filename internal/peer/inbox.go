package peer

import "sync"

const (
	inboxOccupancyMetricKey = "peer_inbox_occupancy"
	inboxOverflowMetricKey  = "peer_inbox_overflow_total"
)

type inbound struct {
	link   *Link
	frame  []byte
	closed bool
}

// inbox stages frames delivered by transport goroutines in a fixed-size ring.
// It is safe for concurrent producers and a single consumer.
type inbox struct {
	mu      sync.Mutex
	data    []inbound
	head    int
	tail    int
	count   int
	dropped uint64
	metrics telemetryMetrics
}

type telemetryMetrics interface {
	Add(string, uint64)
	Store(string, uint64)
}

func newInbox(capacity int, metrics telemetryMetrics) *inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &inbox{data: make([]inbound, capacity), metrics: metrics}
}

func (b *inbox) capacity() int {
	return len(b.data)
}

// push stages an entry, returning false if the ring is full. Close markers
// are always accepted by evicting the oldest frame.
func (b *inbox) push(entry inbound) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		if !entry.closed {
			b.dropped++
			if b.metrics != nil {
				b.metrics.Add(inboxOverflowMetricKey, 1)
			}
			return false
		}
		b.head = (b.head + 1) % len(b.data)
		b.count--
		b.dropped++
	}
	b.data[b.tail] = entry
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeOccupancyLocked()
	return true
}

// drain returns staged entries in FIFO order along with the number of
// entries dropped since the previous drain.
func (b *inbox) drain() ([]inbound, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := b.dropped
	b.dropped = 0
	if b.count == 0 {
		return nil, dropped
	}
	entries := make([]inbound, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		entries[i] = b.data[idx]
		b.data[idx] = inbound{}
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.storeOccupancyLocked()
	return entries, dropped
}

func (b *inbox) storeOccupancyLocked() {
	if b.metrics != nil {
		b.metrics.Store(inboxOccupancyMetricKey, uint64(b.count))
	}
}
