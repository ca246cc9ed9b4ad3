package transport

import "sync"

// Inbox is a bounded, concurrency-safe datagram queue for Link
// implementations. Datagrams pushed while full are dropped, as a network would.
type Inbox struct {
	mu      sync.Mutex
	items   []Datagram
	limit   int
	dropped uint64
	closed  bool
}

// NewInbox returns an inbox holding at most limit datagrams; limit <= 0 means
// unbounded.
func NewInbox(limit int) *Inbox {
	return &Inbox{limit: limit}
}

// Push copies data into the queue and reports whether it was kept.
func (in *Inbox) Push(from PeerID, data []byte) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	if in.limit > 0 && len(in.items) >= in.limit {
		in.dropped++
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	in.items = append(in.items, Datagram{From: from, Data: buf})
	return true
}

// Drain returns and clears everything queued.
func (in *Inbox) Drain() []Datagram {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.items
	in.items = nil
	return out
}

func (in *Inbox) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}

// Close discards queued datagrams and refuses new ones.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.items = nil
}

func (in *Inbox) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}
