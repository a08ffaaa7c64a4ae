package process

import (
	"sync"
	"time"
)

// Log streams.
const (
	StreamStderr = "stderr" // raw agent stderr
	StreamAgent  = "agent"  // agentproto log events
	StreamDaemon = "daemon" // supervisor lifecycle notes
)

// LogEntry is one captured line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

// LogBuffer keeps the most recent lines in a fixed-size ring and streams
// new ones to subscribers. Safe for concurrent use.
type LogBuffer struct {
	mu          sync.RWMutex
	ring        []LogEntry
	next        int // slot for the next write
	full        bool
	subscribers map[chan LogEntry]struct{}
}

// NewLogBuffer creates a buffer that retains up to size lines.
func NewLogBuffer(size int) *LogBuffer {
	if size < 1 {
		size = 1
	}
	return &LogBuffer{
		ring:        make([]LogEntry, size),
		subscribers: make(map[chan LogEntry]struct{}),
	}
}

// Write records a line and hands it to every subscriber that has room.
func (lb *LogBuffer) Write(stream, line string) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Stream:    stream,
		Line:      line,
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.ring[lb.next] = entry
	lb.next = (lb.next + 1) % len(lb.ring)
	if lb.next == 0 {
		lb.full = true
	}

	for ch := range lb.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Len returns how many lines are retained.
func (lb *LogBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.lenLocked()
}

func (lb *LogBuffer) lenLocked() int {
	if lb.full {
		return len(lb.ring)
	}
	return lb.next
}

// Recent returns up to n of the newest lines, oldest first. n <= 0 returns
// everything retained.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := lb.lenLocked()
	if n <= 0 || n > total {
		n = total
	}
	out := make([]LogEntry, n)
	start := lb.next - n
	if start < 0 {
		start += len(lb.ring)
	}
	for i := 0; i < n; i++ {
		out[i] = lb.ring[(start+i)%len(lb.ring)]
	}
	return out
}

// Subscribe returns a channel of new lines. A subscriber that falls behind
// misses lines. Call Unsubscribe when done.
func (lb *LogBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 64)
	lb.mu.Lock()
	lb.subscribers[ch] = struct{}{}
	lb.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (lb *LogBuffer) Unsubscribe(ch chan LogEntry) {
	lb.mu.Lock()
	_, ok := lb.subscribers[ch]
	delete(lb.subscribers, ch)
	lb.mu.Unlock()
	if ok {
		close(ch)
	}
}
