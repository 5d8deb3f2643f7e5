package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"halo/internal/classifier"
)

const DefaultCapacity = 10

// Entry is one analyzed transcript and its verdict, safe or not.
type Entry struct {
	ID         uuid.UUID         `json:"id"`
	Result     classifier.Result `json:"result"`
	Transcript string            `json:"transcript"`
	Timestamp  time.Time         `json:"timestamp"`
}

func NewEntry(result classifier.Result, transcript string) Entry {
	return Entry{
		ID:         uuid.New(),
		Result:     result,
		Transcript: transcript,
		Timestamp:  time.Now(),
	}
}

// Log keeps the most recent alerts, newest first.
type Log struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, entries: make([]Entry, 0, capacity)}
}

// Record prepends e, evicting the oldest entry once capacity is reached.
func (l *Log) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, Entry{})
	}
	copy(l.entries[1:], l.entries[:len(l.entries)-1])
	l.entries[0] = e
}

func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = l.entries[:0]
	l.mu.Unlock()
}

// Snapshot returns a copy safe to hand to other goroutines.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
