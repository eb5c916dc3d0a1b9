package audit

import (
	"sync"
	"time"
)

// DefaultLogSize is how many anomalies are kept for display.
const DefaultLogSize = 5

// Anomaly is a flagged test result with the tick and time it was seen.
type Anomaly struct {
	Time   time.Time  `json:"time"`
	Tick   uint64     `json:"tick"`
	Result TestResult `json:"result"`
}

// Log keeps the most recent anomalies, oldest first. It is safe for
// concurrent use.
type Log struct {
	mu    sync.Mutex
	size  int
	items []Anomaly
	total int
}

// NewLog returns a log holding at most size anomalies. A non-positive size
// selects DefaultLogSize.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{size: size, items: make([]Anomaly, 0, size)}
}

// Record appends one anomaly per flagged result, dropping the oldest entries
// once the log is full. It returns the records it added.
func (l *Log) Record(now time.Time, tick uint64, flagged []TestResult) []Anomaly {
	if len(flagged) == 0 {
		return nil
	}
	added := make([]Anomaly, 0, len(flagged))
	for _, r := range flagged {
		added = append(added, Anomaly{Time: now, Tick: tick, Result: r})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, added...)
	if over := len(l.items) - l.size; over > 0 {
		l.items = append(l.items[:0], l.items[over:]...)
	}
	l.total += len(added)
	return added
}

// Recent returns a copy of the retained anomalies, oldest first.
func (l *Log) Recent() []Anomaly {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Anomaly, len(l.items))
	copy(out, l.items)
	return out
}

// Total is the number of anomalies recorded since the last Reset, including
// ones that have scrolled out.
func (l *Log) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Reset empties the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = l.items[:0]
	l.total = 0
}
