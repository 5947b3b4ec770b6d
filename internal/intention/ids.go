package intention

import (
	"strconv"
	"sync"
	"time"
)

// Clock supplies creation timestamps. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock, truncated to milliseconds so a record
// survives a JSON round trip unchanged.
type SystemClock struct{}

// Now returns the current time in UTC at millisecond precision.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// IDGenerator produces identifiers for locally created records.
type IDGenerator interface {
	NewID(at time.Time) string
}

// TimestampIDs derives IDs from the creation time in Unix milliseconds.
// Two records created in the same millisecond get consecutive values, so IDs
// never collide within a process.
//
// Thread-safety: safe for concurrent use.
type TimestampIDs struct {
	mu   sync.Mutex
	last int64
}

// NewID returns the millisecond timestamp of at, bumped past the last value
// handed out.
func (g *TimestampIDs) NewID(at time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := at.UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return strconv.FormatInt(ms, 10)
}
