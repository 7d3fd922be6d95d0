package audit

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a lexicographically sortable identifier derived from the
// event time and random entropy. Times outside the ULID range use the
// current time instead.
func newID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	ms := uint64(0)
	if at.UnixMilli() > 0 {
		ms = ulid.Timestamp(at)
	}
	if ms == 0 || ms > ulid.MaxTime() {
		ms = ulid.Now()
	}
	id, err := ulid.New(ms, entropy)
	if err != nil {
		// Monotonic entropy overflowed within the same millisecond.
		id = ulid.Make()
	}
	return id.String()
}
