package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used for ack tokens and batch entry identifiers.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// CreateULIDs returns n distinct ULIDs in increasing order.
func CreateULIDs(n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	entropyMu.Lock()
	defer entropyMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	for i := range out {
		out[i] = ulid.MustNew(ms, entropy).String()
	}
	return out
}

// Time extracts the creation time encoded in a ULID string.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
