// Package ids mints the identifiers the runtime hands out: random instance
// ids, stable connection ids derived from configuration, and sortable frame
// ids for messages on the wire.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var stableNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/drblury/rflow"))

// NewInstanceID returns a random identifier for a component instance.
func NewInstanceID() string {
	return uuid.NewString()
}

// StableID derives a deterministic identifier from parts. The same parts always
// yield the same id, so resolving an unchanged graph twice produces identical
// connection addresses.
func StableID(parts ...string) string {
	return uuid.NewSHA1(stableNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

var (
	frameMu      sync.Mutex
	frameEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewFrameID returns a ULID for a message frame. Ids minted by one process
// sort in the order they were minted, even within one millisecond.
func NewFrameID() string {
	frameMu.Lock()
	defer frameMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), frameEntropy).String()
}
