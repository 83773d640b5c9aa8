package ledger

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGen mints ULIDs and their timestamps under one lock, so id order matches
// CreatedAt order even within the same millisecond.
type IDGen struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func NewIDGen() *IDGen {
	return &IDGen{entropy: ulid.Monotonic(rand.Reader, 0), now: time.Now}
}

// Next returns a new id and the creation time it encodes.
func (g *IDGen) Next() (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(ts), g.entropy)
	return id.String(), ts
}
