package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier. Identifiers produced by
// one process are strictly increasing, which audit ordering relies on.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a sortable identifier whose timestamp component is t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Time returns the timestamp component of an identifier made by New or NewAt.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

// Random returns a random UUID string for identities that must not leak ordering,
// such as guest accounts and refresh token ids.
func Random() string {
	return uuid.NewString()
}
