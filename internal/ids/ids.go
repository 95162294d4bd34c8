package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a prefixed ULID such as "job_01HZX3T8J6Q9V0K5M2N4P7R1SD".
// IDs minted within the same millisecond still sort in creation order.
func New(prefix string) string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		panic("ids: prefix cannot be empty")
	}

	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()

	return prefix + "_" + id.String()
}

// Valid reports whether id has the prefix_ULID shape produced by New.
func Valid(id string) bool {
	prefix, rest, ok := strings.Cut(id, "_")
	if !ok || prefix == "" || len(rest) != ulid.EncodedSize {
		return false
	}
	for _, r := range prefix {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	_, err := ulid.ParseStrict(rest)
	return err == nil
}
