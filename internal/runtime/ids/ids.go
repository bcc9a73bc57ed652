package ids

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a time-sortable ULID encoded as a 26-character string.
// Used for pipeline run ids and batch ids.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ShortSuffix returns n random lowercase alphanumeric characters, used to
// default a stage id to "TypeName-xxxxxx" when none is configured.
func ShortSuffix(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the platform source is broken;
			// fall back to a time-derived index rather than panicking.
			buf[i] = suffixAlphabet[time.Now().UnixNano()%int64(len(suffixAlphabet))]
			continue
		}
		buf[i] = suffixAlphabet[v.Int64()]
	}
	return string(buf)
}
