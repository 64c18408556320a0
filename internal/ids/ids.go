package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes keep identifiers self-describing in logs and audit rows.
const (
	PrefixExtraction   = "ext"
	PrefixAnalysis     = "ana"
	PrefixOrganization = "org"
	PrefixPrincipal    = "usr"
	PrefixAudit        = "aud"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return newAt(time.Now())
}

// NewWithPrefix returns "<prefix>_<ulid>". An empty prefix yields a bare ULID.
func NewWithPrefix(prefix string) string {
	id := newAt(time.Now())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Prefix reports the prefix part of an identifier produced by NewWithPrefix.
func Prefix(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

func newAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
