// Package correlation holds the process-scoped correlation identifier used to
// attribute log lines and daemon responses to a single run.
// Format: corr-XXXXXXXXXXXXXXXX (corr- prefix + 16 hex chars).
package correlation

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Prefix is prepended to every generated identifier.
const Prefix = "corr-"

// ID is an immutable correlation identifier.
type ID string

// String implements fmt.Stringer.
func (id ID) String() string {
	if id == "" {
		return "none"
	}
	return string(id)
}

var (
	once    sync.Once
	current ID
)

// Generate returns a fresh identifier: low 32 bits of the wall clock in
// nanoseconds followed by 32 random bits.
func Generate() ID {
	ts := uint32(time.Now().UnixNano())

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is not worth aborting a run over
		binary.BigEndian.PutUint32(buf[:], uint32(time.Now().UnixNano()>>32))
	}
	return ID(fmt.Sprintf("%s%08x%08x", Prefix, ts, binary.BigEndian.Uint32(buf[:])))
}

// Init establishes the process-wide identifier. The first call wins; later
// calls return the identifier established by the first one. An empty
// provided value generates a new identifier.
func Init(provided string) ID {
	once.Do(func() {
		provided = strings.TrimSpace(provided)
		if provided != "" {
			current = ID(provided)
			return
		}
		current = Generate()
	})
	return current
}

// Current returns the identifier established by Init, if any.
func Current() (ID, bool) {
	return current, current != ""
}
