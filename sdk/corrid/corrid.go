// Package corrid generates correlation ids for remote calls. An id is a
// per-generator salt followed by a monotonically increasing counter, so ids
// never repeat within a generator and are unlikely to collide across
// generators.
package corrid

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator hands out correlation ids. The zero value is not usable; use New.
type Generator struct {
	salt string
	next atomic.Uint64
}

// New returns a Generator salted with a random session token.
func New() *Generator {
	return NewWithSalt(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// NewWithSalt returns a Generator using the given salt.
func NewWithSalt(salt string) *Generator {
	return &Generator{salt: salt}
}

// Next returns the next id.
func (g *Generator) Next() string {
	n := g.next.Add(1)
	return g.salt + "-" + strconv.FormatUint(n, 36)
}

// Salt returns the generator's salt.
func (g *Generator) Salt() string { return g.salt }
