package session

import (
	"github.com/google/uuid"
)

// clientPrefix identifies this implementation in the Azureus-style peer id
// convention, mirroring the teacher's own "-GT0001-" prefix.
const clientPrefix = "-GT0001-"

// NewPeerID generates a 20-byte peer id: the client prefix followed by
// bytes drawn from a fresh UUIDv4, replacing the teacher's ad hoc
// crypto/rand character loop with the uuid package already present (unused)
// in its dependency graph.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)
	u := uuid.New()
	raw := u[:]
	copy(id[len(clientPrefix):], raw)
	return id
}
