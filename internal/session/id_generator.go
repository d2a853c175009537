package session

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// ID is an HLC session identifier as carried in the V2G message header.
type ID [8]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the ID is the all-zero value a vehicle sends before
// a session exists.
func (id ID) IsZero() bool { return id == ID{} }

// IDGenerator hands out session IDs that are unique among live sessions.
type IDGenerator struct {
	strategy string
	next     uint64
	rand     io.Reader
	used     map[ID]bool
	mu       sync.Mutex
}

// NewIDGenerator creates a generator. Strategy is "random" or "sequential";
// start seeds the sequential counter and rnd the random source (crypto/rand
// when nil).
func NewIDGenerator(strategy string, start uint64, rnd io.Reader) *IDGenerator {
	if start == 0 {
		start = 1 // the zero ID means "no session"
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	return &IDGenerator{
		strategy: strategy,
		next:     start,
		rand:     rnd,
		used:     make(map[ID]bool),
	}
}

// Allocate returns a fresh session ID.
func (g *IDGenerator) Allocate() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id ID
	switch g.strategy {
	case "sequential":
		for i := 0; i < 1000000; i++ {
			if g.next == 0 {
				g.next = 1
			}
			binary.BigEndian.PutUint64(id[:], g.next)
			g.next++
			if !g.used[id] {
				g.used[id] = true
				return id, nil
			}
		}
		return ID{}, fmt.Errorf("failed to allocate sequential session ID: too many collisions")
	case "random":
		for attempts := 0; attempts < 10000; attempts++ {
			if _, err := io.ReadFull(g.rand, id[:]); err != nil {
				return ID{}, fmt.Errorf("failed to read random session ID: %w", err)
			}
			if id.IsZero() || g.used[id] {
				continue
			}
			g.used[id] = true
			return id, nil
		}
		return ID{}, fmt.Errorf("failed to allocate random session ID after 10000 attempts")
	default:
		return ID{}, fmt.Errorf("unknown session ID strategy: %s", g.strategy)
	}
}

// Release frees an ID when its session ends.
func (g *IDGenerator) Release(id ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.used, id)
}

// AllocatedCount returns the number of live IDs.
func (g *IDGenerator) AllocatedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.used)
}
