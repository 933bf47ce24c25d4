package store

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shawkridge/athena/types"
)

// idGenerator produces process-wide unique, time-ordered 64-bit IDs in
// the Twitter-snowflake shape: 41 bits of millisecond timestamp since a
// custom epoch, 10 bits of generator ID, 12 bits of per-millisecond
// sequence. No ID-generation library exists anywhere in the example
// corpus, so this is a justified stdlib implementation (see DESIGN.md).
type idGenerator struct {
	mu        sync.Mutex
	epoch     time.Time
	generator int64
	lastMs    int64
	seq       int64
}

const (
	idTimestampBits = 41
	idGeneratorBits = 10
	idSequenceBits  = 12
	idSequenceMask  = (1 << idSequenceBits) - 1
	idGeneratorMask = (1 << idGeneratorBits) - 1
)

// athenaEpoch anchors the generator's 41-bit timestamp field so IDs stay
// small for decades; it has no calendar significance.
var athenaEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newIDGenerator(generatorID int64) *idGenerator {
	return &idGenerator{epoch: athenaEpoch, generator: generatorID & idGeneratorMask}
}

// next returns the next ID, blocking briefly if the local sequence space
// for the current millisecond is exhausted.
func (g *idGenerator) next() types.ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Since(g.epoch).Milliseconds()
	if now == g.lastMs {
		g.seq = (g.seq + 1) & idSequenceMask
		if g.seq == 0 {
			for now <= g.lastMs {
				now = time.Since(g.epoch).Milliseconds()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMs = now

	id := (now << (idGeneratorBits + idSequenceBits)) |
		(g.generator << idSequenceBits) |
		g.seq

	return types.ID(fmt.Sprintf("%d", id))
}

// IDString renders a row's int64 primary key as the opaque types.ID the
// public API surfaces.
func IDString(id int64) types.ID {
	return types.ID(strconv.FormatInt(id, 10))
}

// ParseID recovers the int64 primary key backing an opaque types.ID.
func ParseID(id types.ID) (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}
