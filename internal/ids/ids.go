// Package ids allocates the 16-bit client ids a server hands out. Ids
// come from a monotonically increasing counter that probes past ids
// still in use, so a freshly released id is not reused until the
// counter wraps around to it.
package ids

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

// ErrExhausted means that every id is currently in use.
var ErrExhausted = errors.New("minilink: client ids exhausted")

// Allocator hands out unique ids. The zero value is ready to use and
// starts numbering at zero. Safe for concurrent use; allocation uses
// the live set directly rather than a lock around the whole allocator.
type Allocator struct {
	count atomic.Int64
	live  sync.Map
	next  atomic.Uint32
}

// Allocate returns an id not currently in use.
func (a *Allocator) Allocate() (uint16, error) {
	for probes := 0; probes <= math.MaxUint16; probes++ {
		id := uint16(a.next.Add(1) - 1)
		if _, taken := a.live.LoadOrStore(id, struct{}{}); !taken {
			a.count.Add(1)
			return id, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns an id to the pool. Releasing an id that is not live
// does nothing.
func (a *Allocator) Release(id uint16) {
	if _, live := a.live.LoadAndDelete(id); live {
		a.count.Add(-1)
	}
}

// Live returns whether the id is currently allocated.
func (a *Allocator) Live(id uint16) bool {
	_, live := a.live.Load(id)
	return live
}

// Count returns how many ids are currently allocated.
func (a *Allocator) Count() int {
	return int(a.count.Load())
}

// Reset forgets every allocation and restarts numbering at zero.
func (a *Allocator) Reset() {
	a.live.Clear()
	a.next.Store(0)
	a.count.Store(0)
}

// Default is the process-wide allocator used by servers.
var Default = &Allocator{}

// Allocate calls [Allocator.Allocate] on [Default].
func Allocate() (uint16, error) {
	return Default.Allocate()
}

// Release calls [Allocator.Release] on [Default].
func Release(id uint16) {
	Default.Release(id)
}

// Reset calls [Allocator.Reset] on [Default].
func Reset() {
	Default.Reset()
}
