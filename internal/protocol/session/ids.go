package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// BareSessionID is reserved for chunked transfers sent without a handshake.
const BareSessionID uint8 = 0

var ErrSessionCollision = errors.New("session: session id collision")

// IDAllocator hands out handshake session ids from a wrapping counter over
// 1..255, skipping ids that are still in flight.
type IDAllocator struct {
	mu    sync.Mutex
	next  uint8
	inUse map[uint8]struct{}
}

func NewIDAllocator() *IDAllocator {
	return &IDAllocator{
		next:  1,
		inUse: make(map[uint8]struct{}),
	}
}

func (a *IDAllocator) Acquire() (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for range 255 {
		id := a.next
		a.next++
		if a.next == BareSessionID {
			a.next = 1
		}
		if _, busy := a.inUse[id]; busy {
			continue
		}
		a.inUse[id] = struct{}{}
		return id, nil
	}
	return 0, fmt.Errorf("%w: all session ids in use", ErrSessionCollision)
}

// Reserve claims a specific id, failing if it is already held.
func (a *IDAllocator) Reserve(id uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inUse[id]; busy {
		return fmt.Errorf("%w: session %d in use", ErrSessionCollision, id)
	}
	a.inUse[id] = struct{}{}
	return nil
}

func (a *IDAllocator) Release(id uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, id)
}

func (a *IDAllocator) Active() []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint8, 0, len(a.inUse))
	for id := range a.inUse {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
