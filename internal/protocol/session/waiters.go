package session

import "sync"

// AckKey identifies one outstanding chunk acknowledgment.
type AckKey struct {
	SessionID uint8
	Seq       uint16
}

// Reply is the receiver's answer to a file request.
type Reply struct {
	Accepted bool
	Reason   string
}

// Waiters tracks senders blocked on an Ack or a handshake reply. Stop-and-wait
// means at most one waiter per key; a second Expect replaces the first.
type Waiters struct {
	mu      sync.Mutex
	acks    map[AckKey]chan struct{}
	replies map[uint8]chan Reply
}

func NewWaiters() *Waiters {
	return &Waiters{
		acks:    make(map[AckKey]chan struct{}),
		replies: make(map[uint8]chan Reply),
	}
}

// ExpectAck registers a waiter and returns its channel plus a cancel func
// that removes it if it is still registered.
func (w *Waiters) ExpectAck(sid uint8, seq uint16) (<-chan struct{}, func()) {
	key := AckKey{SessionID: sid, Seq: seq}
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.acks[key] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if cur, ok := w.acks[key]; ok && cur == ch {
			delete(w.acks, key)
		}
	}
}

// ResolveAck wakes the waiter for (sid, seq). It reports false for a late or
// unexpected Ack.
func (w *Waiters) ResolveAck(sid uint8, seq uint16) bool {
	key := AckKey{SessionID: sid, Seq: seq}
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.acks[key]
	if !ok {
		return false
	}
	delete(w.acks, key)
	ch <- struct{}{}
	return true
}

func (w *Waiters) ExpectReply(sid uint8) (<-chan Reply, func()) {
	ch := make(chan Reply, 1)
	w.mu.Lock()
	w.replies[sid] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if cur, ok := w.replies[sid]; ok && cur == ch {
			delete(w.replies, sid)
		}
	}
}

func (w *Waiters) ResolveReply(sid uint8, reply Reply) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.replies[sid]
	if !ok {
		return false
	}
	delete(w.replies, sid)
	ch <- reply
	return true
}

// Clear forgets every waiter. Blocked senders are released by the link's
// connection context, not by this call.
func (w *Waiters) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.acks)
	clear(w.replies)
}

func (w *Waiters) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.acks) + len(w.replies)
}
