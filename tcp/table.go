package tcp

import "sync"

// table is the fixed capacity connection table. Lock order is table.mu then
// conn.mu; neither is held across a blocking call.
type table struct {
	mu     sync.Mutex
	conns  []conn
	cursor uint16 // next ephemeral port candidate.
}

// find returns the connection a segment for tuple belongs to: an exact 4-tuple
// match first, else a listener on the local port. Caller holds t.mu.
func (t *table) find(tuple Tuple) *conn {
	for i := range t.conns {
		c := &t.conns[i]
		if c.inUse && !c.bound && !c.listening && c.tuple == tuple {
			return c
		}
	}
	for i := range t.conns {
		c := &t.conns[i]
		if c.inUse && c.listening && c.tuple.LocalPort == tuple.LocalPort &&
			(c.tuple.LocalAddr == [4]byte{} || c.tuple.LocalAddr == tuple.LocalAddr) {
			return c
		}
	}
	return nil
}

// allocate returns the first free slot. Caller holds t.mu and must activate
// the slot before releasing it.
func (t *table) allocate() (*conn, error) {
	for i := range t.conns {
		if !t.conns[i].inUse {
			return &t.conns[i], nil
		}
	}
	return nil, ErrTableFull
}

// bindCheck rejects a port already reserved by a bound or listening slot. Caller holds t.mu.
func (t *table) bindCheck(port uint16) error {
	for i := range t.conns {
		c := &t.conns[i]
		if c.inUse && (c.bound || c.listening) && c.tuple.LocalPort == port {
			return ErrAddrInUse
		}
	}
	return nil
}

func (t *table) portInUse(port uint16) bool {
	for i := range t.conns {
		if t.conns[i].inUse && t.conns[i].tuple.LocalPort == port {
			return true
		}
	}
	return false
}

// ephemeral returns the next free port of the ephemeral range in round-robin order. Caller holds t.mu.
func (t *table) ephemeral() (uint16, error) {
	const n = ephemeralLast - ephemeralFirst + 1
	for range n {
		if t.cursor < ephemeralFirst {
			t.cursor = ephemeralFirst
		}
		port := t.cursor
		if port == ephemeralLast {
			t.cursor = ephemeralFirst
		} else {
			t.cursor++
		}
		if !t.portInUse(port) {
			return port, nil
		}
	}
	return 0, ErrNoPorts
}

// pending counts un-accepted children of listener lh. Caller holds t.mu.
func (t *table) pending(lh Handle) (n int) {
	for i := range t.conns {
		c := &t.conns[i]
		if c.inUse && !c.accepted && c.parent == lh {
			n++
		}
	}
	return n
}

// nextAccept returns the oldest established un-accepted child of lh. Caller holds t.mu.
func (t *table) nextAccept(lh Handle) *conn {
	var best *conn
	var bestOrder uint64
	for i := range t.conns {
		c := &t.conns[i]
		if !c.inUse || c.accepted || c.parent != lh {
			continue
		}
		c.mu.Lock()
		ok := !c.dead && c.tcb._state.IsSynchronized()
		order := c.order
		c.mu.Unlock()
		if ok && (best == nil || order < bestOrder) {
			best, bestOrder = c, order
		}
	}
	return best
}

// release frees the slot of h. It only succeeds if the connection is Closed.
func (t *table) release(h Handle) bool {
	if int(h.Slot) >= len(t.conns) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &t.conns[h.Slot]
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inUse || c.gen != h.Gen || c.tcb._state != StateClosed {
		return false
	}
	c.free()
	return true
}
