package tcp

import (
	"context"
	"log/slog"
	"time"
)

// tick runs expired timers of a live connection.
func (c *conn) tick(now time.Time) {
	if c.dead || c.tcb._state == StateListen || c.bound {
		return
	}
	if !c.twAt.IsZero() && !now.Before(c.twAt) {
		c.debug("tcp:timewait-expired", slog.String("tuple", c.tuple.String()))
		c.terminate(nil)
		return
	}
	if !c.rtoAt.IsZero() && !now.Before(c.rtoAt) {
		c.onRTO(now)
		if c.dead {
			return
		}
	}
	if !c.persist.IsZero() && !now.Before(c.persist) {
		c.probe(now)
	}
	if !c.ackAt.IsZero() && !now.Before(c.ackAt) {
		c.sendAck()
	}
}

// onRTO retransmits the oldest unacknowledged segment and backs off. A
// connection whose consecutive timeouts exceed MaxRetries aborts locally.
func (c *conn) onRTO(now time.Time) {
	c.retries++
	if c.retries > c.stk.cfg.MaxRetries {
		c.stk.stats.timeouts.Add(1)
		c.info("tcp:rto-abort", slog.String("tuple", c.tuple.String()), slog.Int("retries", c.retries-1))
		c.terminate(ErrTimedOut)
		return
	}
	c.rto = c.bo.NextBackOff()
	if c.logenabled(slog.LevelDebug) {
		c.debug("tcp:rto", slog.String("tuple", c.tuple.String()), slog.Int("retry", c.retries), slog.Duration("next", c.rto))
	}
	c.retransmit()
	c.rtoAt = now.Add(c.rto)
}

// Tick runs the connection timers (retransmission, persist, delayed ACK and
// TIME-WAIT) that expired at the stack's current time. It is driven by
// [Stack.RunTimers] or called directly with a simulated clock.
func (s *Stack) Tick() {
	now := s.Now()
	for i := range s.tbl.conns {
		c := &s.tbl.conns[i]
		c.mu.Lock()
		if !c.inUse {
			c.mu.Unlock()
			continue
		}
		c.tick(now)
		p := c.takePost()
		c.mu.Unlock()
		s.post(p)
	}
}

// RunTimers calls [Stack.Tick] every period until ctx is done.
func (s *Stack) RunTimers(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}
