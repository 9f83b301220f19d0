package proto

import "time"

// tryAcceptReset implements the reset protocol of spec.md §4.B: a RESET
// payload carrying timestamp T is accepted iff |T-now| <= rst_win_ns and
// the contest-resolution rules below pick it over this side's own
// last_reset_time. Caller holds no lock; this method takes it itself.
func (e *Engine) tryAcceptReset(t uint64, now time.Time) bool {
	rstWin := int64(e.cfg.RstWinNs)
	nowNs := now.UnixNano()

	candidateAge := nowNs - int64(t)
	if candidateAge > rstWin || candidateAge < -rstWin {
		e.st.Inc("reset_out_of_window")
		return false
	}

	e.mu.Lock()
	hasReset := !e.lastResetAt.IsZero()
	var selfRecent bool
	if hasReset {
		selfAge := nowNs - e.lastResetAt.UnixNano()
		selfRecent = selfAge <= rstWin && selfAge >= -rstWin
	}

	accept := true
	switch {
	case !hasReset:
		// neither side has a recent reset: the received T wins.
		accept = true
	case selfRecent && candidateAge >= -rstWin && candidateAge <= rstWin:
		// both recent: later-in-time T wins.
		accept = t > e.lastResetTime
	case selfRecent:
		// self's reset recent, peer's old: ignore.
		accept = false
	default:
		accept = true
	}

	if !accept {
		e.mu.Unlock()
		e.st.Inc("reset_rejected")
		return false
	}

	e.lastResetTime = t
	e.lastResetAt = now
	e.inSync = true
	e.consecutiveBad = 0

	// Both windows are cleared; counters re-seeded from T via the
	// role-specific offsets, not zero (spec.md §9 supplement). outwnd's
	// base is exclusive, so the first assignable sequence number sits one
	// past the offset that reseeds it.
	e.outwnd.Reset(e.cfg.Role.egressOffset())
	e.nextSeqno = e.cfg.Role.egressOffset() + 1
	e.inMaxSeqno = e.cfg.Role.ingressOffset()
	e.inwnd.Reset(e.inMaxSeqno)
	for seq, pd := range e.descs {
		delete(e.descs, seq)
		e.ops.HandleNegAck(pd)
	}
	e.mu.Unlock()

	e.ops.HandleReset()
	return true
}

// ForceReset lets the user request a reset (spec.md §4.B: "A forced reset
// may be requested by the user"), triggered by out-of-spec conditions such
// as count > requested in AREQ or consecutive_bad_pkts >= 10.
func (e *Engine) ForceReset(t uint64, now time.Time) bool {
	e.st.Inc("forced_reset")
	return e.tryAcceptReset(t, now)
}
