package matchsync

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// timerSlot holds at most one pending callback. Re-arming or stopping a slot
// invalidates a callback that already fired but has not taken the lock yet.
type timerSlot struct {
	timer clockwork.Timer
	id    uint64
}

func (t *timerSlot) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.id = 0
}

// armLocked replaces whatever slot held with fn after d. fn runs with s.mu held
// and may return work to run once the lock is released. Caller holds s.mu.
func (s *Synchronizer) armLocked(slot *timerSlot, d time.Duration, fn func() func()) {
	slot.stop()
	s.timerSeq++
	id := s.timerSeq
	slot.id = id
	slot.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.closed || slot.id != id {
			s.mu.Unlock()
			return
		}
		slot.timer = nil
		slot.id = 0
		after := fn()
		s.mu.Unlock()
		if after != nil {
			after()
		}
	})
}

// playerFreeze is the countdown of one frozen player: a per-second display
// tick plus a deadline that unfreezes even if ticks were missed
type playerFreeze struct {
	remaining int
	tick      timerSlot
	deadline  timerSlot
}

func (f *playerFreeze) stop() {
	f.tick.stop()
	f.deadline.stop()
}

// ceilTicks rounds d up to whole ticks
func ceilTicks(d, tick time.Duration) int {
	n := int(d / tick)
	if d%tick != 0 {
		n++
	}
	return n
}
