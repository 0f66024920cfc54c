package hub

import (
	"sync"
	"time"
)

type timerKey struct {
	sessionID string
	driverID  string
}

// OfferTimers schedules per-(session, driver) expiry callbacks for ride
// offers. The composite key prevents cross-talk between concurrent
// offers in different sessions. Cancellation races with firing are
// resolved by the state machine's own guard, not here: a fired callback
// whose offer was already settled is a no-op inside the transition.
type OfferTimers struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	closed bool
}

func NewOfferTimers() *OfferTimers {
	return &OfferTimers{timers: make(map[timerKey]*time.Timer)}
}

// Schedule arms the expiry callback for the (session, driver) pair,
// replacing any previous timer for the same pair.
func (t *OfferTimers) Schedule(sessionID, driverID string, d time.Duration, onExpire func()) {
	key := timerKey{sessionID: sessionID, driverID: driverID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if prev, ok := t.timers[key]; ok {
		prev.Stop()
	}
	t.timers[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		onExpire()
	})
}

// Cancel stops the pair's timer if still pending. Returns false when
// the timer already fired or never existed.
func (t *OfferTimers) Cancel(sessionID, driverID string) bool {
	key := timerKey{sessionID: sessionID, driverID: driverID}
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[key]
	if !ok {
		return false
	}
	delete(t.timers, key)
	return timer.Stop()
}

// Shutdown cancels every outstanding timer so no expiry callback fires
// after the hub stops.
func (t *OfferTimers) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}

func (t *OfferTimers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
