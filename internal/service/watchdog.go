package service

import (
	"sync"
	"time"
)

// JoinWatchdog schedules one check per appointment after the first party
// joins. Arming an already armed appointment is a no-op.
type JoinWatchdog struct {
	grace   time.Duration
	fire    func(sessionID string)
	mu      sync.Mutex
	timers  map[string]*time.Timer // appointmentID -> timer
	stopped bool
}

// NewJoinWatchdog creates a watchdog calling fire(sessionID) after grace.
func NewJoinWatchdog(grace time.Duration, fire func(sessionID string)) *JoinWatchdog {
	return &JoinWatchdog{grace: grace, fire: fire, timers: make(map[string]*time.Timer)}
}

// Arm starts the grace timer for appointmentID unless one is running.
func (w *JoinWatchdog) Arm(appointmentID, sessionID string) {
	if w.grace <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if _, ok := w.timers[appointmentID]; ok {
		return
	}
	w.timers[appointmentID] = time.AfterFunc(w.grace, func() {
		w.mu.Lock()
		delete(w.timers, appointmentID)
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			w.fire(sessionID)
		}
	})
}

// Disarm cancels the timer of appointmentID.
func (w *JoinWatchdog) Disarm(appointmentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[appointmentID]; ok {
		t.Stop()
		delete(w.timers, appointmentID)
	}
}

// Pending returns the number of armed timers.
func (w *JoinWatchdog) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Stop cancels all timers; later Arm calls are ignored.
func (w *JoinWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
