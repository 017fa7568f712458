// Package timer schedules deferred and periodic callbacks owned by devices.
// Callbacks run on a fixed pool of worker goroutines, never on the goroutine
// that scheduled them.
package timer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultWorkers is the pool size used when NewScheduler is given zero workers.
const DefaultWorkers = 4

var (
	ErrStopped = errors.New("scheduler stopped")
	ErrRetired = errors.New("owner retired")
)

// Func is a timer callback. It may call t.Reschedule to run again.
type Func func(t *Timer)

type state int

const (
	statePending state = iota
	stateQueued
	stateRunning
	stateDone
	stateCancelled
)

// Timer is a handle on a scheduled callback.
type Timer struct {
	s     *Scheduler
	owner string
	fn    Func

	// guarded by s.mu
	state state
	gen   uint64
	timer *time.Timer
	again bool
	delay time.Duration
}

// Owner returns the owner the timer was scheduled for.
func (t *Timer) Owner() string { return t.owner }

// Reschedule arms t again after delay. Called from inside the callback it
// takes effect when the callback returns.
func (t *Timer) Reschedule(delay time.Duration) bool {
	return t.s.Reschedule(t, delay)
}

// Cancel stops t. A running callback completes but does not run again.
func (t *Timer) Cancel() bool {
	return t.s.Cancel(t)
}

// Cancelled reports whether t was cancelled.
func (t *Timer) Cancelled() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.state == stateCancelled
}

// Scheduler runs timer callbacks on a worker pool.
type Scheduler struct {
	logger log.Ext1FieldLogger

	mu      sync.Mutex
	idle    *sync.Cond
	owners  map[string]map[*Timer]struct{}
	running map[string]int
	retired map[string]struct{}
	stopped bool

	queue    chan *Timer
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a scheduler and starts its workers.
func NewScheduler(workers int, logger log.Ext1FieldLogger) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	s := &Scheduler{
		logger:  logger,
		owners:  make(map[string]map[*Timer]struct{}),
		running: make(map[string]int),
		retired: make(map[string]struct{}),
		queue:   make(chan *Timer, 64),
		done:    make(chan struct{}),
	}
	s.idle = sync.NewCond(&s.mu)

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Schedule runs fn once after delay on behalf of owner.
func (s *Scheduler) Schedule(owner string, delay time.Duration, fn Func) (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	if _, ok := s.retired[owner]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRetired, owner)
	}

	t := &Timer{s: s, owner: owner, fn: fn}
	s.track(t)
	s.arm(t, delay)
	return t, nil
}

// Reschedule arms t again after delay. It returns false for cancelled timers.
func (s *Scheduler) Reschedule(t *Timer, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.retired[t.owner]; ok {
		return false
	}

	switch t.state {
	case stateCancelled:
		return false
	case stateRunning:
		t.again = true
		t.delay = delay
	case stateDone:
		s.track(t)
		s.arm(t, delay)
	default:
		if t.timer != nil {
			t.timer.Stop()
		}
		s.arm(t, delay)
	}
	return true
}

// Cancel stops t. A callback already running completes its current
// invocation but is not rescheduled.
func (s *Scheduler) Cancel(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel(t)
}

// CancelOwner cancels every timer of owner and returns how many were live.
func (s *Scheduler) CancelOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelOwner(owner)
}

// Retire cancels every timer of owner and refuses new ones until Restore is
// called. Callbacks still running cannot rearm themselves, so a following
// Wait always returns.
func (s *Scheduler) Retire(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired[owner] = struct{}{}
	return s.cancelOwner(owner)
}

// Restore lets owner schedule timers again after Retire.
func (s *Scheduler) Restore(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retired, owner)
}

// cancelOwner must be called with s.mu held.
func (s *Scheduler) cancelOwner(owner string) int {
	n := 0
	for t := range s.owners[owner] {
		if s.cancel(t) {
			n++
		}
	}
	delete(s.owners, owner)
	return n
}

// Wait blocks until no callback of owner is running. It must not be called
// from one of owner's callbacks.
func (s *Scheduler) Wait(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running[owner] > 0 {
		s.idle.Wait()
	}
}

// Pending returns the number of live timers of owner.
func (s *Scheduler) Pending(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners[owner])
}

// Stop cancels every timer and waits for the workers to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		for owner, set := range s.owners {
			for t := range set {
				s.cancel(t)
			}
			delete(s.owners, owner)
		}
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()
	})
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(t *Timer, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	t.gen++
	gen := t.gen
	t.state = statePending
	t.again = false
	t.timer = time.AfterFunc(delay, func() {
		s.fire(t, gen)
	})
}

// cancel must be called with s.mu held.
func (s *Scheduler) cancel(t *Timer) bool {
	switch t.state {
	case stateCancelled, stateDone:
		return false
	case stateRunning:
		t.state = stateCancelled
		t.again = false
	default:
		if t.timer != nil {
			t.timer.Stop()
		}
		t.state = stateCancelled
		s.forget(t)
	}
	return true
}

func (s *Scheduler) track(t *Timer) {
	set, ok := s.owners[t.owner]
	if !ok {
		set = make(map[*Timer]struct{})
		s.owners[t.owner] = set
	}
	set[t] = struct{}{}
}

func (s *Scheduler) forget(t *Timer) {
	if set, ok := s.owners[t.owner]; ok {
		delete(set, t)
		if len(set) == 0 {
			delete(s.owners, t.owner)
		}
	}
}

func (s *Scheduler) fire(t *Timer, gen uint64) {
	s.mu.Lock()
	if t.state != statePending || t.gen != gen {
		s.mu.Unlock()
		return
	}
	t.state = stateQueued
	s.mu.Unlock()

	select {
	case s.queue <- t:
	case <-s.done:
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.queue:
			s.run(t)
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) run(t *Timer) {
	s.mu.Lock()
	if t.state != stateQueued {
		s.mu.Unlock()
		return
	}
	t.state = stateRunning
	s.running[t.owner]++
	s.mu.Unlock()

	if err := s.call(t); err != nil {
		s.logger.WithField("owner", t.owner).Errorf("Timer callback failed: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.running[t.owner]--
	if s.running[t.owner] == 0 {
		delete(s.running, t.owner)
	}
	switch {
	case t.state == stateRunning && t.again && !s.stopped:
		s.arm(t, t.delay)
	case t.state == stateRunning:
		t.state = stateDone
		s.forget(t)
	default:
		s.forget(t)
	}
	s.idle.Broadcast()
}

func (s *Scheduler) call(t *Timer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	t.fn(t)
	return nil
}
