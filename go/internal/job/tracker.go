package job

import "sync"

// tracker counts running jobs and wakes the executor loop when capacity frees
// up or new work was scheduled.
type tracker struct {
	min, max int

	mu      sync.Mutex
	running int
	notify  chan struct{}
}

func newTracker(minJobs, maxJobs int) *tracker {
	return &tracker{
		min:    minJobs,
		max:    maxJobs,
		notify: make(chan struct{}, 1),
	}
}

// nextBatchSize returns how many jobs to poll for, or false when enough are running.
func (t *tracker) nextBatchSize() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running < t.min {
		return t.max - t.running, true
	}
	return 0, false
}

func (t *tracker) jobStarted() {
	t.mu.Lock()
	t.running++
	t.mu.Unlock()
}

func (t *tracker) jobFinished() {
	t.mu.Lock()
	t.running--
	t.mu.Unlock()
	t.wake()
}

func (t *tracker) runningJobs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *tracker) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *tracker) notified() <-chan struct{} {
	return t.notify
}
