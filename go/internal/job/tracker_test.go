package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_BatchSize(t *testing.T) {
	tr := newTracker(2, 5)

	n, ok := tr.nextBatchSize()
	assert.True(t, ok)
	assert.Equal(t, 5, n)

	tr.jobStarted()
	n, ok = tr.nextBatchSize()
	assert.True(t, ok)
	assert.Equal(t, 4, n)

	tr.jobStarted()
	_, ok = tr.nextBatchSize()
	assert.False(t, ok)
	assert.Equal(t, 2, tr.runningJobs())
}

func TestTracker_FinishedJobWakes(t *testing.T) {
	tr := newTracker(1, 1)
	tr.jobStarted()
	tr.jobFinished()

	select {
	case <-tr.notified():
	default:
		t.Fatal("expected a wake-up after a job finished")
	}

	tr.wake()
	tr.wake()
	<-tr.notified()
	select {
	case <-tr.notified():
		t.Fatal("wake-ups must coalesce")
	default:
	}
}
