package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrashLoopWithinWindow(t *testing.T) {
	w := New(300*time.Second, 3, nil)

	base := time.Now().Add(-2 * time.Minute)
	w.RecordCrash("c1", base)
	w.RecordCrash("c1", base.Add(60*time.Second))
	assert.False(t, w.IsCrashLooping("c1"))

	w.RecordCrash("c1", base.Add(120*time.Second))
	assert.True(t, w.IsCrashLooping("c1"), "three crashes inside the window must trip the threshold")
}

func TestThirdCrashOutsideWindow(t *testing.T) {
	w := New(300*time.Second, 3, nil)

	base := time.Now().Add(-500 * time.Second)
	w.RecordCrash("c1", base)
	w.RecordCrash("c1", base.Add(60*time.Second))
	w.RecordCrash("c1", base.Add(400*time.Second))

	assert.False(t, w.IsCrashLooping("c1"), "the first two crashes have aged out of the window")
}

func TestNotificationIsEdgeTriggered(t *testing.T) {
	var events []Event
	w := New(300*time.Second, 3, func(e Event) {
		events = append(events, e)
	})

	base := time.Now()
	w.RecordCrash("c1", base)
	w.RecordCrash("c1", base.Add(time.Second))
	require.Empty(t, events)

	w.RecordCrash("c1", base.Add(2*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, "c1", events[0].ContainerId)
	assert.Equal(t, 3, events[0].Crashes)

	// Still looping: no further notification.
	w.RecordCrash("c1", base.Add(3*time.Second))
	w.RecordCrash("c1", base.Add(4*time.Second))
	assert.Len(t, events, 1)
}

func TestCheckAll(t *testing.T) {
	w := New(300*time.Second, 3, nil)

	now := time.Now()
	for i := 0; i < 3; i++ {
		w.RecordCrash("bad-1", now.Add(time.Duration(i)*time.Second))
		w.RecordCrash("bad-2", now.Add(time.Duration(i)*time.Second))
	}
	w.RecordCrash("fine", now)

	assert.Equal(t, []string{"bad-1", "bad-2"}, w.CheckAll())
}

func TestStatusSnapshot(t *testing.T) {
	w := New(300*time.Second, 3, nil)

	now := time.Now()
	w.RecordCrash("c1", now)
	w.RecordCrash("c1", now.Add(time.Second))

	status := w.Status()
	require.Contains(t, status, "c1")
	assert.Equal(t, 2, status["c1"].Crashes)
	assert.False(t, status["c1"].CrashLooping)
}

func TestObserveExitDeduplicatesAndStops(t *testing.T) {
	w := New(300*time.Second, 3, nil)

	exit := time.Now()
	assert.False(t, w.observeExit("c1", "srv-1", exit, 1))
	// Same exit observed on a later sweep must not count twice.
	assert.False(t, w.observeExit("c1", "srv-1", exit, 1))

	assert.False(t, w.observeExit("c1", "srv-1", exit.Add(time.Second), 1))
	assert.True(t, w.observeExit("c1", "srv-1", exit.Add(2*time.Second), 1))

	w.markStopped("c1")
	assert.False(t, w.observeExit("c1", "srv-1", exit.Add(3*time.Second), 1), "stopped containers are not re-counted")
}

func TestCleanExitIsNotACrash(t *testing.T) {
	w := New(300*time.Second, 3, nil)

	exit := time.Now()
	for i := 0; i < 5; i++ {
		w.observeExit("c1", "srv-1", exit.Add(time.Duration(i)*time.Second), 0)
	}
	assert.False(t, w.IsCrashLooping("c1"))
}
