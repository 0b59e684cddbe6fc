package watchdog

import (
	"sort"
	"sync"
	"time"
)

// Event is emitted once per transition of a container into the
// crash-looping state.
type Event struct {
	ContainerId string
	ServerId    string
	DetectedAt  time.Time
	Crashes     int
}

type Notifier func(Event)

type tracker struct {
	serverId string
	crashes  []time.Time
	lastExit time.Time
	looping  bool
	stopped  bool
}

// ContainerStatus is a read-only snapshot of a tracked container.
type ContainerStatus struct {
	Crashes      int
	CrashLooping bool
	Stopped      bool
}

// Watchdog tracks per-container crash timestamps over a sliding window and
// classifies containers as crash-looping when the count inside the window
// reaches the threshold.
type Watchdog struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	notify    Notifier
	trackers  map[string]*tracker
}

func New(window time.Duration, threshold int, notify Notifier) *Watchdog {
	return &Watchdog{
		window:    window,
		threshold: threshold,
		notify:    notify,
		trackers:  make(map[string]*tracker),
	}
}

// RecordCrash appends a crash timestamp for a container, pruning entries
// older than the window. The notifier fires exactly once per transition
// into the looping state.
func (w *Watchdog) RecordCrash(containerId string, at time.Time) {
	w.mu.Lock()
	t, ok := w.trackers[containerId]
	if !ok {
		t = &tracker{}
		w.trackers[containerId] = t
	}

	t.crashes = append(t.crashes, at)
	t.crashes = prune(t.crashes, at.Add(-w.window))

	var event *Event
	if len(t.crashes) >= w.threshold && !t.looping {
		t.looping = true
		event = &Event{
			ContainerId: containerId,
			ServerId:    t.serverId,
			DetectedAt:  at,
			Crashes:     len(t.crashes),
		}
	}
	w.mu.Unlock()

	if event != nil && w.notify != nil {
		w.notify(*event)
	}
}

// IsCrashLooping reports whether the container's crash count within the
// window currently meets the threshold.
func (w *Watchdog) IsCrashLooping(containerId string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.looping(containerId, time.Now())
}

func (w *Watchdog) looping(containerId string, now time.Time) bool {
	t, ok := w.trackers[containerId]
	if !ok {
		return false
	}
	t.crashes = prune(t.crashes, now.Add(-w.window))
	if len(t.crashes) < w.threshold {
		// Re-arm edge-triggered notification once the container has
		// aged out of the looping state.
		t.looping = false
		return false
	}
	return true
}

// CheckAll returns the set of container ids currently crash-looping.
func (w *Watchdog) CheckAll() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var looping []string
	for id := range w.trackers {
		if w.looping(id, now) {
			looping = append(looping, id)
		}
	}
	sort.Strings(looping)
	return looping
}

// Status returns a snapshot of all tracked containers.
func (w *Watchdog) Status() map[string]ContainerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	status := make(map[string]ContainerStatus, len(w.trackers))
	for id, t := range w.trackers {
		looping := w.looping(id, now)
		status[id] = ContainerStatus{
			Crashes:      len(t.crashes),
			CrashLooping: looping,
			Stopped:      t.stopped,
		}
	}
	return status
}

func prune(crashes []time.Time, cutoff time.Time) []time.Time {
	kept := crashes[:0]
	for _, c := range crashes {
		if c.After(cutoff) {
			kept = append(kept, c)
		}
	}
	return kept
}

func (w *Watchdog) observeExit(containerId, serverId string, finishedAt time.Time, exitCode int) bool {
	w.mu.Lock()
	t, ok := w.trackers[containerId]
	if !ok {
		t = &tracker{}
		w.trackers[containerId] = t
	}
	t.serverId = serverId

	if t.stopped || exitCode == 0 || !finishedAt.After(t.lastExit) {
		w.mu.Unlock()
		return false
	}
	t.lastExit = finishedAt
	w.mu.Unlock()

	w.RecordCrash(containerId, finishedAt)

	w.mu.Lock()
	looping := w.looping(containerId, time.Now())
	w.mu.Unlock()
	return looping
}

func (w *Watchdog) markStopped(containerId string) {
	w.mu.Lock()
	if t, ok := w.trackers[containerId]; ok {
		t.stopped = true
	}
	w.mu.Unlock()
}
