package jobs

import "sync"

// Event types delivered to progress subscribers.
type EventType string

const (
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// ProgressEvent is one update on a job's progress stream.
type ProgressEvent struct {
	Type         EventType `json:"type"`
	JobID        string    `json:"job_id"`
	ProgressPct  float64   `json:"progress_pct"`
	CurrentMonth int       `json:"current_month"`
	TotalMonths  int       `json:"total_months"`
	Error        string    `json:"error_message,omitempty"`
}

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// behind loses intermediate events, never blocks the engine.
const subscriberBuffer = 16

// ProgressHub is the per-job publish/subscribe fan-out. The engine side only
// ever publishes; transports (SSE, websockets, a CLI spinner) subscribe.
// Late subscribers immediately receive the latest known state; there is no
// backlog replay.
type ProgressHub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	last    ProgressEvent
	hasLast bool
	closed  bool
	nextSub int
	subs    map[int]chan ProgressEvent
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{topics: make(map[string]*topic)}
}

func (h *ProgressHub) topicFor(jobID string) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan ProgressEvent)}
		h.topics[jobID] = t
	}
	return t
}

// Publish delivers an event to the job's subscribers and records it as the
// topic's latest state. Progress percentages are monotone within a job:
// regressions (possible when parallel trials report out of order) are
// dropped. Sends are non-blocking; slow subscribers miss events rather than
// stalling the publisher.
func (h *ProgressHub) Publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicFor(ev.JobID)
	if t.closed {
		return
	}
	if ev.Type == EventProgress && t.hasLast && ev.ProgressPct < t.last.ProgressPct {
		return
	}
	t.last = ev
	t.hasLast = true
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseTopic publishes a final event (done or error) and closes every
// subscriber channel. Subscribers arriving afterwards still receive the
// final state immediately, followed by channel close.
func (h *ProgressHub) CloseTopic(final ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicFor(final.JobID)
	if t.closed {
		return
	}
	t.last = final
	t.hasLast = true
	t.closed = true
	for id, ch := range t.subs {
		select {
		case ch <- final:
		default:
		}
		close(ch)
		delete(t.subs, id)
	}
}

// Subscribe attaches a listener to a job's stream. The returned cancel
// function detaches it; calling cancel after the topic closed is a no-op.
func (h *ProgressHub) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicFor(jobID)

	ch := make(chan ProgressEvent, subscriberBuffer)
	if t.hasLast {
		ch <- t.last
	}
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Drop removes a job's topic entirely. Called by the TTL sweep when the job
// itself is evicted.
func (h *ProgressHub) Drop(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(h.topics, jobID)
}
