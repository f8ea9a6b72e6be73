package queue

import "github.com/0xPuncker/mozart-engraver/internal/job"

type EventType string

const (
	EventJobStarted EventType = "job_started"
	EventJobDone    EventType = "job_done"
	EventEmptied    EventType = "emptied"
	EventIdle       EventType = "idle"
	EventAborted    EventType = "aborted"
	EventFinished   EventType = "finished"
)

// Event is delivered to subscribers outside of the queue lock. Runner is -1
// for queue-level events.
type Event struct {
	Type   EventType
	Job    *job.Job
	Runner int
	Status Status
}

type Listener func(Event)

type SubscriptionID int

// Subscribe registers a listener for one event type.
func (q *Queue) Subscribe(t EventType, l Listener) SubscriptionID {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	q.nextSubID++
	id := q.nextSubID
	if q.subscribers[t] == nil {
		q.subscribers[t] = make(map[SubscriptionID]Listener)
	}
	q.subscribers[t][id] = l
	return id
}

func (q *Queue) Unsubscribe(id SubscriptionID) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, subs := range q.subscribers {
		delete(subs, id)
	}
}

func (q *Queue) emit(events []Event) {
	for _, ev := range events {
		q.subMu.RLock()
		listeners := make([]Listener, 0, len(q.subscribers[ev.Type]))
		for _, l := range q.subscribers[ev.Type] {
			listeners = append(listeners, l)
		}
		q.subMu.RUnlock()

		for _, l := range listeners {
			l(ev)
		}
	}
}
