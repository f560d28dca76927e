package proxypool

import "time"

type EventKind string

const (
	EventAcquired  EventKind = "acquired"
	EventReleased  EventKind = "released"
	EventFailed    EventKind = "failed"
	EventDiscarded EventKind = "discarded"
	EventExhausted EventKind = "exhausted"
	// EventRejected reports a Release or Fail for a record that was not
	// checked out. The call is ignored.
	EventRejected EventKind = "rejected"
)

// Event describes one state change of the pool. Field values are copies
// taken under the pool lock.
type Event struct {
	Kind         EventKind     `json:"kind"`
	RecordID     string        `json:"record_id,omitempty"`
	Address      string        `json:"address,omitempty"`
	FailureCount int           `json:"failure_count"`
	Delay        time.Duration `json:"delay"`
	Available    int           `json:"available"`
	At           time.Time     `json:"at"`
}

// Observer receives pool events. It is called outside the pool lock, from
// the goroutine that performed the operation, and must not block.
type Observer interface {
	OnPoolEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnPoolEvent(e Event) { f(e) }

type multiObserver []Observer

func (m multiObserver) OnPoolEvent(e Event) {
	for _, o := range m {
		o.OnPoolEvent(e)
	}
}

// Observers fans events out to every non-nil observer in order.
func Observers(observers ...Observer) Observer {
	m := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

type nopObserver struct{}

func (nopObserver) OnPoolEvent(Event) {}
