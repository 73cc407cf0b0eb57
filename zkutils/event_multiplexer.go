package zkutils

import (
	"sync"

	log "github.com/nickbruun/election/logging"
	"github.com/samuel/go-zookeeper/zk"
)

var (
	eventMultiplexerSubscriberBuffer = 64
)

// Event multiplexer.
//
// Fans the events of a single ZooKeeper event channel out to any number of
// subscribers. Subscriber channels are closed once the source channel closes.
type EventMultiplexer struct {
	in   <-chan zk.Event
	outs []chan zk.Event
	lock sync.Mutex
}

// New event multiplexer.
func NewEventMultiplexer(eventChan <-chan zk.Event) *EventMultiplexer {
	m := &EventMultiplexer{
		in:   eventChan,
		outs: make([]chan zk.Event, 0),
	}

	go m.run()

	return m
}

func (m *EventMultiplexer) run() {
	for ev := range m.in {
		m.lock.Lock()

		for i, out := range m.outs {
			select {
			case out <- ev:
			default:
				log.Errorf("Subscriber %d is not keeping up, dropping event %s (%s)", i, ev.Type, ev.State)
			}
		}

		m.lock.Unlock()
	}

	m.lock.Lock()
	for _, out := range m.outs {
		close(out)
	}
	m.outs = nil
	m.lock.Unlock()
}

// Subscribe to events.
func (m *EventMultiplexer) Subscribe() <-chan zk.Event {
	ec := make(chan zk.Event, eventMultiplexerSubscriberBuffer)

	m.lock.Lock()
	m.outs = append(m.outs, ec)
	m.lock.Unlock()

	return ec
}
