package sim

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/goatb/acl"
	"github.com/pkg/errors"
)

// Event is a simulated device event: a marker task on a stream. It doesn't carry the errors of the tasks that
// preceded it, those are reported by Stream.Synchronize.
type Event struct {
	device int

	mu        sync.Mutex
	done      chan struct{}
	destroyed bool
}

var _ acl.Event = (*Event)(nil)

var eventsAlive atomic.Int64

// EventsAlive returns the number of simulated events created and not yet destroyed.
func EventsAlive() int64 {
	return eventsAlive.Load()
}

func newEvent(device int) *Event {
	done := make(chan struct{})
	close(done) // Never recorded events are complete.
	eventsAlive.Add(1)
	return &Event{device: device, done: done}
}

// Device implements acl.Event.
func (e *Event) Device() int { return e.device }

// Record implements acl.Event.
func (e *Event) Record(stream acl.Stream) error {
	s, ok := stream.(*Stream)
	if !ok {
		return errors.Errorf("event can only be recorded on simulated streams, got %T", stream)
	}
	if s.Device() != e.device {
		return errors.Errorf("event of device %d can't be recorded on %s", e.device, s)
	}
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return errors.New("Event.Record on a destroyed event")
	}
	previous := e.done
	done := make(chan struct{})
	e.done = done
	e.mu.Unlock()

	err := s.Enqueue("event", func() error {
		close(done)
		return nil
	})
	if err != nil {
		// Never enqueued: the event stays as it was before this Record.
		e.mu.Lock()
		if e.done == done {
			e.done = previous
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Event) current() (chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, errors.New("event used after being destroyed")
	}
	return e.done, nil
}

// Query implements acl.Event.
func (e *Event) Query() (bool, error) {
	done, err := e.current()
	if err != nil {
		return false, err
	}
	select {
	case <-done:
		return true, nil
	default:
		return false, nil
	}
}

// Synchronize implements acl.Event.
func (e *Event) Synchronize() error {
	done, err := e.current()
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Destroy implements acl.Event.
func (e *Event) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	e.destroyed = true
	eventsAlive.Add(-1)
	return nil
}
