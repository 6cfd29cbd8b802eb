package sim

import (
	"fmt"
	"sync"

	"github.com/gomlx/goatb/acl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type streamItem struct {
	name string
	task acl.Task
}

// Stream is a simulated device stream: tasks run in submission order on a dedicated goroutine, which plays the
// role of the device.
type Stream struct {
	device, id int
	queue      chan streamItem
	done       chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool

	// pendingErr is the first task error not yet reported by Synchronize.
	// Only accessed by the stream goroutine.
	pendingErr error
}

var _ acl.Stream = (*Stream)(nil)

func newStream(device, id, depth int) *Stream {
	s := &Stream{
		device: device,
		id:     id,
		queue:  make(chan streamItem, depth),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer close(s.done)
	for item := range s.queue {
		if err := s.runTask(item); err != nil && s.pendingErr == nil {
			s.pendingErr = err
		}
	}
}

func (s *Stream) runTask(item streamItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task %q panicked on %s: %v", item.name, s, r)
			klog.Errorf("%v", err)
		}
	}()
	return item.task()
}

// takeError returns and clears the pending error. It must be called from a task.
func (s *Stream) takeError() error {
	err := s.pendingErr
	s.pendingErr = nil
	return err
}

// Device implements acl.Stream.
func (s *Stream) Device() int { return s.device }

// ID implements acl.Stream.
func (s *Stream) ID() int { return s.id }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream[npu:%d#%d]", s.device, s.id)
}

// Enqueue implements acl.Stream. It blocks only if the queue is full.
func (s *Stream) Enqueue(name string, task acl.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("%s is closed, can't enqueue %q", s, name)
	}
	s.queue <- streamItem{name: name, task: task}
	return nil
}

// Synchronize implements acl.Stream.
func (s *Stream) Synchronize() error {
	var err error
	finished := make(chan struct{})
	enqueueErr := s.Enqueue("synchronize", func() error {
		err = s.takeError()
		close(finished)
		return nil
	})
	if enqueueErr != nil {
		return enqueueErr
	}
	<-finished
	return err
}

// close stops accepting tasks and waits for the queued ones to run.
func (s *Stream) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.done
	})
}
