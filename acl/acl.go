// Package acl declares the device runtime capabilities the bridge consumes: querying the active device,
// ordered device streams and completion events.
//
// The package only holds interfaces and small value types. A concrete runtime is provided by the accelerator
// driver bindings, or by the in-process simulator in package sim.
package acl

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrPrecondition is the error for API misuse: invalid device ids, reused single-use values, use after destroy.
// Packages building on acl re-export it, so errors.Is matches it whichever package returned it.
var ErrPrecondition = errors.New("precondition violated")

// DevicePtr is an opaque address in device memory. The zero value is the null pointer.
type DevicePtr uintptr

// String implements fmt.Stringer.
func (p DevicePtr) String() string {
	return fmt.Sprintf("0x%x", uintptr(p))
}

// Task is a unit of work executed in order on a Stream. A non-nil error is an asynchronous failure, reported by
// the next Stream.Synchronize. Tasks that need their own failure observed by a specific caller must report it
// themselves.
type Task func() error

// Stream is an ordered queue of asynchronous device work. Submission order is preserved for execution start.
type Stream interface {
	// Device id the stream belongs to.
	Device() int

	// ID of the stream, unique within its device.
	ID() int

	// Enqueue submits the task. It blocks only until the task is queued, never until it runs.
	Enqueue(name string, task Task) error

	// Synchronize blocks until all work enqueued so far has run, and returns the first asynchronous error
	// not yet reported by a previous Synchronize.
	Synchronize() error
}

// Event is a device synchronization primitive marking the completion of the work enqueued on a stream before
// it was recorded. It carries no task errors: those belong to Stream.Synchronize.
//
// Events can be recorded again after they completed, which is what makes them poolable.
type Event interface {
	// Device the event was created on. An event can only be recorded on streams of the same device.
	Device() int

	// Record enqueues the event marker on the stream.
	Record(stream Stream) error

	// Query returns whether the work preceding the last Record has completed, without blocking.
	// An error means the event itself can't be queried.
	Query() (done bool, err error)

	// Synchronize blocks until the work preceding the last Record has completed. An event never recorded is
	// immediately complete.
	Synchronize() error

	// Destroy releases the event. It is no longer valid afterward.
	Destroy() error
}

// Runtime is the device driver capability.
type Runtime interface {
	// DeviceCount returns the number of devices visible to the process.
	DeviceCount() int

	// CurrentDevice returns the device id currently active for the calling thread.
	CurrentDevice() (int, error)

	// NewEvent creates an event on the given device.
	NewEvent(device int) (Event, error)
}
