// Package eventpool recycles device completion events.
//
// Creating and destroying device events is expensive, and the memory swapping code records one per transfer.
// A Pool keeps, per device, the events that were released, and hands them out again on Get. Events are only
// destroyed by Pool.EmptyCache.
//
// Example:
//
//	event, err := pool.Get(device)
//	if err != nil { ... }
//	defer event.Release()
//	if err = event.Record(stream); err != nil { ... }
//	...
//	err = event.Synchronize()
package eventpool

import (
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/v2/stacks/arraystack"
	"github.com/gomlx/goatb/acl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrPrecondition is returned for invalid device ids. It is acl.ErrPrecondition.
var ErrPrecondition = acl.ErrPrecondition

// EventFactory creates events on a device, usually an acl.Runtime.
type EventFactory interface {
	DeviceCount() int
	NewEvent(device int) (acl.Event, error)
}

// Pool is a per-device, concurrency-safe pool of reusable events.
//
// Each device has its own lock: operations on different devices never contend.
type Pool struct {
	factory EventFactory
	pools   []perDevicePool
}

// cacheLineSize pads perDevicePool so the locks of different devices don't share a cache line.
const cacheLineSize = 64

type perDevicePool struct {
	mu   sync.Mutex
	free *arraystack.Stack[acl.Event]

	created, destroyed atomic.Int64
	onLoan             atomic.Int64
	_                  [cacheLineSize]byte
}

// New creates a Pool with one per-device pool for each of factory.DeviceCount() devices.
func New(factory EventFactory) *Pool {
	numDevices := factory.DeviceCount()
	p := &Pool{
		factory: factory,
		pools:   make([]perDevicePool, numDevices),
	}
	for ii := range p.pools {
		p.pools[ii].free = arraystack.New[acl.Event]()
	}
	return p
}

// NumDevices returns the number of per-device pools.
func (p *Pool) NumDevices() int {
	return len(p.pools)
}

func (p *Pool) devicePool(device int) (*perDevicePool, error) {
	if device < 0 || device >= len(p.pools) {
		return nil, errors.Wrapf(ErrPrecondition, "invalid device %d for event pool, only %d devices available",
			device, len(p.pools))
	}
	return &p.pools[device], nil
}

// Get returns an event for the device: a previously released one if available, otherwise a new one.
//
// The caller owns the event until it calls Event.Release.
func (p *Pool) Get(device int) (*Event, error) {
	pool, err := p.devicePool(device)
	if err != nil {
		return nil, err
	}
	pool.mu.Lock()
	event, found := pool.free.Pop()
	pool.mu.Unlock()
	if !found {
		// Creation happens outside the lock: it may call into the driver.
		event, err = p.factory.NewEvent(device)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create event on device %d", device)
		}
		pool.created.Add(1)
		klog.V(2).Infof("eventpool: created event #%d on device %d", pool.created.Load(), device)
	}
	pool.onLoan.Add(1)
	return &Event{Event: event, pool: p, device: device}, nil
}

// release puts the event back in the pool of its device.
func (p *Pool) release(device int, event acl.Event) {
	pool := &p.pools[device]
	pool.mu.Lock()
	pool.free.Push(event)
	pool.mu.Unlock()
	pool.onLoan.Add(-1)
}

// EmptyCache destroys every pooled event, device by device. Events on loan are not affected: when released
// they are added to the (now empty) pool of their device.
//
// It returns the first error destroying an event, after trying to destroy all of them.
func (p *Pool) EmptyCache() error {
	var firstErr error
	for device := range p.pools {
		pool := &p.pools[device]
		pool.mu.Lock()
		events := pool.free.Values()
		pool.free.Clear()
		for _, event := range events {
			if err := event.Destroy(); err != nil && firstErr == nil {
				firstErr = errors.WithMessagef(err, "failed to destroy pooled event on device %d", device)
			}
			pool.destroyed.Add(1)
		}
		pool.mu.Unlock()
		if len(events) > 0 {
			klog.V(1).Infof("eventpool: destroyed %d events on device %d", len(events), device)
		}
	}
	return firstErr
}

// Stats is a snapshot of the event counts of one device.
type Stats struct {
	// Created and Destroyed since the pool was created.
	Created, Destroyed int64

	// Pooled events are free to be reused, OnLoan events are held by callers.
	Pooled, OnLoan int64
}

// Live returns the number of events created and not destroyed.
func (s Stats) Live() int64 {
	return s.Created - s.Destroyed
}

// Stats returns the event counts of the device.
func (p *Pool) Stats(device int) (Stats, error) {
	pool, err := p.devicePool(device)
	if err != nil {
		return Stats{}, err
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return Stats{
		Created:   pool.created.Load(),
		Destroyed: pool.destroyed.Load(),
		Pooled:    int64(pool.free.Size()),
		OnLoan:    pool.onLoan.Load(),
	}, nil
}

// Event is an acl.Event on loan from a Pool.
type Event struct {
	acl.Event
	pool     *Pool
	device   int
	released atomic.Bool
}

// Device the event was acquired for.
func (e *Event) Device() int {
	return e.device
}

// Release returns the event to the pool of the device it was acquired for. The Event must not be used
// afterward. Releasing twice is a no-op (and logged).
func (e *Event) Release() {
	if e == nil {
		return
	}
	if e.released.Swap(true) {
		klog.Errorf("eventpool: event of device %d released twice", e.device)
		return
	}
	e.pool.release(e.device, e.Event)
}
