// Package sim implements an in-process simulated accelerator: the device runtime (acl.Runtime), the tensor
// framework (framework.Framework) and the operation library (atb.Library) the bridge consumes.
//
// Device memory is host memory addressed through opaque device pointers, each device has one ordered stream
// served by a goroutine, and the operation library provides a few reference operations computed on the host.
// It's used for tests and by cmd/atb_run, so the bridge can run end-to-end without hardware.
//
// Example:
//
//	acc := sim.New(sim.Options{NumDevices: 2})
//	defer acc.Close()
//	contexts := adapter.NewContexts(acc, acc, acc)
//	dispatcher := adapter.NewDispatcher(acc, contexts)
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Fault configures the statuses returned by the operations of a kind, to simulate failures.
type Fault struct {
	Setup, Execute atb.Status
}

type device struct {
	index  int
	mem    *memory
	stream *Stream
}

// Accelerator is the simulated accelerator. It implements acl.Runtime, framework.Framework and atb.Library.
type Accelerator struct {
	opts    Options
	devices []*device
	host    *memory
	current atomic.Int32

	mu                  sync.Mutex
	failContextCreation bool
	faults              map[string]Fault

	contextsAlive, operationsAlive atomic.Int64
}

var _ acl.Runtime = (*Accelerator)(nil)

// Address space bases: each device gets its own range, the host the one below.
const (
	hostAddressBase   = 0x1000_0000
	deviceAddressBase = 0x10_0000_0000
)

// New creates a simulated accelerator. Call Close to stop its streams.
func New(opts Options) *Accelerator {
	opts = opts.withDefaults()
	acc := &Accelerator{
		opts:   opts,
		host:   newMemory("host", hostAddressBase),
		faults: make(map[string]Fault),
	}
	acc.devices = make([]*device, opts.NumDevices)
	for ii := range acc.devices {
		acc.devices[ii] = &device{
			index:  ii,
			mem:    newMemory(fmt.Sprintf("npu:%d", ii), uintptr(deviceAddressBase*(ii+1))),
			stream: newStream(ii, 0, opts.StreamDepth),
		}
	}
	klog.V(1).Infof("simulated accelerator with %d devices", opts.NumDevices)
	return acc
}

// Close waits for all enqueued work to finish and stops the streams.
func (acc *Accelerator) Close() {
	for _, d := range acc.devices {
		d.stream.close()
	}
}

// String implements fmt.Stringer.
func (acc *Accelerator) String() string {
	return fmt.Sprintf("sim.Accelerator[%d devices]", len(acc.devices))
}

func (acc *Accelerator) device(index int) (*device, error) {
	if index < 0 || index >= len(acc.devices) {
		return nil, errors.Errorf("invalid device %d, %s has %d devices", index, acc, len(acc.devices))
	}
	return acc.devices[index], nil
}

// DeviceCount implements acl.Runtime.
func (acc *Accelerator) DeviceCount() int {
	return len(acc.devices)
}

// CurrentDevice implements acl.Runtime. The simulator has one current device for the whole process.
func (acc *Accelerator) CurrentDevice() (int, error) {
	return int(acc.current.Load()), nil
}

// SetDevice changes the current device.
func (acc *Accelerator) SetDevice(index int) error {
	if _, err := acc.device(index); err != nil {
		return err
	}
	acc.current.Store(int32(index))
	return nil
}

// NewEvent implements acl.Runtime.
func (acc *Accelerator) NewEvent(index int) (acl.Event, error) {
	if _, err := acc.device(index); err != nil {
		return nil, err
	}
	return newEvent(index), nil
}

// Stream returns the stream of the device.
func (acc *Accelerator) Stream(index int) (*Stream, error) {
	d, err := acc.device(index)
	if err != nil {
		return nil, err
	}
	return d.stream, nil
}

// Synchronize waits for all the work enqueued on all devices, and returns the first pending asynchronous error.
func (acc *Accelerator) Synchronize() error {
	var firstErr error
	for _, d := range acc.devices {
		if err := d.stream.Synchronize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemoryStats returns the memory statistics of the device.
func (acc *Accelerator) MemoryStats(index int) (MemoryStats, error) {
	d, err := acc.device(index)
	if err != nil {
		return MemoryStats{}, err
	}
	return d.mem.stats(), nil
}

// EmptyCache releases the cached free memory blocks of all devices and the host.
func (acc *Accelerator) EmptyCache() {
	for _, d := range acc.devices {
		d.mem.emptyCache()
	}
	acc.host.emptyCache()
}

// SetFault makes the operations of the given kind (see atb.Param.OperationKind) return the statuses of fault.
// A zero Fault clears it.
func (acc *Accelerator) SetFault(kind string, fault Fault) {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if fault == (Fault{}) {
		delete(acc.faults, kind)
		return
	}
	acc.faults[kind] = fault
}

func (acc *Accelerator) fault(kind string) Fault {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.faults[kind]
}

// SetFailContextCreation makes CreateContext fail.
func (acc *Accelerator) SetFailContextCreation(fail bool) {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.failContextCreation = fail
}

// ContextsAlive returns the number of operation library contexts created and not destroyed.
func (acc *Accelerator) ContextsAlive() int64 {
	return acc.contextsAlive.Load()
}

// OperationsAlive returns the number of operations created and not destroyed.
func (acc *Accelerator) OperationsAlive() int64 {
	return acc.operationsAlive.Load()
}
