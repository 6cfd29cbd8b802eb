// Package swap moves tensors between device memory and host memory, asynchronously.
//
// Each transfer is an asynchronous copy enqueued on the device stream, followed by an event from an
// eventpool.Pool. The transfer owns its source tensor: it's released back to the framework only once the event
// reports the copy completed, found either by polling (Transfer.Ready, Manager.Poll) or by waiting
// (Transfer.Wait, Manager.WaitAll).
//
// SwapOut and SwapIn take ownership of the source once it passes validation (defined, on the right side,
// contiguous, valid device). A failure after that releases it.
//
// A failed copy task is reported by the device stream's Synchronize, not by the transfer.
//
// Example:
//
//	m := swap.NewManager(fw, pool)
//	out, err := m.SwapOut(activation)  // activation now belongs to the transfer.
//	...
//	in, err := m.SwapIn(out.Dst(), device)
//	err = in.Wait()
//	activation = in.Dst()
package swap

import (
	"fmt"
	"sync"

	"github.com/gomlx/goatb/eventpool"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Direction of a transfer.
type Direction int

const (
	// Out copies from the device to the host.
	Out Direction = iota

	// In copies from the host to a device.
	In
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Out:
		return "SwapOut"
	case In:
		return "SwapIn"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Manager issues the transfers and keeps track of the ones in flight.
type Manager struct {
	fw   framework.Framework
	pool *eventpool.Pool

	mu       sync.Mutex
	inFlight map[*Transfer]struct{}
}

// NewManager creates a Manager that allocates and copies with fw, and takes the completion events from pool.
func NewManager(fw framework.Framework, pool *eventpool.Pool) *Manager {
	return &Manager{
		fw:       fw,
		pool:     pool,
		inFlight: make(map[*Transfer]struct{}),
	}
}

// Transfer is one asynchronous copy.
type Transfer struct {
	m         *Manager
	direction Direction
	device    int
	src, dst  framework.Tensor

	mu    sync.Mutex
	event *eventpool.Event // nil once completed.
	err   error
}

// String implements fmt.Stringer.
func (tr *Transfer) String() string {
	return fmt.Sprintf("%s(npu:%d, %s%v)", tr.direction, tr.device, tr.dst.DType(), tr.dst.Shape())
}

// Direction of the transfer.
func (tr *Transfer) Direction() Direction { return tr.direction }

// Dst returns the destination tensor. Its contents are only valid once the transfer completed, but it can be
// used by work enqueued afterward on the device's stream.
func (tr *Transfer) Dst() framework.Tensor { return tr.dst }

// SwapOut starts copying the device tensor t to a new host tensor. It takes ownership of t, unless t fails
// validation.
func (m *Manager) SwapOut(t framework.Tensor) (*Transfer, error) {
	if !framework.IsDefined(t) {
		return nil, errors.New("SwapOut of an undefined tensor")
	}
	if !t.Device().IsAccelerator() {
		return nil, errors.Errorf("SwapOut of a tensor on %s, it must be on an accelerator", t.Device())
	}
	return m.start(Out, t, framework.Device{Type: framework.CPU}, t.Device().Index)
}

// SwapIn starts copying the host tensor t to a new tensor on the device. It takes ownership of t, unless t fails
// validation.
func (m *Manager) SwapIn(t framework.Tensor, device int) (*Transfer, error) {
	if !framework.IsDefined(t) {
		return nil, errors.New("SwapIn of an undefined tensor")
	}
	if t.Device().IsAccelerator() {
		return nil, errors.Errorf("SwapIn of a tensor on %s, it must be on the host", t.Device())
	}
	return m.start(In, t, framework.Device{Type: framework.NPU, Index: device}, device)
}

func (m *Manager) start(direction Direction, src framework.Tensor, dstDevice framework.Device, device int) (*Transfer, error) {
	if !src.IsContiguous() {
		return nil, errors.Errorf("%s of a non-contiguous tensor (shape %v, strides %v)", direction, src.Shape(), src.Strides())
	}
	stream, err := m.fw.CurrentStream(device)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to get stream of device %d", direction, device)
	}
	dst, err := m.fw.Empty(dstDevice, src.DType(), src.Shape()...)
	if err != nil {
		m.fw.Release(src)
		return nil, errors.WithMessagef(err, "%s: failed to allocate destination on %s", direction, dstDevice)
	}
	if err = m.fw.CopyAsync(stream, dst, src); err != nil {
		m.fw.Release(dst)
		m.fw.Release(src)
		return nil, errors.WithMessagef(err, "%s: failed to enqueue copy", direction)
	}
	event, err := m.pool.Get(device)
	if err == nil {
		err = event.Record(stream)
		if err != nil {
			event.Release()
		}
	}
	if err != nil {
		// The copy is enqueued: wait for it before reclaiming anything.
		if syncErr := stream.Synchronize(); syncErr != nil {
			klog.Errorf("%s: failed to synchronize device %d after event failure: %+v", direction, device, syncErr)
		}
		m.fw.Release(dst)
		m.fw.Release(src)
		return nil, errors.WithMessagef(err, "%s: failed to record completion event", direction)
	}

	tr := &Transfer{
		m:         m,
		direction: direction,
		device:    device,
		src:       src,
		dst:       dst,
		event:     event,
	}
	m.mu.Lock()
	m.inFlight[tr] = struct{}{}
	m.mu.Unlock()
	klog.V(2).Infof("swap: started %s", tr)
	return tr, nil
}

// complete releases the event and the source, and records the result. tr.mu must be held.
func (tr *Transfer) complete(err error) {
	tr.event.Release()
	tr.event = nil
	tr.err = err
	tr.m.fw.Release(tr.src)
	tr.src = nil
	tr.m.mu.Lock()
	delete(tr.m.inFlight, tr)
	tr.m.mu.Unlock()
	if err != nil {
		klog.Errorf("swap: %s failed: %+v", tr, err)
	}
}

// Ready polls whether the transfer completed, without blocking. Once it returns true, the source was released
// and the error (if any) is returned.
func (tr *Transfer) Ready() (bool, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.event == nil {
		return true, tr.err
	}
	done, err := tr.event.Query()
	if !done && err == nil {
		return false, nil
	}
	tr.complete(errors.WithMessagef(err, "%s", tr))
	return true, tr.err
}

// Wait blocks until the transfer completed, and returns its error.
func (tr *Transfer) Wait() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.event == nil {
		return tr.err
	}
	err := tr.event.Synchronize()
	tr.complete(errors.WithMessagef(err, "%s", tr))
	return tr.err
}

// InFlight returns the number of transfers not yet found completed.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

func (m *Manager) snapshot() []*Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	transfers := make([]*Transfer, 0, len(m.inFlight))
	for tr := range m.inFlight {
		transfers = append(transfers, tr)
	}
	return transfers
}

// Poll checks every transfer in flight, completing the ones that are ready. It returns how many completed, and
// the first error among them.
func (m *Manager) Poll() (completed int, err error) {
	for _, tr := range m.snapshot() {
		ready, trErr := tr.Ready()
		if !ready {
			continue
		}
		completed++
		if trErr != nil && err == nil {
			err = trErr
		}
	}
	return
}

// WaitAll waits for the given transfers concurrently (or for all transfers in flight if none is given), and
// returns the first error.
func (m *Manager) WaitAll(transfers ...*Transfer) error {
	if len(transfers) == 0 {
		transfers = m.snapshot()
	}
	var g errgroup.Group
	for _, tr := range transfers {
		g.Go(tr.Wait)
	}
	return g.Wait()
}

// EmptyCache destroys the pooled completion events.
func (m *Manager) EmptyCache() error {
	return m.pool.EmptyCache()
}
