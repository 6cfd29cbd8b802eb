package adapter

import (
	"fmt"
	"sync"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceContext binds a device to an operation library execution context and the device stream the context
// executes on. It is stable once created.
type DeviceContext struct {
	Device  int
	Context atb.Context
	Stream  acl.Stream
}

// String implements fmt.Stringer.
func (dc *DeviceContext) String() string {
	return fmt.Sprintf("DeviceContext[device=%d, stream=%d]", dc.Device, dc.Stream.ID())
}

// contextEntry holds the outcome of the single creation attempt for a device.
type contextEntry struct {
	dc  *DeviceContext
	err error
}

// Contexts owns the DeviceContext of each device, created on first use.
//
// Creation happens under a lock, and at most once per device: if it fails, the same error is returned on every
// following call.
type Contexts struct {
	lib     atb.Library
	runtime acl.Runtime
	fw      framework.Framework

	mu      sync.Mutex
	entries map[int]*contextEntry
}

// NewContexts creates the owner of the device contexts. No context is created until first used.
func NewContexts(lib atb.Library, runtime acl.Runtime, fw framework.Framework) *Contexts {
	return &Contexts{
		lib:     lib,
		runtime: runtime,
		fw:      fw,
		entries: make(map[int]*contextEntry),
	}
}

// Get returns the DeviceContext of the currently active device, creating it if needed.
func (c *Contexts) Get() (*DeviceContext, error) {
	device, err := c.runtime.CurrentDevice()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to query the current device")
	}
	return c.ForDevice(device)
}

// ForDevice returns the DeviceContext of the given device, creating it if needed.
func (c *Contexts) ForDevice(device int) (*DeviceContext, error) {
	if device < 0 || device >= c.runtime.DeviceCount() {
		return nil, errors.Wrapf(ErrPrecondition, "invalid device %d, only %d devices available",
			device, c.runtime.DeviceCount())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[device]
	if !found {
		entry = &contextEntry{}
		entry.dc, entry.err = c.create(device)
		c.entries[device] = entry
	}
	return entry.dc, entry.err
}

func (c *Contexts) create(device int) (*DeviceContext, error) {
	ctx, status := c.lib.CreateContext()
	if status != atb.NoError || ctx == nil {
		return nil, errors.Wrapf(ErrContextCreation, "device %d: status %s", device, status)
	}
	stream, err := c.fw.CurrentStream(device)
	if err != nil || stream == nil {
		destroyContextOrLog(ctx)
		if err == nil {
			err = errors.New("nil stream")
		}
		return nil, errors.Wrapf(ErrStreamBinding, "device %d: get current stream: %v", device, err)
	}
	if status = ctx.SetExecuteStream(stream); status != atb.NoError {
		destroyContextOrLog(ctx)
		return nil, errors.Wrapf(ErrStreamBinding, "device %d: status %s", device, status)
	}
	dc := &DeviceContext{Device: device, Context: ctx, Stream: stream}
	klog.V(1).Infof("created %s", dc)
	return dc, nil
}

// Destroy destroys every context created so far. Contexts can't be used afterward.
func (c *Contexts) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for device, entry := range c.entries {
		if entry.dc == nil {
			continue
		}
		if err := entry.dc.Context.Destroy().ToError("Context.Destroy"); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "device %d", device)
		}
		entry.dc = nil
		entry.err = errors.Wrap(ErrPrecondition, "contexts already destroyed")
	}
	return firstErr
}

func destroyContextOrLog(ctx atb.Context) {
	if err := ctx.Destroy().ToError("Context.Destroy"); err != nil {
		klog.Errorf("failed to destroy context after a failed initialization: %+v", err)
	}
}

var (
	defaultOnce     sync.Once
	defaultContexts *Contexts
	defaultMu       sync.Mutex
	defaultDeps     struct {
		lib     atb.Library
		runtime acl.Runtime
		fw      framework.Framework
	}
)

// SetDefault configures the process-wide Contexts returned by Default. It must be called before the first
// call to Default, later calls are ignored.
func SetDefault(lib atb.Library, runtime acl.Runtime, fw framework.Framework) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultDeps.lib, defaultDeps.runtime, defaultDeps.fw = lib, runtime, fw
}

// Default returns the process-wide Contexts, created on first call from what was given to SetDefault.
// It returns nil if SetDefault was never called.
func Default() *Contexts {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		defer defaultMu.Unlock()
		if defaultDeps.lib == nil || defaultDeps.runtime == nil || defaultDeps.fw == nil {
			klog.Errorf("adapter.Default() called before adapter.SetDefault()")
			return
		}
		defaultContexts = NewContexts(defaultDeps.lib, defaultDeps.runtime, defaultDeps.fw)
	})
	return defaultContexts
}
