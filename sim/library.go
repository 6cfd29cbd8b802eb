package sim

import (
	"sync"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"k8s.io/klog/v2"
)

var _ atb.Library = (*Accelerator)(nil)

// Context is the simulated operation library context.
type Context struct {
	acc *Accelerator

	mu        sync.Mutex
	stream    *Stream
	destroyed bool
}

var _ atb.Context = (*Context)(nil)

// CreateContext implements atb.Library.
func (acc *Accelerator) CreateContext() (atb.Context, atb.Status) {
	acc.mu.Lock()
	fail := acc.failContextCreation
	acc.mu.Unlock()
	if fail {
		return nil, atb.ErrorInternalError
	}
	acc.contextsAlive.Add(1)
	return &Context{acc: acc}, atb.NoError
}

// SetExecuteStream implements atb.Context. Only streams of the same accelerator are accepted.
func (c *Context) SetExecuteStream(stream acl.Stream) atb.Status {
	s, ok := stream.(*Stream)
	if !ok || s == nil {
		return atb.ErrorInvalidParam
	}
	if d, err := c.acc.device(s.Device()); err != nil || d.stream != s {
		return atb.ErrorInvalidParam
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return atb.ErrorInvalidContext
	}
	c.stream = s
	return atb.NoError
}

// ExecuteStream implements atb.Context.
func (c *Context) ExecuteStream() acl.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream
}

func (c *Context) executeStream() (*Stream, atb.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.stream == nil {
		return nil, atb.ErrorInvalidContext
	}
	return c.stream, atb.NoError
}

// Destroy implements atb.Context.
func (c *Context) Destroy() atb.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return atb.ErrorInvalidContext
	}
	c.destroyed = true
	c.acc.contextsAlive.Add(-1)
	return atb.NoError
}

// kernel is the computation of one simulated operation kind.
type kernel interface {
	// setup validates the variant pack and returns the workspace size.
	setup(vp atb.VariantPack) (uint64, atb.Status)

	// execute computes the outputs. It runs on the stream goroutine.
	execute(vp atb.VariantPack, mem *memory, workspace acl.DevicePtr, workspaceSize uint64) atb.Status
}

// CreateOperation implements atb.Library. The supported parameters are atb.LinearParam (without bias or
// transposed weights) and atb.ActivationParam with atb.ActivationGelu.
func (acc *Accelerator) CreateOperation(param atb.Param) (atb.Operation, atb.Status) {
	var k kernel
	switch p := param.(type) {
	case atb.LinearParam:
		if p.TransposeB || p.HasBias {
			return nil, atb.ErrorInvalidParam
		}
		k = &linearKernel{param: p}
	case atb.ActivationParam:
		if p.Type != atb.ActivationGelu {
			return nil, atb.ErrorInvalidParam
		}
		k = geluKernel{}
	default:
		klog.Warningf("simulated library has no operation %T", param)
		return nil, atb.ErrorInvalidParam
	}
	acc.operationsAlive.Add(1)
	return &Operation{acc: acc, kind: param.OperationKind(), kernel: k}, atb.NoError
}

// Operation is a simulated operation.
type Operation struct {
	acc    *Accelerator
	kind   string
	kernel kernel

	mu        sync.Mutex
	destroyed bool
}

var _ atb.Operation = (*Operation)(nil)

// Name implements atb.Operation.
func (op *Operation) Name() string { return op.kind + "Operation" }

func (op *Operation) isDestroyed() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.destroyed
}

// Setup implements atb.Operation.
func (op *Operation) Setup(vp atb.VariantPack, ctx atb.Context) (uint64, atb.Status) {
	if op.isDestroyed() {
		return 0, atb.ErrorInvalidParam
	}
	if _, status := contextStream(ctx); status != atb.NoError {
		return 0, status
	}
	if status := op.acc.fault(op.kind).Setup; status != atb.NoError {
		return 0, status
	}
	return op.kernel.setup(vp)
}

// Execute implements atb.Operation. The simulated device computes it synchronously: it's expected to be
// called from a task on the context's stream.
func (op *Operation) Execute(vp atb.VariantPack, workspace acl.DevicePtr, workspaceSize uint64, ctx atb.Context) atb.Status {
	if op.isDestroyed() {
		return atb.ErrorInvalidParam
	}
	stream, status := contextStream(ctx)
	if status != atb.NoError {
		return status
	}
	if status = op.acc.fault(op.kind).Execute; status != atb.NoError {
		return status
	}
	if _, status = op.kernel.setup(vp); status != atb.NoError {
		return status
	}
	d, err := op.acc.device(stream.Device())
	if err != nil {
		return atb.ErrorInvalidContext
	}
	return op.kernel.execute(vp, d.mem, workspace, workspaceSize)
}

// Destroy implements atb.Operation.
func (op *Operation) Destroy() atb.Status {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.destroyed {
		return atb.ErrorInvalidParam
	}
	op.destroyed = true
	op.acc.operationsAlive.Add(-1)
	return atb.NoError
}

func contextStream(ctx atb.Context) (*Stream, atb.Status) {
	c, ok := ctx.(*Context)
	if !ok || c == nil {
		return nil, atb.ErrorInvalidContext
	}
	return c.executeStream()
}
