package adapter

import (
	"sync/atomic"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes"
	"github.com/gomlx/goatb/eventpool"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dispatcher runs opaque operations on framework tensors: it sizes and allocates the workspace, and enqueues
// the execution on the device stream of the current DeviceContext.
type Dispatcher struct {
	fw       framework.Framework
	contexts *Contexts
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(fw framework.Framework, contexts *Contexts) *Dispatcher {
	return &Dispatcher{fw: fw, contexts: contexts}
}

// Contexts returns the device contexts the dispatcher executes with.
func (d *Dispatcher) Contexts() *Contexts {
	return d.contexts
}

// Framework returns the framework the dispatcher allocates from.
func (d *Dispatcher) Framework() framework.Framework {
	return d.fw
}

var operationsPending atomic.Int64

// OperationsPending returns the number of operations enqueued by a Dispatcher that haven't run yet.
func OperationsPending() int64 {
	return operationsPending.Load()
}

// Run dispatches the operation with the tensors accumulated in params, under the given name.
//
// It blocks until Setup has completed and the execution is enqueued, not until the device has executed it.
// Errors in params, Setup failures (ErrSetupFailed) and device context failures are returned immediately.
// A failed Execute is reported asynchronously with ErrExecuteFailed by the next Synchronize of the device
// stream. Use RunAndRecord to observe the result of this execution only.
//
// Ownership of op is transferred to Run: it's destroyed after its execution has run, or before Run returns if
// nothing was enqueued.
func (d *Dispatcher) Run(op atb.Operation, params *ParamSetter, name string) error {
	_, _, err := d.run(op, params, name, false)
	return err
}

// run dispatches the operation. If owned is true, the execute status is kept by the returned pendingOperation
// instead of being reported to the stream.
func (d *Dispatcher) run(op atb.Operation, params *ParamSetter, name string, owned bool) (*DeviceContext, *pendingOperation, error) {
	enqueued := false
	defer func() {
		if !enqueued {
			destroyOperationOrLog(op, name)
		}
	}()
	if err := params.consume(); err != nil {
		return nil, nil, err
	}
	defer params.releaseCopies()
	variantPack, err := params.VariantPack()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to prepare parameters for %q", name)
	}

	dc, err := d.contexts.Get()
	if err != nil {
		return nil, nil, err
	}
	workspaceSize, err := operationSetup(variantPack, op, dc.Context)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "operation %q", name)
	}
	workspace, err := d.workspace(dc.Device, workspaceSize)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "operation %q: failed to allocate workspace of %d bytes", name, workspaceSize)
	}
	defer d.fw.Release(workspace)

	pending := &pendingOperation{
		op:            op,
		name:          name,
		ctx:           dc.Context,
		variantPack:   variantPack,
		workspace:     workspace.DataPtr(),
		workspaceSize: workspaceSize,
		inputs:        params.inputs,
	}
	if owned {
		pending.done = make(chan struct{})
	}
	operationsPending.Add(1)
	err = d.fw.RunOpCommand(dc.Stream, name, pending.run)
	if err != nil {
		operationsPending.Add(-1)
		return nil, nil, errors.WithMessagef(err, "failed to enqueue operation %q", name)
	}
	enqueued = true
	klog.V(2).Infof("enqueued %q on %s, workspace=%d bytes", name, dc, workspaceSize)
	return dc, pending, nil
}

// RunAndRecord is like Run, but it also records an event from the pool on the stream right after the operation.
// The returned Execution reports the result of this execution only: ErrExecuteFailed if it failed, regardless
// of what else runs on the stream. Its failure is not reported by Stream.Synchronize.
//
// The caller owns the returned Execution and must give its event back with Execution.Release.
func (d *Dispatcher) RunAndRecord(op atb.Operation, params *ParamSetter, name string, pool *eventpool.Pool) (*Execution, error) {
	dc, pending, err := d.run(op, params, name, true)
	if err != nil {
		return nil, err
	}
	event, err := pool.Get(dc.Device)
	if err == nil {
		err = event.Record(dc.Stream)
		if err != nil {
			event.Release()
		}
	}
	if err != nil {
		// The operation stays enqueued, and an execute failure is still logged.
		return nil, errors.WithMessagef(err, "operation %q enqueued, but failed to record its event", name)
	}
	return &Execution{Event: event, pending: pending}, nil
}

// Execution is the completion handle of an operation dispatched with RunAndRecord.
type Execution struct {
	// Event is recorded on the stream right after the operation.
	*eventpool.Event

	pending *pendingOperation
}

// Query returns whether the execution completed, without blocking, and once it did, its result.
func (e *Execution) Query() (bool, error) {
	done, err := e.Event.Query()
	if err != nil || !done {
		return false, err
	}
	select {
	case <-e.pending.done:
		return true, e.pending.err
	default:
		return false, nil
	}
}

// Synchronize blocks until the execution completed and returns its result.
func (e *Execution) Synchronize() error {
	if err := e.Event.Synchronize(); err != nil {
		return err
	}
	<-e.pending.done
	return e.pending.err
}

// operationSetup calls Setup and returns the required workspace size.
func operationSetup(variantPack atb.VariantPack, op atb.Operation, ctx atb.Context) (uint64, error) {
	workspaceSize, status := op.Setup(variantPack, ctx)
	if status != atb.NoError {
		return 0, errors.Wrapf(ErrSetupFailed, "%s.Setup returned status %d (%s)", op.Name(), int32(status), status)
	}
	return workspaceSize, nil
}

// workspace allocates the byte buffer used as the operation workspace. A zero size yields a valid empty tensor.
func (d *Dispatcher) workspace(device int, size uint64) (framework.Tensor, error) {
	return d.fw.Empty(framework.Device{Type: framework.NPU, Index: device}, dtypes.Uint8, int(size))
}

// pendingOperation is the deferred unit of work enqueued on the stream. It owns the operation and everything
// the execution references, and destroys the operation after executing it.
type pendingOperation struct {
	op            atb.Operation
	name          string
	ctx           atb.Context
	variantPack   atb.VariantPack
	workspace     acl.DevicePtr
	workspaceSize uint64

	// inputs keeps the normalized input tensors referenced by variantPack alive until execution.
	inputs []framework.Tensor

	// done is non-nil if the result is owned by an Execution: err is set before done is closed, and isn't
	// reported to the stream.
	done chan struct{}
	err  error
}

func (p *pendingOperation) run() error {
	defer operationsPending.Add(-1)
	status := p.op.Execute(p.variantPack, p.workspace, p.workspaceSize, p.ctx)
	destroyOperationOrLog(p.op, p.name)
	p.op = nil
	p.inputs = nil
	var err error
	if status != atb.NoError {
		err = errors.Wrapf(ErrExecuteFailed, "operation %q: Execute returned status %d (%s)", p.name, int32(status), status)
		klog.Errorf("%v", err)
	}
	if p.done != nil {
		p.err = err
		close(p.done)
		return nil
	}
	return err
}

func destroyOperationOrLog(op atb.Operation, name string) {
	if op == nil {
		return
	}
	if err := op.Destroy().ToError("Operation.Destroy"); err != nil {
		klog.Errorf("failed to destroy operation %q: %+v", name, err)
	}
}
