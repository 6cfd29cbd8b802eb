package adapter

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// sequence orders the calls observed by the fakes.
type sequence struct {
	counter atomic.Int64
}

func (s *sequence) next() int64 { return s.counter.Add(1) }

type fakeTensor struct {
	dtype   dtypes.DType
	shape   []int
	strides []int
	device  framework.Device
	format  atb.Format
	ptr     acl.DevicePtr
	undef   bool
}

func (t *fakeTensor) Defined() bool { return !t.undef }
func (t *fakeTensor) DType() dtypes.DType { return t.dtype }
func (t *fakeTensor) Shape() []int { return t.shape }
func (t *fakeTensor) Strides() []int { return t.strides }
func (t *fakeTensor) Device() framework.Device { return t.device }
func (t *fakeTensor) Format() atb.Format { return t.format }
func (t *fakeTensor) IsContiguous() bool { return framework.IsContiguous(t.shape, t.strides) }
func (t *fakeTensor) DataPtr() acl.DevicePtr { return t.ptr }

var npu0 = framework.Device{Type: framework.NPU, Index: 0}

func newFakeTensor(dtype dtypes.DType, shape ...int) *fakeTensor {
	return &fakeTensor{
		dtype:   dtype,
		shape:   shape,
		strides: framework.ContiguousStrides(shape),
		device:  npu0,
		format:  atb.FormatND,
		ptr:     0x1000,
	}
}

type fakeStream struct {
	device int
}

func (s *fakeStream) Device() int { return s.device }
func (s *fakeStream) ID() int { return 7 }
func (s *fakeStream) Enqueue(_ string, task acl.Task) error { return task() }
func (s *fakeStream) Synchronize() error { return nil }

// fakeFramework queues the op commands until drain is called.
type fakeFramework struct {
	seq *sequence

	mu                sync.Mutex
	nextPtr           acl.DevicePtr
	emptySizes        []int
	emptySeq          []int64
	released          []framework.Tensor
	formatCasts       int
	contiguousCopies  int
	queue             []acl.Task
	commandNames      []string
	nilStream         bool
	streamErr         error
	runOpCommandError error
}

func newFakeFramework(seq *sequence) *fakeFramework {
	return &fakeFramework{seq: seq, nextPtr: 0x10_0000}
}

func (f *fakeFramework) alloc() acl.DevicePtr {
	f.nextPtr += 0x1000
	return f.nextPtr
}

func (f *fakeFramework) FormatCast(t framework.Tensor, format atb.Format) (framework.Tensor, error) {
	if t.Format() == format {
		return t, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formatCasts++
	ft := *t.(*fakeTensor)
	ft.format = format
	ft.ptr = f.alloc()
	return &ft, nil
}

func (f *fakeFramework) Contiguous(t framework.Tensor) (framework.Tensor, error) {
	if t.IsContiguous() {
		return t, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contiguousCopies++
	ft := *t.(*fakeTensor)
	ft.strides = framework.ContiguousStrides(ft.shape)
	ft.ptr = f.alloc()
	return &ft, nil
}

func (f *fakeFramework) Empty(device framework.Device, dtype dtypes.DType, shape ...int) (framework.Tensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emptySizes = append(f.emptySizes, dtype.SizeForDimensions(shape...))
	f.emptySeq = append(f.emptySeq, f.seq.next())
	t := newFakeTensor(dtype, shape...)
	t.device = device
	t.ptr = f.alloc()
	return t, nil
}

func (f *fakeFramework) Release(t framework.Tensor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, t)
}

func (f *fakeFramework) CurrentStream(device int) (acl.Stream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.nilStream {
		return nil, nil
	}
	return &fakeStream{device: device}, nil
}

func (f *fakeFramework) RunOpCommand(_ acl.Stream, name string, handler acl.Task) error {
	if f.runOpCommandError != nil {
		return f.runOpCommandError
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandNames = append(f.commandNames, name)
	f.queue = append(f.queue, handler)
	return nil
}

func (f *fakeFramework) CopyAsync(acl.Stream, framework.Tensor, framework.Tensor) error {
	return errors.New("not implemented")
}

// drain runs the queued op commands, and returns the first error.
func (f *fakeFramework) drain() error {
	f.mu.Lock()
	queue := f.queue
	f.queue = nil
	f.mu.Unlock()
	var firstErr error
	for _, task := range queue {
		if err := task(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type fakeContext struct {
	bindStatus atb.Status
	stream     acl.Stream
	destroyed  atomic.Int32
}

func (c *fakeContext) SetExecuteStream(stream acl.Stream) atb.Status {
	if c.bindStatus != atb.NoError {
		return c.bindStatus
	}
	c.stream = stream
	return atb.NoError
}

func (c *fakeContext) ExecuteStream() acl.Stream { return c.stream }

func (c *fakeContext) Destroy() atb.Status {
	c.destroyed.Add(1)
	return atb.NoError
}

type fakeLibrary struct {
	createStatus atb.Status
	bindStatus   atb.Status
	creations    atomic.Int32

	mu       sync.Mutex
	contexts []*fakeContext
}

func (l *fakeLibrary) CreateContext() (atb.Context, atb.Status) {
	l.creations.Add(1)
	if l.createStatus != atb.NoError {
		return nil, l.createStatus
	}
	ctx := &fakeContext{bindStatus: l.bindStatus}
	l.mu.Lock()
	l.contexts = append(l.contexts, ctx)
	l.mu.Unlock()
	return ctx, atb.NoError
}

func (l *fakeLibrary) CreateOperation(atb.Param) (atb.Operation, atb.Status) {
	return nil, atb.ErrorInvalidParam
}

type fakeRuntime struct {
	numDevices int
	current    int
}

func (r *fakeRuntime) DeviceCount() int { return r.numDevices }
func (r *fakeRuntime) CurrentDevice() (int, error) { return r.current, nil }
func (r *fakeRuntime) NewEvent(int) (acl.Event, error) { return nil, errors.New("not implemented") }

// fakeOperation records the sequence number of each call.
type fakeOperation struct {
	seq           *sequence
	workspaceSize uint64
	setupStatus   atb.Status
	executeStatus atb.Status

	setupSeq, executeSeq, destroySeq int64
	destroyCount                     int
	executedWorkspace                acl.DevicePtr
	executedWorkspaceSize            uint64
	executedVariantPack              atb.VariantPack
}

func (op *fakeOperation) Name() string { return "FakeOperation" }

func (op *fakeOperation) Setup(atb.VariantPack, atb.Context) (uint64, atb.Status) {
	op.setupSeq = op.seq.next()
	if op.setupStatus != atb.NoError {
		return 0, op.setupStatus
	}
	return op.workspaceSize, atb.NoError
}

func (op *fakeOperation) Execute(vp atb.VariantPack, workspace acl.DevicePtr, size uint64, _ atb.Context) atb.Status {
	op.executeSeq = op.seq.next()
	op.executedVariantPack = vp
	op.executedWorkspace = workspace
	op.executedWorkspaceSize = size
	return op.executeStatus
}

func (op *fakeOperation) Destroy() atb.Status {
	op.destroySeq = op.seq.next()
	op.destroyCount++
	return atb.NoError
}

// testBridge wires a Dispatcher to the fakes.
type testBridge struct {
	seq        *sequence
	fw         *fakeFramework
	lib        *fakeLibrary
	runtime    *fakeRuntime
	contexts   *Contexts
	dispatcher *Dispatcher
}

func newTestBridge() *testBridge {
	b := &testBridge{seq: &sequence{}, lib: &fakeLibrary{}, runtime: &fakeRuntime{numDevices: 2}}
	b.fw = newFakeFramework(b.seq)
	b.contexts = NewContexts(b.lib, b.runtime, b.fw)
	b.dispatcher = NewDispatcher(b.fw, b.contexts)
	return b
}
