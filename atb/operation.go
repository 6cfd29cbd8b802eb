package atb

import (
	"fmt"

	"github.com/gomlx/goatb/acl"
	"github.com/pkg/errors"
)

// Status is the status code returned by operation library calls. Zero is success.
type Status int32

const (
	NoError                  Status = 0
	ErrorInvalidParam        Status = 1
	ErrorInvalidGraph        Status = 2
	ErrorInternalError       Status = 3
	ErrorRtFail              Status = 4
	ErrorInvalidInTensorNum  Status = 5
	ErrorInvalidTensorDtype  Status = 6
	ErrorInvalidTensorFormat Status = 7
	ErrorInvalidTensorDim    Status = 8
	ErrorInvalidTensorSize   Status = 9
	ErrorOutOfHostMemory     Status = 10
	ErrorOutOfDeviceMemory   Status = 11
	ErrorCanceled            Status = 12
	ErrorInvalidContext      Status = 15
)

var statusNames = map[Status]string{
	NoError:                  "NO_ERROR",
	ErrorInvalidParam:        "ERROR_INVALID_PARAM",
	ErrorInvalidGraph:        "ERROR_INVALID_GRAPH",
	ErrorInternalError:       "ERROR_INTERNAL_ERROR",
	ErrorRtFail:              "ERROR_RT_FAIL",
	ErrorInvalidInTensorNum:  "ERROR_INVALID_IN_TENSOR_NUM",
	ErrorInvalidTensorDtype:  "ERROR_INVALID_TENSOR_DTYPE",
	ErrorInvalidTensorFormat: "ERROR_INVALID_TENSOR_FORMAT",
	ErrorInvalidTensorDim:    "ERROR_INVALID_TENSOR_DIM",
	ErrorInvalidTensorSize:   "ERROR_INVALID_TENSOR_SIZE",
	ErrorOutOfHostMemory:     "ERROR_OUT_OF_HOST_MEMORY",
	ErrorOutOfDeviceMemory:   "ERROR_OUT_OF_DEVICE_MEMORY",
	ErrorCanceled:            "ERROR_CANCELED",
	ErrorInvalidContext:      "ERROR_INVALID_CONTEXT",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// ToError converts the status to a Go error with a stack trace, or nil if the status is NoError.
// The message describes the call that returned it.
func (s Status) ToError(call string) error {
	if s == NoError {
		return nil
	}
	return errors.Errorf("%s failed with status %d (%s)", call, int32(s), s)
}

// Context is the opaque execution context of the operation library. Operations executed with a context run on
// the stream bound to it.
type Context interface {
	// SetExecuteStream binds the device stream operations are executed on.
	SetExecuteStream(stream acl.Stream) Status

	// ExecuteStream returns the bound stream, or nil.
	ExecuteStream() acl.Stream

	// Destroy the context.
	Destroy() Status
}

// Operation is an opaque, pre-validated unit of device computation.
type Operation interface {
	// Name of the operation, for logging.
	Name() string

	// Setup validates the variant pack and returns the workspace size in bytes the execution requires.
	Setup(variantPack VariantPack, ctx Context) (workspaceSize uint64, status Status)

	// Execute enqueues the computation on the context's stream, using the given workspace.
	Execute(variantPack VariantPack, workspace acl.DevicePtr, workspaceSize uint64, ctx Context) Status

	// Destroy the operation object. It must not be called while an execution may still reference it.
	Destroy() Status
}

// Param is the configuration of an operation to be created, one type per operation kind.
type Param interface {
	// OperationKind is the name of the operation kind the parameter configures.
	OperationKind() string
}

// Library is the operation library entry point.
type Library interface {
	// CreateContext creates a new execution context.
	CreateContext() (Context, Status)

	// CreateOperation creates an operation for the given parameters.
	CreateOperation(param Param) (Operation, Status)
}
