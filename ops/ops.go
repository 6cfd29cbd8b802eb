// Package ops implements device operations on framework tensors, on top of the adapter bridge.
//
// Each function creates the operation from the library, fills a ParamSetter and dispatches it: they return as
// soon as the operation is enqueued on the current device's stream.
package ops

import (
	"github.com/gomlx/goatb/adapter"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
)

// createOperation creates the operation, converting a failure status to an error.
func createOperation(lib atb.Library, param atb.Param) (atb.Operation, error) {
	op, status := lib.CreateOperation(param)
	if err := status.ToError("CreateOperation(" + param.OperationKind() + ")"); err != nil {
		return nil, err
	}
	if op == nil {
		return nil, errors.Errorf("CreateOperation(%s) returned no operation", param.OperationKind())
	}
	return op, nil
}

func checkRank2(name string, t framework.Tensor) error {
	if !framework.IsDefined(t) {
		return errors.Errorf("%s is undefined", name)
	}
	if len(t.Shape()) != 2 {
		return errors.Errorf("%s must have rank 2, got shape %v", name, t.Shape())
	}
	return nil
}

// MatmulAdd accumulates into c the product of x transposed and weight: c += x^T . weight.
//
// x is [k, m] and weight is [k, n], both Float16 or both BFloat16. c is the [m, n] Float32 accumulator, updated
// in place. This is the gradient accumulation of a linear layer's weight.
func MatmulAdd(d *adapter.Dispatcher, lib atb.Library, x, weight, c framework.Tensor) error {
	if err := checkRank2("x", x); err != nil {
		return errors.WithMessage(err, "MatmulAdd")
	}
	if err := checkRank2("weight", weight); err != nil {
		return errors.WithMessage(err, "MatmulAdd")
	}
	if err := checkRank2("c", c); err != nil {
		return errors.WithMessage(err, "MatmulAdd")
	}
	if x.DType() != weight.DType() || (x.DType() != dtypes.Float16 && x.DType() != dtypes.BFloat16) {
		return errors.Errorf("MatmulAdd: x and weight must be both Float16 or both BFloat16, got %s and %s",
			x.DType(), weight.DType())
	}
	if c.DType() != dtypes.Float32 {
		return errors.Errorf("MatmulAdd: accumulator c must be Float32, got %s", c.DType())
	}
	if x.Shape()[0] != weight.Shape()[0] || c.Shape()[0] != x.Shape()[1] || c.Shape()[1] != weight.Shape()[1] {
		return errors.Errorf("MatmulAdd: incompatible shapes x=%v, weight=%v, c=%v", x.Shape(), weight.Shape(), c.Shape())
	}

	op, err := createOperation(lib, atb.LinearParam{TransposeA: true, EnAccum: true})
	if err != nil {
		return errors.WithMessage(err, "MatmulAdd")
	}
	params := adapter.NewParamSetter(d.Framework()).Input(x).Input(weight).Input(c).Output(c)
	return d.Run(op, params, "MatmulAddFp32")
}

// Gelu writes the (tanh approximated) GELU of x to out, which must have the same shape and dtype.
func Gelu(d *adapter.Dispatcher, lib atb.Library, x, out framework.Tensor) error {
	if !framework.IsDefined(x) || !framework.IsDefined(out) {
		return errors.New("Gelu: undefined tensor")
	}
	if !x.DType().IsFloat() || x.DType() != out.DType() {
		return errors.Errorf("Gelu: x and out must have the same float dtype, got %s and %s", x.DType(), out.DType())
	}
	op, err := createOperation(lib, atb.ActivationParam{Type: atb.ActivationGelu})
	if err != nil {
		return errors.WithMessage(err, "Gelu")
	}
	params := adapter.NewParamSetter(d.Framework()).Input(x).Output(out)
	return d.Run(op, params, "Gelu")
}

// NewGelu is like Gelu, but allocates the output on x's device.
func NewGelu(d *adapter.Dispatcher, lib atb.Library, x framework.Tensor) (framework.Tensor, error) {
	if !framework.IsDefined(x) {
		return nil, errors.New("NewGelu: undefined tensor")
	}
	out, err := d.Framework().Empty(x.Device(), x.DType(), x.Shape()...)
	if err != nil {
		return nil, errors.WithMessage(err, "NewGelu: failed to allocate output")
	}
	if err = Gelu(d, lib, x, out); err != nil {
		d.Framework().Release(out)
		return nil, err
	}
	return out, nil
}
