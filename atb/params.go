package atb

// LinearParam configures a "Linear" operation: out = op(x) . op(weight) [+ bias].
//
// With EnAccum set the output tensor is also an input and the product is accumulated into it,
// which is how the fp32 "matmul add" gradient accumulation is expressed.
type LinearParam struct {
	TransposeA bool
	TransposeB bool
	HasBias    bool
	EnAccum    bool
}

// OperationKind implements Param.
func (LinearParam) OperationKind() string { return "Linear" }

// ActivationType selects the function of an ActivationParam.
type ActivationType int

const (
	ActivationUndefined ActivationType = iota
	ActivationRelu
	ActivationGelu
	ActivationSwish
)

// ActivationParam configures an element-wise "Activation" operation.
type ActivationParam struct {
	Type ActivationType
}

// OperationKind implements Param.
func (ActivationParam) OperationKind() string { return "Activation" }
