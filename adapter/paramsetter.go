package adapter

import (
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/framework"
	"github.com/pkg/errors"
)

// ParamSetter accumulates the input and output tensors of one operation invocation into an atb.VariantPack.
//
// It is a fluent builder: the first error is saved and returned by VariantPack (and by Dispatcher.Run), later
// calls don't convert anything. Input still appends one (placeholder) entry per call, so the positions of the
// variant pack always match the calls.
//
// Example:
//
//	params := adapter.NewParamSetter(fw).Input(x).Input(weight).Input(c).Output(c)
//	err := dispatcher.Run(op, params, "MatmulAddFp32")
//
// A ParamSetter is single use: it can be given to Dispatcher.Run only once.
type ParamSetter struct {
	fw          framework.Framework
	variantPack atb.VariantPack

	// inputs hold the normalized framework tensors, including ephemeral contiguous copies: they must stay
	// alive until the execution that reads them has run.
	inputs []framework.Tensor

	// copies are the tensors created by the normalization, released back to the allocator after enqueue.
	copies []framework.Tensor

	err      error
	consumed bool
}

// NewParamSetter creates a ParamSetter using the framework for the normalization of inputs.
func NewParamSetter(fw framework.Framework) *ParamSetter {
	return &ParamSetter{fw: fw}
}

// Input appends an input tensor.
//
// An absent (nil) or undefined tensor appends the empty placeholder. Otherwise the tensor must be on an
// accelerator; it's cast to the ND format and made contiguous (which may allocate a copy) before conversion.
func (p *ParamSetter) Input(t framework.Tensor) *ParamSetter {
	if !framework.IsDefined(t) || p.err != nil {
		p.variantPack.InTensors = append(p.variantPack.InTensors, atb.Tensor{})
		return p
	}
	tensor, normalized, err := p.normalizeInput(t)
	if err != nil {
		p.err = errors.WithMessagef(err, "ParamSetter.Input(#%d)", len(p.variantPack.InTensors))
		p.variantPack.InTensors = append(p.variantPack.InTensors, atb.Tensor{})
		return p
	}
	p.variantPack.InTensors = append(p.variantPack.InTensors, tensor)
	p.inputs = append(p.inputs, normalized)
	return p
}

func (p *ParamSetter) normalizeInput(t framework.Tensor) (atb.Tensor, framework.Tensor, error) {
	if !t.Device().IsAccelerator() {
		return atb.Tensor{}, nil, errors.Wrapf(ErrDeviceResidency, "tensor on %s", t.Device())
	}
	normalized, err := p.fw.FormatCast(t, atb.FormatND)
	if err != nil {
		return atb.Tensor{}, nil, errors.WithMessagef(err, "format cast from %s", t.Format())
	}
	if normalized != t {
		p.copies = append(p.copies, normalized)
	}
	if !normalized.IsContiguous() {
		contiguous, err := p.fw.Contiguous(normalized)
		if err != nil {
			return atb.Tensor{}, nil, errors.WithMessage(err, "contiguous copy")
		}
		if contiguous != normalized {
			p.copies = append(p.copies, contiguous)
		}
		normalized = contiguous
	}
	tensor, err := ToDescriptor(normalized)
	return tensor, normalized, err
}

// Output appends an output tensor. Outputs are converted as given: they are expected to be pre-allocated by the
// caller in the right layout, mismatches are reported by the operation's own validation.
func (p *ParamSetter) Output(t framework.Tensor) *ParamSetter {
	if p.err != nil {
		return p
	}
	tensor, err := ToDescriptor(t)
	if err != nil {
		p.err = errors.WithMessagef(err, "ParamSetter.Output(#%d)", len(p.variantPack.OutTensors))
		return p
	}
	p.variantPack.OutTensors = append(p.variantPack.OutTensors, tensor)
	return p
}

// VariantPack returns the accumulated variant pack, and the first error that happened while building it.
func (p *ParamSetter) VariantPack() (atb.VariantPack, error) {
	return p.variantPack, p.err
}

// Err returns the first error that happened while building the variant pack.
func (p *ParamSetter) Err() error {
	return p.err
}

// consume marks the ParamSetter as used by a dispatch.
func (p *ParamSetter) consume() error {
	if p.consumed {
		return errors.Wrap(ErrPrecondition, "ParamSetter already used by a previous dispatch")
	}
	p.consumed = true
	return nil
}

// releaseCopies returns the normalization copies to the framework allocator. The framework allocator is
// stream-ordered, so this is safe once the operation using them is enqueued.
func (p *ParamSetter) releaseCopies() {
	for _, t := range p.copies {
		p.fw.Release(t)
	}
	p.copies = nil
}
