package adapter

import (
	"github.com/gomlx/goatb/acl"
	"github.com/pkg/errors"
)

// Errors returned by the bridge. They are always wrapped with the details of the violation, use errors.Is to
// identify them.
var (
	ErrUnsupportedDType = errors.New("dtype not supported by the operation library")
	ErrNotContiguous    = errors.New("tensor is not contiguous")
	ErrRankOverflow     = errors.New("tensor rank exceeds the descriptor capacity")
	ErrDeviceResidency  = errors.New("only accelerator tensors are supported")
	ErrSetupFailed      = errors.New("operation setup failed")
	ErrExecuteFailed    = errors.New("operation execute failed")
	ErrContextCreation  = errors.New("create context failed")
	ErrStreamBinding    = errors.New("bind execute stream failed")
	ErrPrecondition     = acl.ErrPrecondition
)
