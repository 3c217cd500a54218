package run

import "errors"

var (
	ErrNotFound        = errors.New("run not found")
	ErrAlreadyExists   = errors.New("run already exists")
	ErrAlreadyPaid     = errors.New("run has already been paid")
	ErrCantBeCancelled = errors.New("run can't be cancelled after payment registration")
	ErrCancelled       = errors.New("run is cancelled")
	ErrForbidden       = errors.New("only the run creator can perform this action")
	ErrFieldAlreadySet = errors.New("run field already set")
	ErrInvalidTxHash   = errors.New("invalid transaction hash")
	ErrNoRecipeGas     = errors.New("recipe has no gas amount")
)
