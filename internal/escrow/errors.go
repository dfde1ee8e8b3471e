package escrow

import "errors"

var (
	ErrNotFound           = errors.New("escrow: not found")
	ErrInvalidAmount      = errors.New("escrow: invalid amount")
	ErrInvalidInput       = errors.New("escrow: invalid input")
	ErrForbidden          = errors.New("escrow: actor not permitted")
	ErrPreconditionFailed = errors.New("escrow: precondition failed")
	ErrConflict           = errors.New("escrow: reference conflict")
	ErrProcessor          = errors.New("escrow: payment processor error")
)
