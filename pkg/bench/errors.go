package bench

import "errors"

var (
	ErrSetup     = errors.New("bench setup")
	ErrUnknownVM = errors.New("unknown vm")
	ErrShutdown  = errors.New("bench shutdown")
	ErrAlreadyUp = errors.New("bench already up")
)
