package ignition

import "errors"

var (
	ErrSequenceInProgress = errors.New("ignition sequence in progress")
	ErrInvalidTransition  = errors.New("invalid ignition transition")
	ErrClosed             = errors.New("ignition controller closed")
)
