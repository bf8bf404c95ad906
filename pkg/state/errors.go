package state

import "errors"

var (
	ErrUnknownDoor     = errors.New("unknown door")
	ErrUnknownIgnition = errors.New("unknown ignition state")
)

// Persistence errors
var (
	ErrPersist     = errors.New("persist vehicle state")
	ErrLoadState   = errors.New("load vehicle state")
	ErrDecodeState = errors.New("decode vehicle state")
)
