package qemu

import "errors"

// Argument building errors
var (
	ErrArgumentCollision = errors.New("argument collision")
	ErrInvalidSpec       = errors.New("invalid qemu spec")
)

// Lifecycle errors, recorded in the runtime and returned by Start
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrResourceConflict = errors.New("resource conflict")
	ErrSpawn            = errors.New("process spawn error")
	ErrStop             = errors.New("stop guest")
)
