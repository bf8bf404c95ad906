package lock

import "errors"

var (
	ErrResourceConflict = errors.New("resource held by another process")
	ErrScan             = errors.New("scan process table")
	ErrTerminate        = errors.New("terminate stale process")
)
