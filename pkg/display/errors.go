package display

import "errors"

var (
	ErrUnknownDisplay = errors.New("unknown display")
	ErrNoFrame        = errors.New("no frame available")
)
