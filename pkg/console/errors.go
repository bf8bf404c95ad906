package console

import "errors"

var ErrTransport = errors.New("console transport")
