package metrics

import "errors"

var ErrServe = errors.New("serve metrics")
