package audit

import "errors"

var errHookPanic = errors.New("audit: hook panicked")
