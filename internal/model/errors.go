package model

import "errors"

// ErrInvalidInput marks errors caused by malformed or inconsistent
// caller-supplied data. Handlers map it to HTTP 400.
var ErrInvalidInput = errors.New("model: invalid input")
