package common

import "github.com/cockroachdb/errors"

// The four error kinds surfaced by the storage engine. Callers test with
// errors.Is; intermediate layers annotate with errors.Wrapf so that the
// kind survives propagation.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCorruption      = errors.New("corruption")
	ErrIO              = errors.New("i/o error")
)
