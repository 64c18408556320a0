package access

import "github.com/cockroachdb/errors"

var (
	ErrUnauthenticated = errors.New("access: unauthenticated")
	ErrForbidden       = errors.New("access: forbidden")
	ErrNotFound        = errors.New("access: not found")
	ErrConflict        = errors.New("access: already exists")
	ErrInvalidInput    = errors.New("access: invalid input")
)
