package blob

import "errors"

var (
	// ErrNotFound indicates no blob exists for the given object key.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidKey indicates the object key is not a valid content digest.
	ErrInvalidKey = errors.New("invalid object key")
)
