package instances

import "errors"

var (
	// ErrNotFound is returned for an unknown instance id.
	ErrNotFound = errors.New("server not found")
	// ErrAlreadyExists is returned by Init when game data is already present
	// and overwrite was not requested.
	ErrAlreadyExists = errors.New("game data already uploaded")
	// ErrEmptyPayload is returned by Init for a zero-length upload.
	ErrEmptyPayload = errors.New("game data payload is empty")
)
