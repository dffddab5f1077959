package manager

// serverNotFoundError indicates no tracked (or running) server for an id.
type serverNotFoundError struct{ id string }

func (e serverNotFoundError) Error() string { return "server not found: " + e.id }

// ErrServerNotFound constructs a serverNotFoundError.
func ErrServerNotFound(id string) error { return serverNotFoundError{id: id} }

// IsServerNotFound reports whether err indicates a missing server id.
func IsServerNotFound(err error) bool {
	_, ok := err.(serverNotFoundError)
	return ok
}
