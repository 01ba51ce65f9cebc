package approval

// ErrNotFound is returned when a request id has no matching record.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "approval: request not found" }
