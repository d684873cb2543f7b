package batch

// UnsafeError aborts a whole batch: the first unrecoverable push error
// fails the operation with no rollback, leaving the destination partially
// populated.
type UnsafeError struct {
	task string
	err  error
}

func NewUnsafeError(task string, err error) *UnsafeError {
	return &UnsafeError{task: task, err: err}
}

func (e *UnsafeError) Error() string {
	return "unsafe error while " + e.task + ": " + e.err.Error()
}

func (e *UnsafeError) Unwrap() error {
	return e.err
}
