package registry

import "fmt"

// TransportError indicates the registry was unreachable or answered with a
// failure status. It is always fatal to the running command.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry transport %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("registry transport %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
