package process

import (
	"errors"
	"fmt"
)

// ErrNotReaped is returned by Stop when the process survived SIGKILL for the
// reap window. The handle is abandoned and the process may leak.
var ErrNotReaped = errors.New("process not reaped after kill")

// StartError reports that cloudflared could not be spawned, e.g. the binary is
// missing or not executable. It is never retried by the supervisor itself.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// IsStartError reports whether err wraps a *StartError.
func IsStartError(err error) bool {
	var se *StartError
	return errors.As(err, &se)
}
