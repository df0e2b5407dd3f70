package browser

import (
	"fmt"
	"time"
)

// LaunchError reports a missing or broken browser executable.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("browser launch failed: %v", e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// NavigationError covers network, certificate and timeout failures of a page load.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}
func (e *NavigationError) Unwrap() error { return e.Err }

// ElementNotFoundError means the selector resolved to nothing.
type ElementNotFoundError struct {
	Selector string
	Err      error
}

func (e *ElementNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("element %q not found: %v", e.Selector, e.Err)
	}
	return fmt.Sprintf("element %q not found", e.Selector)
}
func (e *ElementNotFoundError) Unwrap() error { return e.Err }

// ActionTimeoutError means a page operation exceeded its own timeout.
type ActionTimeoutError struct {
	Op       string
	Selector string
	Timeout  time.Duration
	Err      error
}

func (e *ActionTimeoutError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s %q timed out after %s", e.Op, e.Selector, e.Timeout)
}
func (e *ActionTimeoutError) Unwrap() error { return e.Err }
