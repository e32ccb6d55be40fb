package driver

import "fmt"

// BrowsingException is returned from BrowsePage for any transport or
// protocol failure, including an unexpected websocket closure.
type BrowsingException struct {
	msg string
	err error
}

// newBrowsingException wraps err (if any) with a human-readable message.
func newBrowsingException(msg string, err error) *BrowsingException {
	return &BrowsingException{msg: msg, err: err}
}

func (e *BrowsingException) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

// Unwrap exposes the underlying transport/protocol error, if any.
func (e *BrowsingException) Unwrap() error { return e.err }

// BrowsingAborted is a BrowsingException raised when AbortBrowsePage was
// called during the visit. It satisfies errors.Is(err, BrowsingAborted)
// style checks via errors.As against *BrowsingAborted, and also unwraps
// to a plain *BrowsingException for callers matching the broader type.
type BrowsingAborted struct {
	*BrowsingException
}

// Unwrap returns the embedded *BrowsingException.
func (e *BrowsingAborted) Unwrap() error { return e.BrowsingException }

func newBrowsingAborted() *BrowsingAborted {
	return &BrowsingAborted{BrowsingException: newBrowsingException("browsing page aborted", nil)}
}

// StartupError is returned when the Driver's Supervisor fails to start.
type StartupError struct {
	err error
}

func (e *StartupError) Error() string { return fmt.Sprintf("chrome failed to start: %v", e.err) }
func (e *StartupError) Unwrap() error { return e.err }
