package fetch

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAborted matches every abort failure: errors.Is(err, ErrAborted)
// is true for any *AbortError regardless of its reason.
var ErrAborted = errors.New("The signal has been aborted")

// ErrTimeout is the abort reason used by signals created with TimeoutSignal.
var ErrTimeout = errors.New("signal timed out")

// AbortError is returned when a fetch is interrupted by its AbortSignal.
type AbortError struct {
	// Reason is the value passed to AbortController.Abort, nil when the
	// controller fired without one.
	Reason any
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return "The signal has been aborted"
	}
	if err, ok := e.Reason.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Reason)
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

func (e *AbortError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

// AbortController fires an AbortSignal observed by the fetches the signal
// was attached to.
type AbortController struct {
	signal AbortSignal
}

// NewAbortController returns a controller with a fresh, unfired signal.
func NewAbortController() *AbortController {
	c := &AbortController{}
	c.signal.done = make(chan struct{})
	return c
}

// Signal returns the controller's signal. The same signal may be attached
// to any number of requests.
func (c *AbortController) Signal() *AbortSignal {
	return &c.signal
}

// Abort fires the signal with the given reason. The reason may be nil, an
// error, or any printable value; it is carried verbatim on the resulting
// AbortError. Aborting twice is a no-op.
func (c *AbortController) Abort(reason any) {
	c.signal.abort(reason)
}

// AbortSignal is a single-fire cancellation latch. Observing an abort is
// idempotent: once fired, the signal stays aborted with the same reason.
//
// Obtain signals from NewAbortController or TimeoutSignal; the zero value
// is not usable.
type AbortSignal struct {
	once   sync.Once
	reason any
	done   chan struct{}
}

func (s *AbortSignal) abort(reason any) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// Aborted reports whether the signal has fired.
func (s *AbortSignal) Aborted() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the signal fires.
func (s *AbortSignal) Done() <-chan struct{} {
	return s.done
}

// Reason returns the value the signal was aborted with, or nil if the
// signal has not fired (or fired without a reason).
func (s *AbortSignal) Reason() any {
	if !s.Aborted() {
		return nil
	}
	return s.reason
}

// Err returns nil while the signal is unfired, afterwards an *AbortError
// carrying the abort reason.
func (s *AbortSignal) Err() error {
	if !s.Aborted() {
		return nil
	}
	return &AbortError{Reason: s.reason}
}

// TimeoutSignal returns a signal that fires with ErrTimeout as reason
// once d elapses.
func TimeoutSignal(d time.Duration) *AbortSignal {
	c := NewAbortController()
	time.AfterFunc(d, func() {
		c.Abort(ErrTimeout)
	})
	return c.Signal()
}
