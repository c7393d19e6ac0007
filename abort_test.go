package fetch

import (
	"errors"
	"testing"
	"time"
)

func TestAbortControllerDefaultReason(t *testing.T) {
	t.Parallel()

	c := NewAbortController()
	sig := c.Signal()

	if sig.Aborted() {
		t.Fatalf("fresh signal reports aborted")
	}
	if sig.Err() != nil {
		t.Fatalf("fresh signal carries error: %v", sig.Err())
	}

	c.Abort(nil)

	if !sig.Aborted() {
		t.Fatalf("signal not aborted after Abort")
	}
	err := sig.Err()
	if err == nil {
		t.Fatalf("aborted signal returned nil error")
	}
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("unexpected error %v. Expecting ErrAborted match", err)
	}
	if err.Error() != "The signal has been aborted" {
		t.Fatalf("unexpected error message %q", err.Error())
	}

	select {
	case <-sig.Done():
	default:
		t.Fatalf("Done channel not closed after abort")
	}
}

func TestAbortControllerCustomReason(t *testing.T) {
	t.Parallel()

	c := NewAbortController()
	c.Abort("user canceled")

	sig := c.Signal()
	if sig.Reason() != "user canceled" {
		t.Fatalf("unexpected reason %v", sig.Reason())
	}
	err := sig.Err()
	if err.Error() != "user canceled" {
		t.Fatalf("unexpected error message %q", err.Error())
	}
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("custom reason lost the ErrAborted match")
	}
}

func TestAbortControllerErrorReason(t *testing.T) {
	t.Parallel()

	cause := errors.New("deadline blown")
	c := NewAbortController()
	c.Abort(cause)

	err := c.Signal().Err()
	if !errors.Is(err, cause) {
		t.Fatalf("abort error does not unwrap to the reason")
	}
	if err.Error() != "deadline blown" {
		t.Fatalf("unexpected error message %q", err.Error())
	}
}

func TestAbortIdempotent(t *testing.T) {
	t.Parallel()

	c := NewAbortController()
	c.Abort("first")
	c.Abort("second")

	if r := c.Signal().Reason(); r != "first" {
		t.Fatalf("second abort overwrote the reason: %v", r)
	}
}

func TestAbortSignalNil(t *testing.T) {
	t.Parallel()

	var sig *AbortSignal
	if sig.Aborted() {
		t.Fatalf("nil signal reports aborted")
	}
	if sig.Err() != nil {
		t.Fatalf("nil signal carries error")
	}
	if sig.Reason() != nil {
		t.Fatalf("nil signal carries reason")
	}
}

func TestTimeoutSignal(t *testing.T) {
	t.Parallel()

	sig := TimeoutSignal(10 * time.Millisecond)
	select {
	case <-sig.Done():
	case <-time.After(time.Second):
		t.Fatalf("timeout signal never fired")
	}
	if !errors.Is(sig.Err(), ErrTimeout) {
		t.Fatalf("unexpected reason: %v", sig.Err())
	}
}
