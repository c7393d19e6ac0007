package fetch

import (
	"errors"
	"testing"
)

func TestDenyAll(t *testing.T) {
	t.Parallel()

	err := DenyAll().Check(PermissionNet, "example.com:80")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("unexpected error %v. Expecting ErrPermissionDenied", err)
	}
}

func TestPermissionErrorMessage(t *testing.T) {
	t.Parallel()

	pe := &PermissionError{Kind: PermissionNet, Resource: "example.com:443"}
	expected := `permission denied: requires net access to "example.com:443"`
	if pe.Error() != expected {
		t.Fatalf("unexpected message %q. Expecting %q", pe.Error(), expected)
	}

	cause := errors.New("blocked by policy")
	pe = &PermissionError{Kind: PermissionRead, Resource: "/etc/passwd", Err: cause}
	expected = `permission denied: requires read access to "/etc/passwd": blocked by policy`
	if pe.Error() != expected {
		t.Fatalf("unexpected message %q. Expecting %q", pe.Error(), expected)
	}

	// the generic denial is not repeated in the message
	pe = &PermissionError{Kind: PermissionNet, Resource: "h:80", Err: ErrPermissionDenied}
	expected = `permission denied: requires net access to "h:80"`
	if pe.Error() != expected {
		t.Fatalf("unexpected message %q. Expecting %q", pe.Error(), expected)
	}
}

func TestPermissionErrorIsUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	pe := &PermissionError{Kind: PermissionNet, Resource: "h:80", Err: cause}
	if !errors.Is(pe, ErrPermissionDenied) {
		t.Fatalf("PermissionError does not match ErrPermissionDenied")
	}
	if !errors.Is(pe, cause) {
		t.Fatalf("PermissionError does not unwrap to its cause")
	}
}

func TestCheckPermission(t *testing.T) {
	t.Parallel()

	c := &Client{}
	if err := c.checkPermission(PermissionNet, "example.com:80"); err != nil {
		t.Fatalf("unexpected error with no checker: %v", err)
	}

	cause := errors.New("not on the allowlist")
	c = &Client{Permissions: PermissionFunc(func(kind, resource string) error {
		return cause
	})}
	err := c.checkPermission(PermissionNet, "example.com:80")
	var pe *PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a PermissionError", err)
	}
	if pe.Kind != PermissionNet || pe.Resource != "example.com:80" || pe.Err != cause {
		t.Fatalf("unexpected wrapping %+v", pe)
	}

	// a checker returning a PermissionError keeps it as-is
	custom := &PermissionError{Kind: PermissionNet, Resource: "custom"}
	c = &Client{Permissions: PermissionFunc(func(kind, resource string) error {
		return custom
	})}
	if err := c.checkPermission(PermissionNet, "example.com:80"); !errors.Is(err, ErrPermissionDenied) || err != error(custom) {
		t.Fatalf("unexpected error %v. Expecting the checker's own PermissionError", err)
	}
}

func TestNetPermissionResource(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		url, expected string
	}{
		{"http://example.com/x", "example.com:80"},
		{"https://example.com/x", "example.com:443"},
		{"http://example.com:8080/x", "example.com:8080"},
	} {
		u := mustParseURL(t, tc.url)
		if got := netPermissionResource(u); got != tc.expected {
			t.Fatalf("unexpected resource %q for %q. Expecting %q", got, tc.url, tc.expected)
		}
	}
}

func TestPermissionAllowFunc(t *testing.T) {
	t.Parallel()

	// an allowlist built over the deny default
	checker := PermissionFunc(func(kind, resource string) error {
		if kind == PermissionNet && resource == "allowed.example.com:80" {
			return nil
		}
		return ErrPermissionDenied
	})
	if err := checker.Check(PermissionNet, "allowed.example.com:80"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := checker.Check(PermissionNet, "other.example.com:80"); err == nil {
		t.Fatalf("expecting a denial")
	}
}
