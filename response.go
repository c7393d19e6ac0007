package fetch

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrNullBodyStatus is returned when a response with a null-body status
// code (101, 204, 205, 304) is constructed with a body.
var ErrNullBodyStatus = errors.New("Response with null body status cannot have body")

// ResponseType tags how a response was obtained.
type ResponseType string

const (
	ResponseBasic          ResponseType = "basic"
	ResponseCORS           ResponseType = "cors"
	ResponseOpaque         ResponseType = "opaque"
	ResponseOpaqueRedirect ResponseType = "opaqueredirect"
	ResponseError          ResponseType = "error"
	ResponseDefault        ResponseType = "default"
)

// Response describes the outcome of an exchange: status, headers, final
// URL and an optional single-consumption body. Responses are immutable
// once produced, except for body consumption.
type Response struct {
	status     int
	statusText string
	url        *url.URL
	headers    *Headers
	body       *Body
	redirected bool
	rtype      ResponseType
}

// ResponseInit carries options for NewResponse.
type ResponseInit struct {
	// Status must lie in 100..599; it defaults to 200.
	Status int

	// StatusText defaults to empty, like web fetch; network responses
	// carry whatever the status line said.
	StatusText string

	// Headers accepts the same variants as Init.Headers.
	Headers any
}

// NewResponse builds a synthesized response. body accepts the same source
// types as NewBody. Null-body statuses (101, 204, 205, 304) reject a
// non-nil body.
func NewResponse(body any, init *ResponseInit) (*Response, error) {
	status := StatusOK
	statusText := ""
	var headers *Headers
	if init != nil {
		if init.Status != 0 {
			status = init.Status
		}
		statusText = init.StatusText
		if init.Headers != nil {
			h, err := headersFrom(init.Headers)
			if err != nil {
				return nil, err
			}
			headers = h
		}
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("response status %d out of range 100..599", status)
	}
	b, err := NewBody(body)
	if err != nil {
		return nil, err
	}
	if b != nil && isNullBodyStatus(status) {
		return nil, ErrNullBodyStatus
	}
	if headers == nil {
		headers = NewHeaders()
	}
	if b != nil {
		if ct := b.ContentType(); ct != "" && !headers.Has(headerContentType) {
			if err := headers.Set(headerContentType, ct); err != nil {
				return nil, err
			}
		}
		if hct, ok := headers.Get(headerContentType); ok {
			b.setContentType(hct)
		}
	}
	return &Response{
		status:     status,
		statusText: statusText,
		headers:    headers,
		body:       b,
		rtype:      ResponseDefault,
	}, nil
}

// ErrorResponse returns the synthesized network-error response: type
// "error", status 0, empty headers, no body.
func ErrorResponse() *Response {
	return &Response{
		headers: NewHeaders(),
		rtype:   ResponseError,
	}
}

// RedirectResponse synthesizes a redirect to location with the given
// status, which must be one of 301, 302, 303, 307, 308.
func RedirectResponse(location string, status int) (*Response, error) {
	if !isRedirectStatus(status) {
		return nil, fmt.Errorf("invalid redirect status %d", status)
	}
	headers := NewHeaders()
	if err := headers.Set(headerLocation, location); err != nil {
		return nil, err
	}
	return &Response{
		status:     status,
		statusText: "",
		headers:    headers,
		rtype:      ResponseDefault,
	}, nil
}

// responseURL is the final URL exposed on a response: a private copy with
// the fragment dropped, since delivered responses never carry one.
func responseURL(u *url.URL) *url.URL {
	c := cloneURL(u)
	if c != nil {
		c.Fragment = ""
		c.RawFragment = ""
	}
	return c
}

// Status returns the response status code; 0 for error responses.
func (r *Response) Status() int { return r.status }

// StatusText returns the reason phrase from the status line, empty for
// synthesized responses.
func (r *Response) StatusText() string { return r.statusText }

// OK reports whether the status lies in 200..299.
func (r *Response) OK() bool { return r.status >= 200 && r.status <= 299 }

// URL returns the final resource URL after redirects, with any fragment
// stripped. It is nil for synthesized responses.
func (r *Response) URL() *url.URL { return r.url }

// Headers returns the response headers.
func (r *Response) Headers() *Headers { return r.headers }

// Body returns the response body, nil for null-body statuses, HEAD
// responses and manual-redirect results.
func (r *Response) Body() *Body { return r.body }

// Redirected reports whether at least one redirect hop was followed.
func (r *Response) Redirected() bool { return r.redirected }

// Type returns the response type tag.
func (r *Response) Type() ResponseType { return r.rtype }

// Clone returns a copy of the response. Fixed-payload bodies are copied;
// stream-backed bodies cannot be cloned, and consumed or locked bodies
// fail with the corresponding state error.
func (r *Response) Clone() (*Response, error) {
	c := *r
	c.url = cloneURL(r.url)
	c.headers = r.headers.Clone()
	if r.body != nil {
		r.body.mu.Lock()
		state := r.body.state
		isStream := r.body.stream != nil
		r.body.mu.Unlock()
		switch {
		case state == bodyConsumed:
			return nil, fmt.Errorf("cannot clone response: %w", ErrBodyConsumed)
		case state == bodyLocked:
			return nil, fmt.Errorf("cannot clone response: %w", ErrBodyLocked)
		case isStream:
			return nil, errors.New("cannot clone response with a stream body")
		}
		c.body = newFixedBody(r.body.fixed, r.body.contentType)
	}
	return &c, nil
}
