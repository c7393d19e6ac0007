package fetch

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrMissingResource is returned when Fetch or NewRequest is called with
// an empty resource URL.
var ErrMissingResource = errors.New("missing resource URL")

// HTTP methods. Any RFC 7230 token is accepted as a method; these are the
// common ones.
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
	MethodOptions = "OPTIONS"
)

// RedirectMode controls how a fetch reacts to 3xx responses.
type RedirectMode string

const (
	// RedirectFollow resolves Location and re-dispatches, up to the hop cap.
	RedirectFollow RedirectMode = "follow"
	// RedirectManual delivers the 3xx response verbatim as opaqueredirect.
	RedirectManual RedirectMode = "manual"
	// RedirectError fails the fetch on the first redirect.
	RedirectError RedirectMode = "error"
)

// CredentialsMode is carried on the request as policy metadata; the engine
// stores no cookies and attaches no ambient credentials itself.
type CredentialsMode string

const (
	CredentialsSameOrigin CredentialsMode = "same-origin"
	CredentialsOmit       CredentialsMode = "omit"
	CredentialsInclude    CredentialsMode = "include"
)

// CacheMode is carried on the request as policy metadata; the engine
// maintains no HTTP cache.
type CacheMode string

const (
	CacheDefault      CacheMode = "default"
	CacheNoStore      CacheMode = "no-store"
	CacheReload       CacheMode = "reload"
	CacheNoCache      CacheMode = "no-cache"
	CacheForceCache   CacheMode = "force-cache"
	CacheOnlyIfCached CacheMode = "only-if-cached"
)

// Request describes a single exchange. Construct with NewRequest; the
// descriptor is immutable after construction except for header mutation,
// which is allowed until the request is dispatched. The engine operates on
// a private clone, so mutating a Request during an in-flight fetch does
// not affect that fetch.
type Request struct {
	method  string
	url     *url.URL
	headers *Headers
	body    *Body

	redirect       RedirectMode
	cache          CacheMode
	credentials    CredentialsMode
	referrerPolicy string
	keepalive      bool
	signal         *AbortSignal
}

// Init carries per-call options for Fetch and NewRequest, mirroring the
// init object accepted by web fetch. The zero value changes nothing.
type Init struct {
	// Method is an RFC 7230 token; it defaults to GET. The well-known verbs
	// are normalized to upper case, other tokens are sent verbatim.
	Method string

	// Headers accepts *Headers, map[string]string or [][2]string. When the
	// base request already has headers, values given here overlay per name
	// instead of replacing the whole set.
	Headers any

	// Body accepts nil, string, []byte, io.Reader, *Form, url.Values or
	// *Body. String bodies are typed text/plain;charset=UTF-8, forms
	// multipart/form-data, url values urlencoded; a caller-supplied
	// content-type header always wins.
	Body any

	Redirect       RedirectMode
	Cache          CacheMode
	Credentials    CredentialsMode
	ReferrerPolicy string
	Signal         *AbortSignal

	// ConnectionClose disables keep-alive for this exchange: the engine
	// sends "connection: close" and the transport connection is not pooled
	// afterwards.
	ConnectionClose bool
}

// NewRequest builds a request descriptor for an absolute resource URL.
func NewRequest(resource string, init *Init) (*Request, error) {
	if resource == "" {
		return nil, ErrMissingResource
	}
	u, err := url.Parse(resource)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", resource, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("invalid URL %q: not absolute", resource)
	}
	r := &Request{
		method:      MethodGet,
		url:         u,
		headers:     NewHeaders(),
		redirect:    RedirectFollow,
		cache:       CacheDefault,
		credentials: CredentialsSameOrigin,
		keepalive:   true,
	}
	if err := r.applyInit(init, false); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRequestFrom clones base and overlays init onto the clone. Header
// values in init overlay per name: the first value for a name replaces the
// base values, further values for the same name append.
func NewRequestFrom(base *Request, init *Init) (*Request, error) {
	r, err := base.Clone()
	if err != nil {
		return nil, err
	}
	if err := r.applyInit(init, true); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Request) applyInit(init *Init, overlay bool) error {
	if init == nil {
		init = &Init{}
	}
	if init.Method != "" {
		m, err := normalizeMethod(init.Method)
		if err != nil {
			return err
		}
		r.method = m
	}
	if init.Headers != nil {
		hdrs, err := headersFrom(init.Headers)
		if err != nil {
			return err
		}
		if overlay {
			overlayHeaders(r.headers, hdrs)
		} else {
			r.headers = hdrs
		}
	}
	if init.Body != nil {
		body, err := NewBody(init.Body)
		if err != nil {
			return err
		}
		if body.Used() {
			return fmt.Errorf("request body: %w", ErrBodyConsumed)
		}
		r.body = body
	}
	if r.body != nil && (r.method == MethodGet || r.method == MethodHead) {
		return fmt.Errorf("request with %s method cannot have body", r.method)
	}
	if r.body != nil {
		if ct := r.body.ContentType(); ct != "" && !r.headers.Has(headerContentType) {
			if err := r.headers.Set(headerContentType, ct); err != nil {
				return err
			}
		}
	}
	if init.Redirect != "" {
		switch init.Redirect {
		case RedirectFollow, RedirectManual, RedirectError:
			r.redirect = init.Redirect
		default:
			return fmt.Errorf("invalid redirect mode %q", init.Redirect)
		}
	}
	if init.Cache != "" {
		r.cache = init.Cache
	}
	if init.Credentials != "" {
		r.credentials = init.Credentials
	}
	if init.ReferrerPolicy != "" {
		r.referrerPolicy = init.ReferrerPolicy
	}
	if init.Signal != nil {
		r.signal = init.Signal
	}
	if init.ConnectionClose {
		r.keepalive = false
	}
	return nil
}

// headersFrom converts the Init.Headers variants into an owned store.
func headersFrom(v any) (*Headers, error) {
	switch h := v.(type) {
	case *Headers:
		return h.Clone(), nil
	case map[string]string:
		return HeadersFromMap(h)
	case [][2]string:
		return HeadersFromPairs(h)
	}
	return nil, fmt.Errorf("unsupported headers type %T", v)
}

// overlayHeaders applies src onto dst per name: the first src value for a
// name replaces dst's values, later src values for the same name append.
func overlayHeaders(dst, src *Headers) {
	seen := make(map[string]bool, src.Len())
	src.VisitAll(func(name, value string) {
		if !seen[name] {
			seen[name] = true
			dst.Del(name)
		}
		dst.kvs = append(dst.kvs, headerKV{name, value})
	})
}

// Method returns the request method token.
func (r *Request) Method() string { return r.method }

// URL returns the parsed absolute resource URL.
func (r *Request) URL() *url.URL { return r.url }

// Headers returns the request's header store. It may be mutated until the
// request is dispatched.
func (r *Request) Headers() *Headers { return r.headers }

// Body returns the request body, nil when absent.
func (r *Request) Body() *Body { return r.body }

// Redirect returns the redirect mode.
func (r *Request) Redirect() RedirectMode { return r.redirect }

// Cache returns the carried cache policy.
func (r *Request) Cache() CacheMode { return r.cache }

// Credentials returns the carried credentials policy.
func (r *Request) Credentials() CredentialsMode { return r.credentials }

// ReferrerPolicy returns the carried referrer policy.
func (r *Request) ReferrerPolicy() string { return r.referrerPolicy }

// Keepalive reports whether the transport connection may be reused after
// the exchange.
func (r *Request) Keepalive() bool { return r.keepalive }

// Signal returns the attached abort signal, nil when none.
func (r *Request) Signal() *AbortSignal { return r.signal }

// Clone returns a deep copy of the request. Fixed-payload bodies are
// copied; a body backed by a stream cannot be cloned, and a consumed or
// locked body fails with the corresponding state error.
func (r *Request) Clone() (*Request, error) {
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
			return nil, fmt.Errorf("cannot clone request: %w", ErrBodyConsumed)
		case state == bodyLocked:
			return nil, fmt.Errorf("cannot clone request: %w", ErrBodyLocked)
		case isStream:
			return nil, errors.New("cannot clone request with a stream body")
		}
		c.body = newFixedBody(r.body.fixed, r.body.contentType)
	}
	return &c, nil
}

// dispatchView freezes the descriptor for the engine: headers and URL are
// private copies, the body container is shared so consumption is visible
// to the caller.
func (r *Request) dispatchView() *Request {
	c := *r
	c.url = cloneURL(r.url)
	c.headers = r.headers.Clone()
	return &c
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	if u.User != nil {
		uc := *u.User
		c.User = &uc
	}
	return &c
}

// normalizeMethod validates the method token, uppercases the six
// case-normalizable verbs and rejects the forbidden ones.
func normalizeMethod(m string) (string, error) {
	if m == "" {
		return "", errors.New("empty request method")
	}
	for i := 0; i < len(m); i++ {
		if !validMethodValueByte(m[i]) {
			return "", fmt.Errorf("invalid request method %q", m)
		}
	}
	upper := m
	for i := 0; i < len(m); i++ {
		if m[i] >= 'a' && m[i] <= 'z' {
			b := []byte(m)
			for j := range b {
				b[j] = toUpperTable[b[j]]
			}
			upper = string(b)
			break
		}
	}
	switch upper {
	case "CONNECT", "TRACE", "TRACK":
		return "", fmt.Errorf("method %q is not allowed", m)
	case MethodGet, MethodHead, MethodPost, MethodPut, MethodDelete, MethodOptions:
		return upper, nil
	}
	return m, nil
}
