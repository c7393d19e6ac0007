package fetch

import (
	"errors"
	"fmt"
	"net/url"
)

const maxRedirectsCount = 16

var (
	// ErrTooManyRedirects is returned when the redirect chain exceeds the
	// hop limit.
	ErrTooManyRedirects = errors.New("too many redirects detected when doing the request")

	// ErrRedirectBlocked is returned when a redirect response arrives while
	// the request redirect mode is RedirectError.
	ErrRedirectBlocked = errors.New("redirect requested but redirect mode is set to error")

	// ErrInvalidRedirect is returned when a Location header cannot be
	// resolved into a followable http or https URL.
	ErrInvalidRedirect = errors.New("invalid redirect location")

	// ErrNonReplayableBody is returned when following a redirect would
	// require re-sending a one-shot stream body.
	ErrNonReplayableBody = errors.New("cannot replay one-shot body stream for redirect")
)

// doFollowRedirects drives the redirect chain for view: dispatch a hop,
// inspect the status, rewrite the descriptor and go again until a final
// response or a failure. view must be a private dispatch copy since its
// URL, method and headers are rewritten between hops.
func (c *Client) doFollowRedirects(view *Request) (*Response, error) {
	maxRedirects := c.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = maxRedirectsCount
	}

	hops := 0
	redirected := false
	for {
		ex, err := c.roundTrip(view, redirected)
		if err != nil {
			return nil, err
		}
		resp := ex.resp

		if !isRedirectStatus(resp.status) {
			resp.redirected = redirected
			return resp, nil
		}
		switch view.redirect {
		case RedirectManual:
			// the 3xx is delivered verbatim, minus the body
			ex.discard()
			resp.body = nil
			resp.redirected = redirected
			resp.rtype = ResponseOpaqueRedirect
			return resp, nil
		case RedirectError:
			ex.discard()
			return nil, ErrRedirectBlocked
		}

		location, ok := resp.headers.Get(headerLocation)
		if !ok || location == "" {
			// a redirect status without a target is delivered as-is
			resp.redirected = redirected
			return resp, nil
		}

		hops++
		if hops > maxRedirects {
			ex.discard()
			return nil, ErrTooManyRedirects
		}

		next, err := resolveRedirectURL(view.url, location)
		if err != nil {
			ex.discard()
			return nil, err
		}

		if redirectChangesMethod(resp.status, view.method) {
			view.method = MethodGet
			view.body = nil
			stripContentHeaders(view.headers)
		}
		if view.body != nil {
			if _, ok := view.body.replayBytes(); !ok {
				ex.discard()
				return nil, ErrNonReplayableBody
			}
		}
		if !sameOrigin(view.url, next) {
			view.headers.Del("authorization")
			view.headers.Del("cookie")
		}

		ex.discard()
		view.url = next
		redirected = true
	}
}

// resolveRedirectURL resolves a Location header value against the URL the
// redirect arrived from. Non-ASCII and whitespace bytes are
// percent-encoded first, since peers routinely emit them raw.
func resolveRedirectURL(base *url.URL, location string) (*url.URL, error) {
	ref, err := url.Parse(sanitizeLocation(location))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %s", ErrInvalidRedirect, location, err)
	}
	next := base.ResolveReference(ref)
	if next.Scheme != schemeHTTP && next.Scheme != schemeHTTPS {
		return nil, fmt.Errorf("%w %q: scheme %q cannot be followed", ErrInvalidRedirect, location, next.Scheme)
	}
	if next.Host == "" {
		return nil, fmt.Errorf("%w %q: missing host", ErrInvalidRedirect, location)
	}
	// a target without its own fragment inherits the current one
	if ref.Fragment == "" && base.Fragment != "" {
		next.Fragment = base.Fragment
	}
	return next, nil
}

// sanitizeLocation percent-encodes the bytes a URL reference cannot carry
// raw: non-ASCII, spaces and controls. Existing percent-escapes pass
// through untouched.
func sanitizeLocation(location string) string {
	needsEscape := false
	for i := 0; i < len(location); i++ {
		c := location[i]
		if c <= ' ' || c >= 0x7f {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return location
	}
	b := make([]byte, 0, len(location)+8)
	for i := 0; i < len(location); i++ {
		c := location[i]
		if c <= ' ' || c >= 0x7f {
			b = append(b, '%', upperhex[c>>4], upperhex[c&0xf])
		} else {
			b = append(b, c)
		}
	}
	return b2s(b)
}

// redirectChangesMethod reports whether the redirect status rewrites the
// request method to GET: 303 does for everything but HEAD, 301 and 302
// only for POST. 307 and 308 never rewrite.
func redirectChangesMethod(status int, method string) bool {
	switch status {
	case StatusSeeOther:
		return method != MethodHead
	case StatusMovedPermanently, StatusFound:
		return method == MethodPost
	}
	return false
}

// stripContentHeaders drops the body-describing headers after a redirect
// downgraded the method to GET.
func stripContentHeaders(h *Headers) {
	h.Del(headerContentType)
	h.Del(headerContentEncoding)
	h.Del("content-language")
	h.Del("content-location")
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}
