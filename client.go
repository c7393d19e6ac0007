package fetch

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSchemeNotSupported is returned for request URLs whose scheme the
	// engine cannot dispatch.
	ErrSchemeNotSupported = errors.New("scheme not supported")

	// ErrConnectionClosed is returned when the server closes a connection
	// before sending the first response byte.
	ErrConnectionClosed = errors.New("the server closed connection before returning the first response byte. " +
		"Make sure the server returns 'Connection: close' response header before closing the connection")

	errCredentialedURL = errors.New("fetch url with embedded credentials is not supported")
)

// Logger is used for logging optional client diagnostics, like retried
// exchanges on stale keep-alive connections.
type Logger interface {
	// Printf must have the same semantics as log.Printf.
	Printf(format string, args ...any)
}

var defaultClient Client

// Fetch builds a request from resource and init and performs it with the
// default client.
//
// The response resolves as soon as its head arrives; the body streams
// lazily and must be consumed or canceled to return the underlying
// connection.
func Fetch(resource string, init *Init) (*Response, error) {
	req, err := NewRequest(resource, init)
	if err != nil {
		return nil, err
	}
	return defaultClient.Do(req)
}

// Do performs the given request with the default client.
func Do(req *Request) (*Response, error) {
	return defaultClient.Do(req)
}

// Client is a fetch engine over keep-alive connection pools.
//
// It is safe calling Client methods from concurrently running goroutines.
//
// Copying Client by value is prohibited. Create new instance instead.
//
// The zero value is ready to use and mirrors web fetch defaults: redirects
// followed up to 16 hops, compressed bodies decoded transparently, no
// timeouts.
type Client struct {
	// Client name. Used in user-agent request header when the request
	// doesn't carry one.
	//
	// Default client name is used if not set.
	Name string

	// NoDefaultUserAgentHeader when set to true, causes the default
	// user-agent header to be excluded from requests.
	NoDefaultUserAgentHeader bool

	// Callback for establishing new connections to hosts.
	//
	// Default Dial is used if not set.
	Dial DialFunc

	// Attempt to connect to both ipv4 and ipv6 addresses if set to true.
	//
	// This option is used only if default TCP dialer is used,
	// i.e. if Dial is blank.
	DialDualStack bool

	// TLS config for https connections.
	//
	// Default TLS config is used if not set.
	TLSConfig *tls.Config

	// Transport hands out connections for exchanges.
	//
	// A pooling transport over Dial is used if not set.
	Transport Transport

	// Permissions guards network and file access. Checks run before any
	// connection attempt or file open, once per redirect hop.
	//
	// Everything is allowed if not set.
	Permissions PermissionChecker

	// Maximum number of connections per each host which may be established.
	//
	// DefaultMaxConnsPerHost is used if not set.
	MaxConnsPerHost int

	// Duration an idle keep-alive connection stays pooled before the
	// background cleaner closes it.
	//
	// DefaultMaxIdleConnDuration is used if not set.
	MaxIdleConnDuration time.Duration

	// Per-connection buffer size for responses' reading.
	// This also limits the maximum header size.
	//
	// Default buffer size is used if 0.
	ReadBufferSize int

	// Per-connection buffer size for requests' writing.
	//
	// Default buffer size is used if 0.
	WriteBufferSize int

	// Maximum duration of an exchange read side, from request written to
	// the last body byte read.
	//
	// By default response read timeout is unlimited.
	ReadTimeout time.Duration

	// Maximum duration for full request writing (including body).
	//
	// By default request write timeout is unlimited.
	WriteTimeout time.Duration

	// Maximum response body size, counted in wire bytes before
	// content-encoding decoding.
	//
	// The body fails with ErrBodyTooLarge if this limit is greater
	// than 0 and the response body is greater than the limit.
	//
	// By default response body size is unlimited.
	MaxResponseBodySize int

	// Maximum redirect hops followed before the fetch fails with
	// ErrTooManyRedirects.
	//
	// 16 hops are allowed if not set.
	MaxRedirects int

	// DisableCompression turns off the injected accept-encoding header
	// and the transparent decoding of compressed response bodies.
	DisableCompression bool

	// Logger reports retried exchanges and similar diagnostics.
	//
	// Diagnostics are discarded if not set.
	Logger Logger

	clientName atomic.Value

	transportOnce sync.Once
	transport     Transport

	readerPool sync.Pool
	writerPool sync.Pool
}

// Fetch builds a request from resource and init and performs it.
func (c *Client) Fetch(resource string, init *Init) (*Response, error) {
	req, err := NewRequest(resource, init)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do performs the given request and returns the resolved response. The
// response resolves as soon as its head arrives; the body streams lazily
// and must be consumed or canceled to settle the underlying connection.
//
// req itself is not mutated: redirect rewrites happen on a private copy,
// while body consumption is shared with the caller.
func (c *Client) Do(req *Request) (*Response, error) {
	if req == nil {
		panic("BUG: req cannot be nil")
	}
	view := req.dispatchView()
	if sig := view.signal; sig.Aborted() {
		return nil, sig.Err()
	}
	u := view.url
	if u.User != nil {
		return nil, errCredentialedURL
	}
	switch u.Scheme {
	case schemeHTTP, schemeHTTPS:
		return c.doFollowRedirects(view)
	case schemeFile:
		return c.doFile(view)
	case schemeData:
		return c.doData(view)
	default:
		return nil, fmt.Errorf("%w: %q", ErrSchemeNotSupported, u.Scheme)
	}
}

// CloseIdleConnections closes idle keep-alive connections held by the
// default transport.
func (c *Client) CloseIdleConnections() {
	if nt, ok := c.getTransport().(*netTransport); ok {
		nt.CloseIdleConnections()
	}
}

func (c *Client) getTransport() Transport {
	if c.Transport != nil {
		return c.Transport
	}
	c.transportOnce.Do(func() {
		c.transport = &netTransport{
			dial:                c.Dial,
			dialDualStack:       c.DialDualStack,
			tlsConfig:           c.TLSConfig,
			maxConnsPerHost:     c.MaxConnsPerHost,
			maxIdleConnDuration: c.MaxIdleConnDuration,
		}
	})
	return c.transport
}

func (c *Client) checkPermission(kind, resource string) error {
	if c.Permissions == nil {
		return nil
	}
	if err := c.Permissions.Check(kind, resource); err != nil {
		var pe *PermissionError
		if errors.As(err, &pe) {
			return err
		}
		return &PermissionError{Kind: kind, Resource: resource, Err: err}
	}
	return nil
}

// netPermissionResource is the "host:port" a net permission check names.
func netPermissionResource(u *url.URL) string {
	return addMissingPort(u.Host, u.Scheme == schemeHTTPS)
}

// roundTrip performs one redirect hop. replay re-reads the fixed request
// payload instead of consuming the caller's body container (307 and 308
// re-dispatch). A stale pooled connection gets a single retry on a fresh
// one when the method is idempotent and the payload can be re-sent.
func (c *Client) roundTrip(view *Request, replay bool) (*exchange, error) {
	if sig := view.signal; sig.Aborted() {
		return nil, sig.Err()
	}
	if err := c.checkPermission(PermissionNet, netPermissionResource(view.url)); err != nil {
		return nil, err
	}

	var br0 *BodyReader
	var body io.Reader
	bodySize := 0
	if view.body != nil {
		if replay {
			data, ok := view.body.replayBytes()
			if !ok {
				return nil, ErrNonReplayableBody
			}
			body = bytes.NewReader(data)
			bodySize = len(data)
		} else {
			r, err := view.body.Reader()
			if err != nil {
				return nil, fmt.Errorf("request body: %w", err)
			}
			br0 = r
			body = r
			bodySize = view.body.Size()
		}
	}

	ex, retry, err := c.doExchange(view, body, bodySize, false)
	if err == nil {
		return ex, nil
	}

	if retry && isIdempotent(view) {
		if data, ok := view.body.replayBytes(); ok {
			if br0 != nil {
				br0.Cancel(err)
				br0 = nil
			}
			var rbody io.Reader
			if view.body != nil {
				rbody = bytes.NewReader(data)
				bodySize = len(data)
			}
			if c.Logger != nil {
				c.Logger.Printf("fetch: retrying %s %s on a fresh connection: %v", view.method, view.url, err)
			}
			ex, _, err = c.doExchange(view, rbody, bodySize, true)
			if err == nil {
				return ex, nil
			}
		}
	}

	if br0 != nil {
		br0.Cancel(err)
	}
	return nil, err
}

func isIdempotent(view *Request) bool {
	switch view.method {
	case MethodGet, MethodHead, MethodPut:
		return true
	}
	return false
}

// doExchange writes one request and reads one response head over a
// transport connection. The returned retry flag marks failures that look
// like a stale keep-alive connection and are worth one fresh attempt.
func (c *Client) doExchange(view *Request, body io.Reader, bodySize int, fresh bool) (*exchange, bool, error) {
	t := c.getTransport()
	conn, reused, err := t.Acquire(view.url.Scheme, view.url.Host, fresh)
	if err != nil {
		return nil, false, err
	}

	sig := view.signal
	stop := watchAbort(sig, conn)

	fail := func(retry bool, err error) (*exchange, bool, error) {
		t.Release(conn, false)
		if stop() {
			return nil, false, sig.Err()
		}
		return nil, retry, err
	}

	if c.WriteTimeout > 0 {
		if err = conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
			return fail(false, err)
		}
	}

	bw := c.acquireWriter(conn)
	wreq := wireRequest{
		req:                view,
		body:               body,
		bodySize:           bodySize,
		userAgent:          c.userAgent(),
		disableCompression: c.DisableCompression,
	}
	err = wreq.write(bw)
	c.releaseWriter(bw)
	if err != nil {
		return fail(reused, err)
	}

	if c.ReadTimeout > 0 {
		if err = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout)); err != nil {
			return fail(false, err)
		}
	}

	br := c.acquireReader(conn)
	head, err := readResponseHead(br)
	if err != nil {
		c.releaseReader(br)
		if err == io.EOF {
			return fail(reused, ErrConnectionClosed)
		}
		return fail(reused && err == io.ErrUnexpectedEOF, err)
	}

	ex, err := c.assembleResponse(view, head, conn, br, stop)
	if err != nil {
		return nil, false, err
	}
	return ex, false, nil
}

// assembleResponse turns a parsed head into a deliverable response with a
// lazily streamed body. Connection settlement is owned by the body from
// here on: clean end of body releases it for reuse, errors and cancels
// close it.
func (c *Client) assembleResponse(view *Request, head *responseHead, conn net.Conn, br *bufio.Reader, stop func() bool) (*exchange, error) {
	t := c.getTransport()
	framing := wireFraming(view.method, head)
	reusable := view.keepalive && !head.connClose && head.status != StatusSwitchingProtocols

	release := func(err error) {
		aborted := stop()
		reuse := err == nil && !aborted && reusable && br.Buffered() == 0
		c.releaseReader(br)
		t.Release(conn, reuse)
	}

	resp := &Response{
		status:     head.status,
		statusText: head.statusText,
		url:        responseURL(view.url),
		headers:    head.headers,
		rtype:      ResponseBasic,
	}

	if isNullBodyStatus(head.status) {
		if framing == 0 {
			release(nil)
		} else {
			wr := &wireBodyReader{br: br, contentLength: framing, limit: -1, release: release}
			wr.drainAndFinish(nil)
		}
		return &exchange{resp: resp}, nil
	}

	limit := -1
	if c.MaxResponseBodySize > 0 {
		limit = c.MaxResponseBodySize
		if framing > limit {
			release(ErrBodyTooLarge)
			return nil, ErrBodyTooLarge
		}
	}

	ct, hasCT := head.headers.Get(headerContentType)

	if framing == 0 {
		release(nil)
		// HEAD responses carry a null body, a zero content-length an empty one
		if view.method != MethodHead {
			body := NewBodyBytes(nil)
			if hasCT {
				body.setContentType(ct)
			}
			resp.body = body
		}
		return &exchange{resp: resp}, nil
	}

	wr := &wireBodyReader{
		br:            br,
		contentLength: framing,
		limit:         limit,
		release:       release,
	}
	if sig := view.signal; sig != nil {
		wr.abortErr = sig.Err
	}

	var src io.Reader = wr
	var dec *decodedBodyReader
	size := framing
	if size < 0 {
		size = -1
	}
	if coding := head.contentEncoding; coding != "" && !c.DisableCompression &&
		supportedCoding(coding) && !view.headers.Has(headerAcceptEncoding) {
		dec = newDecodedBodyReader(wr, coding)
		src = dec
		size = -1
	}

	body := NewBodyStream(src, size)
	body.onClose = func(reason error) {
		if dec != nil {
			dec.releaseDecoder()
		}
		wr.drainAndFinish(reason)
	}
	if hasCT {
		body.setContentType(ct)
	}
	resp.body = body
	return &exchange{resp: resp, wire: wr, dec: dec}, nil
}

// exchange is one dispatched hop: the response plus the handles the
// redirect chain needs to dispose of an intermediate body.
type exchange struct {
	resp *Response
	wire *wireBodyReader
	dec  *decodedBodyReader
}

// discard disposes of a hop response the redirect chain will not deliver,
// draining the wire body within bounds so the connection can be reused.
func (ex *exchange) discard() {
	if ex.dec != nil {
		ex.dec.releaseDecoder()
		ex.dec = nil
	}
	if ex.wire != nil {
		ex.wire.drainAndFinish(nil)
		ex.wire = nil
	}
}

// watchAbort closes conn when sig fires so blocked reads and writes
// unwind promptly. The returned stop func halts the watcher and reports
// whether the signal aborted the exchange; it may be called repeatedly.
func watchAbort(sig *AbortSignal, conn net.Conn) func() bool {
	if sig == nil {
		return func() bool { return false }
	}
	stopCh := make(chan struct{})
	exited := make(chan struct{})
	var aborted atomic.Bool
	go func() {
		defer close(exited)
		select {
		case <-sig.Done():
			aborted.Store(true)
			conn.Close()
		case <-stopCh:
		}
	}()
	var once sync.Once
	return func() bool {
		once.Do(func() {
			close(stopCh)
			<-exited
		})
		return aborted.Load()
	}
}

func (c *Client) userAgent() []byte {
	if c.NoDefaultUserAgentHeader {
		return nil
	}
	v := c.clientName.Load()
	if v != nil {
		return v.([]byte)
	}
	name := []byte(c.Name)
	if len(name) == 0 {
		name = defaultUserAgent
	}
	c.clientName.Store(name)
	return name
}

func (c *Client) acquireWriter(conn net.Conn) *bufio.Writer {
	v := c.writerPool.Get()
	if v == nil {
		n := c.WriteBufferSize
		if n <= 0 {
			n = defaultWriteBufferSize
		}
		return bufio.NewWriterSize(conn, n)
	}
	bw := v.(*bufio.Writer)
	bw.Reset(conn)
	return bw
}

func (c *Client) releaseWriter(bw *bufio.Writer) {
	c.writerPool.Put(bw)
}

func (c *Client) acquireReader(conn net.Conn) *bufio.Reader {
	v := c.readerPool.Get()
	if v == nil {
		n := c.ReadBufferSize
		if n <= 0 {
			n = defaultReadBufferSize
		}
		return bufio.NewReaderSize(conn, n)
	}
	br := v.(*bufio.Reader)
	br.Reset(conn)
	return br
}

func (c *Client) releaseReader(br *bufio.Reader) {
	c.readerPool.Put(br)
}

const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)
