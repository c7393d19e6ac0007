package fetch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
)

// ErrBodyTooLarge is returned when a response body exceeds
// Client.MaxResponseBodySize. The limit applies to wire bytes, before
// content-encoding decoding.
var ErrBodyTooLarge = errors.New("body size exceeds the given limit")

var errRespBodyAbandoned = errors.New("response body abandoned")

// Response body framing, following the content-length conventions used
// throughout: values >= 0 are a fixed byte count, -1 means chunked
// transfer encoding, -2 means identity encoding read until close.
const (
	framingChunked  = -1
	framingIdentity = -2
)

var copyBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 4096)
	},
}

func copyZeroAlloc(w io.Writer, r io.Reader) (int64, error) {
	vbuf := copyBufPool.Get()
	buf := vbuf.([]byte)
	n, err := io.CopyBuffer(w, r, buf)
	copyBufPool.Put(vbuf)
	return n, err
}

// wireRequest carries one hop's dispatch data: the frozen descriptor plus
// the body source resolved for this hop.
type wireRequest struct {
	req      *Request
	body     io.Reader // nil when no body bytes are sent
	bodySize int       // -1 when unknown ahead of writing (sent chunked)

	userAgent          []byte // empty disables the default user-agent header
	disableCompression bool
}

// write serializes the request head and body. The head is the request
// line, then caller headers in insertion order with engine-managed names
// filtered out, then engine-injected defaults for whatever the caller did
// not supply, with framing headers last.
func (wr *wireRequest) write(w *bufio.Writer) error {
	req := wr.req
	w.Write(s2b(req.method))
	w.WriteByte(' ')
	w.WriteString(req.url.RequestURI())
	w.WriteByte(' ')
	w.Write(strHTTP11)
	w.Write(strCRLF)

	var hasAccept, hasUserAgent, hasAcceptEncoding bool
	req.headers.VisitAll(func(name, value string) {
		switch name {
		case headerHost, headerContentLength, headerTransferEncoding,
			headerConnection, headerExpect:
			return
		case "accept":
			hasAccept = true
		case "user-agent":
			hasUserAgent = true
		case headerAcceptEncoding:
			hasAcceptEncoding = true
		}
		writeHeaderLine(w, s2b(name), s2b(value))
	})

	if !hasAccept {
		writeHeaderLine(w, strAccept, strAcceptAny)
	}
	if !hasUserAgent && len(wr.userAgent) > 0 {
		writeHeaderLine(w, strUserAgent, wr.userAgent)
	}
	if !hasAcceptEncoding && !wr.disableCompression {
		writeHeaderLine(w, strAcceptEncoding, strDefaultCodings)
	}
	writeHeaderLine(w, strHost, s2b(hostHeaderValue(req.url)))

	switch {
	case wr.body == nil:
		if methodExpectsBody(req.method) {
			w.Write(strContentLength)
			w.Write(strColonSpace)
			w.WriteByte('0')
			w.Write(strCRLF)
		}
	case wr.bodySize >= 0:
		w.Write(strContentLength)
		w.Write(strColonSpace)
		writeUint(w, wr.bodySize)
		w.Write(strCRLF)
	default:
		writeHeaderLine(w, strTransferEncoding, strChunked)
	}
	if !req.keepalive {
		writeHeaderLine(w, strConnection, strClose)
	}
	w.Write(strCRLF)

	if wr.body != nil {
		if wr.bodySize >= 0 {
			n, err := copyZeroAlloc(w, wr.body)
			if err != nil && err != io.EOF {
				return err
			}
			if n != int64(wr.bodySize) {
				return fmt.Errorf("copied %d bytes from body stream instead of %d bytes", n, wr.bodySize)
			}
		} else {
			if err := writeBodyChunked(w, wr.body); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeHeaderLine(w *bufio.Writer, key, value []byte) {
	w.Write(key)
	w.Write(strColonSpace)
	w.Write(value)
	w.Write(strCRLF)
}

func writeUint(w *bufio.Writer, n int) {
	var buf [20]byte
	w.Write(AppendUint(buf[:0], n))
}

// hostHeaderValue is the host header for u, with the scheme's default
// port stripped.
func hostHeaderValue(u *url.URL) string {
	host := u.Host
	switch u.Scheme {
	case schemeHTTP:
		host = strings.TrimSuffix(host, ":80")
	case schemeHTTPS:
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}

// methodExpectsBody reports whether a bodyless request still announces
// content-length: 0 for the given method.
func methodExpectsBody(method string) bool {
	switch method {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

func writeBodyChunked(w *bufio.Writer, r io.Reader) error {
	vbuf := copyBufPool.Get()
	buf := vbuf.([]byte)

	var err error
	var n int
	for {
		n, err = r.Read(buf)
		if n == 0 {
			if err == nil {
				panic("BUG: io.Reader returned 0, nil")
			}
			if err == io.EOF {
				if err = writeChunk(w, buf[:0]); err != nil {
					break
				}
				err = nil
			}
			break
		}
		if err = writeChunk(w, buf[:n]); err != nil {
			break
		}
	}

	copyBufPool.Put(vbuf)
	return err
}

func writeChunk(w *bufio.Writer, b []byte) error {
	n := len(b)
	if err := writeHexInt(w, n); err != nil {
		return err
	}
	w.Write(strCRLF)
	w.Write(b)
	if _, err := w.Write(strCRLF); err != nil {
		return err
	}
	// forward the chunk before pulling the next one from the producer
	return w.Flush()
}

// responseHead is the parsed status line and header block of a response.
type responseHead struct {
	status     int
	statusText string
	headers    *Headers

	contentLength   int // >=0 fixed, framingChunked or framingIdentity
	contentEncoding string
	connClose       bool
}

// readResponseHead parses the next response head off br, skipping interim
// 1xx responses other than 101. An io.EOF before the first status byte is
// returned verbatim so callers can detect stale pooled connections.
func readResponseHead(br *bufio.Reader) (*responseHead, error) {
	for {
		head, err := readSingleHead(br)
		if err != nil {
			return nil, err
		}
		if head.status >= 100 && head.status < 200 && head.status != StatusSwitchingProtocols {
			// interim response, the real one follows
			continue
		}
		return head, nil
	}
}

func readSingleHead(br *bufio.Reader) (*responseHead, error) {
	line, err := readWireLine(br)
	if err != nil {
		return nil, err
	}
	minor, status, text, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}

	head := &responseHead{
		status:        status,
		statusText:    text,
		headers:       NewHeaders(),
		contentLength: framingIdentity,
	}
	keepAlive := minor > 0
	teChunked := false
	for {
		line, err := readWireLine(br)
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok || len(k) == 0 {
			return nil, fmt.Errorf("malformed response header line %q", line)
		}
		for _, c := range k {
			if !validHeaderFieldByte(c) {
				return nil, fmt.Errorf("invalid response header name %q", k)
			}
		}
		v = trimWireValue(v)
		head.headers.appendWireBytes(k, v)
		switch string(k) {
		case headerContentLength:
			n, err := ParseUint(v)
			if err != nil {
				return nil, fmt.Errorf("invalid content-length %q: %w", v, err)
			}
			head.contentLength = n
		case headerTransferEncoding:
			if bytes.Contains(v, strChunked) {
				teChunked = true
			}
		case headerConnection:
			if bytes.Contains(v, strClose) {
				head.connClose = true
			} else if bytes.Contains(v, []byte("keep-alive")) {
				keepAlive = true
			}
		case headerContentEncoding:
			head.contentEncoding = string(bytes.ToLower(v))
		}
	}
	// chunked wins over any content-length header
	if teChunked {
		head.contentLength = framingChunked
	}
	if !keepAlive {
		head.connClose = true
	}
	return head, nil
}

// parseStatusLine splits "HTTP/1.x NNN reason".
func parseStatusLine(line []byte) (minor, status int, text string, err error) {
	if !bytes.HasPrefix(line, strHTTP1Dot) {
		return 0, 0, "", fmt.Errorf("unexpected response protocol %q", line)
	}
	rest := line[len(strHTTP1Dot):]
	sp := bytes.IndexByte(rest, ' ')
	if sp <= 0 {
		return 0, 0, "", fmt.Errorf("malformed status line %q", line)
	}
	minor, err = ParseUint(rest[:sp])
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed protocol version in %q: %w", line, err)
	}
	rest = rest[sp+1:]
	status, n, err := parseUintBuf(rest)
	if err != nil {
		return 0, 0, "", fmt.Errorf("cannot parse response status code in %q: %w", line, err)
	}
	if status < 100 || status > 599 {
		return 0, 0, "", fmt.Errorf("response status code %d out of range", status)
	}
	text = string(bytes.TrimLeft(rest[n:], " "))
	return minor, status, text, nil
}

// readWireLine reads one CRLF-terminated line. io.EOF is returned only
// when the connection ended cleanly before the first byte.
func readWireLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, fmt.Errorf("header line exceeds the read buffer (%d bytes)", len(line))
		}
		if err == io.EOF && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, nil
}

func trimWireValue(v []byte) []byte {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\t') {
		v = v[1:]
	}
	for len(v) > 0 && (v[len(v)-1] == ' ' || v[len(v)-1] == '\t') {
		v = v[:len(v)-1]
	}
	return v
}

// wireFraming resolves how many body bytes follow the head for the given
// request method, honoring the statuses that never carry wire bytes.
func wireFraming(method string, head *responseHead) int {
	if method == MethodHead {
		return 0
	}
	switch {
	case head.status >= 100 && head.status < 200,
		head.status == StatusNoContent,
		head.status == StatusNotModified:
		return 0
	}
	return head.contentLength
}

// wireBodyReader streams a response body off a transport connection,
// enforcing the framing the head declared. The connection is released
// exactly once: for reuse after a clean end of body, closed on error or
// cancellation.
type wireBodyReader struct {
	br            *bufio.Reader
	contentLength int // >=0 remaining fixed bytes, or a framing constant
	chunkLeft     int
	limit         int // remaining body-size budget, -1 unlimited
	done          bool
	err           error

	// abortErr translates connection teardown into the abort reason when
	// an abort signal killed the exchange mid-body.
	abortErr func() error

	release     func(err error)
	releaseOnce sync.Once
}

func (r *wireBodyReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.done {
		return 0, io.EOF
	}
	var n int
	var err error
	switch {
	case r.contentLength >= 0:
		n, err = r.readFixed(p)
	case r.contentLength == framingChunked:
		n, err = r.readChunked(p)
	default:
		n, err = r.readIdentity(p)
	}
	if n > 0 && r.limit >= 0 {
		r.limit -= n
		if r.limit < 0 && err == nil {
			err = ErrBodyTooLarge
		}
	}
	if err != nil {
		if err == io.EOF {
			r.done = true
			r.finish(nil)
		} else {
			if r.abortErr != nil {
				if aerr := r.abortErr(); aerr != nil {
					err = aerr
				}
			}
			r.err = err
			r.finish(err)
		}
	}
	return n, err
}

func (r *wireBodyReader) readFixed(p []byte) (int, error) {
	if r.contentLength == 0 {
		return 0, io.EOF
	}
	if len(p) > r.contentLength {
		p = p[:r.contentLength]
	}
	n, err := r.br.Read(p)
	r.contentLength -= n
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && r.contentLength == 0 {
		err = io.EOF
	}
	return n, err
}

func (r *wireBodyReader) readChunked(p []byte) (int, error) {
	if r.chunkLeft == 0 {
		size, err := parseChunkSize(r.br)
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := discardTrailer(r.br); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.chunkLeft = size
	}
	if len(p) > r.chunkLeft {
		p = p[:r.chunkLeft]
	}
	n, err := r.br.Read(p)
	r.chunkLeft -= n
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && r.chunkLeft == 0 {
		err = readCrLf(r.br)
	}
	return n, err
}

func (r *wireBodyReader) readIdentity(p []byte) (int, error) {
	return r.br.Read(p)
}

func (r *wireBodyReader) finish(err error) {
	r.releaseOnce.Do(func() {
		if r.release != nil {
			r.release(err)
		}
	})
}

// drainLimit bounds how many leftover body bytes are read before giving
// up on connection reuse.
const drainLimit = 8 << 10

// drainAndFinish ends consumption of the wire body. A nil reason attempts
// a bounded drain so the connection stays reusable; any other reason (or
// an oversized remainder) closes it.
func (r *wireBodyReader) drainAndFinish(reason error) {
	if reason != nil {
		r.finish(reason)
		return
	}
	if r.done || r.err != nil {
		r.finish(r.err)
		return
	}
	vbuf := copyBufPool.Get()
	buf := vbuf.([]byte)
	budget := drainLimit
	for budget > 0 {
		p := buf
		if budget < len(p) {
			p = p[:budget]
		}
		n, err := r.Read(p)
		budget -= n
		if err != nil {
			// Read released the connection already
			copyBufPool.Put(vbuf)
			return
		}
	}
	copyBufPool.Put(vbuf)
	r.err = errRespBodyAbandoned
	r.finish(errRespBodyAbandoned)
}

func parseChunkSize(r *bufio.Reader) (int, error) {
	n, err := readHexInt(r)
	if err != nil {
		return -1, err
	}
	for {
		c, err := r.ReadByte()
		if err != nil {
			return -1, fmt.Errorf("cannot read '\\r' char at the end of chunk size: %w", err)
		}
		// skip chunk extensions
		if c != '\r' {
			continue
		}
		break
	}
	c, err := r.ReadByte()
	if err != nil {
		return -1, fmt.Errorf("cannot read '\\n' char at the end of chunk size: %w", err)
	}
	if c != '\n' {
		return -1, fmt.Errorf("unexpected char %q at the end of chunk size. Expected %q", c, '\n')
	}
	return n, nil
}

func readCrLf(r *bufio.Reader) error {
	for _, exp := range []byte{'\r', '\n'} {
		c, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("cannot read chunk delimiter: %w", err)
		}
		if c != exp {
			return fmt.Errorf("unexpected char %q at the end of chunk. Expected %q", c, exp)
		}
	}
	return nil
}

func discardTrailer(r *bufio.Reader) error {
	for {
		line, err := readWireLine(r)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if len(line) == 0 {
			return nil
		}
	}
}
