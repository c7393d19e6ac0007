package fetch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/valyala/bytebufferpool"
)

var (
	// ErrBodyConsumed is returned when a body is read, canceled or
	// dispatched after it has already been consumed.
	ErrBodyConsumed = errors.New("body already consumed")

	// ErrBodyLocked is returned when a reader is requested while another
	// reader still holds the body.
	ErrBodyLocked = errors.New("body is locked to a reader")

	// ErrNotFormData is returned by Body.Form for payloads whose content
	// type is neither multipart/form-data nor urlencoded.
	ErrNotFormData = errors.New("body cannot be decoded as form data")

	errBodyCanceled       = errors.New("body canceled")
	errBodyReaderReleased = errors.New("body reader already released")
)

type bodyState int

const (
	bodyIdle bodyState = iota
	bodyLocked
	bodyConsumed
)

// Body wraps a byte-producing source behind a single-consumption contract:
// the bytes may be read exactly once, by exactly one reader at a time.
//
// The source variant is fixed at construction: empty, fixed bytes, or a
// lazy stream; forms and url values are encoded into fixed bytes up front.
// A nil *Body is valid everywhere and behaves as an absent body.
//
// Body state transitions are safe for concurrent use; reading itself is
// single-consumer by contract.
type Body struct {
	mu    sync.Mutex
	state bodyState

	fixed  []byte
	stream io.Reader
	cur    io.Reader // read cursor, survives reader release

	size        int // -1 when unknown ahead of reading
	contentType string

	reader  *BodyReader
	onClose func(reason error) // runs exactly once when consumption ends
	readErr error              // sticky error that ended consumption
}

// NewBody builds a body from src. Accepted types: nil, string, []byte,
// *Form, url.Values, io.Reader and *Body (passed through). A nil src
// yields a nil *Body.
//
// The inferred content type (ContentType) follows the source type: strings
// are text/plain, forms are multipart with a fresh boundary, url values are
// urlencoded. Raw bytes and streams carry no content type.
func NewBody(src any) (*Body, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case *Body:
		return v, nil
	case string:
		return NewBodyString(v), nil
	case []byte:
		return NewBodyBytes(v), nil
	case *Form:
		return newFormBody(v)
	case url.Values:
		return newFixedBody(s2b(v.Encode()), contentTypeURLEncoded), nil
	case io.Reader:
		return NewBodyStream(v, -1), nil
	}
	return nil, fmt.Errorf("unsupported body type %T", src)
}

// NewBodyBytes returns a fixed body over b with no content type.
// The body takes ownership of b; it must not be mutated afterwards.
func NewBodyBytes(b []byte) *Body {
	return newFixedBody(b, "")
}

// NewBodyString returns a fixed body over s, typed text/plain;charset=UTF-8.
func NewBodyString(s string) *Body {
	return newFixedBody(s2b(s), contentTypePlainText)
}

// NewBodyStream returns a lazy body reading from r. size is the byte length
// when known ahead of time, -1 otherwise; unknown-size request bodies are
// sent chunked. If r implements io.Closer it is closed when the body is
// consumed or canceled.
func NewBodyStream(r io.Reader, size int) *Body {
	if size < 0 {
		size = bodySizeUnknown(r)
	}
	b := &Body{stream: r, size: size}
	if c, ok := r.(io.Closer); ok {
		b.onClose = func(error) { c.Close() }
	}
	return b
}

func newFixedBody(b []byte, contentType string) *Body {
	return &Body{fixed: b, size: len(b), contentType: contentType}
}

func newFormBody(f *Form) (*Body, error) {
	encoded, boundary, err := f.EncodeMultipart()
	if err != nil {
		return nil, err
	}
	return newFixedBody(encoded, contentTypeMultipart+"; boundary="+boundary), nil
}

// bodySizeUnknown recovers the length from common in-memory readers so
// fixed-size uploads keep a content-length header.
func bodySizeUnknown(r io.Reader) int {
	switch v := r.(type) {
	case *bytes.Reader:
		return v.Len()
	case *bytes.Buffer:
		return v.Len()
	case *strings.Reader:
		return v.Len()
	}
	return -1
}

// Used reports whether the body has been consumed.
func (b *Body) Used() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == bodyConsumed
}

// Locked reports whether a reader currently holds the body.
func (b *Body) Locked() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == bodyLocked
}

// Size returns the body length in bytes, or -1 when it is unknown ahead
// of reading.
func (b *Body) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

// ContentType returns the content type carried by the body: inferred from
// the source for request bodies, copied from response headers for response
// bodies. Empty when none is known.
func (b *Body) ContentType() string {
	if b == nil {
		return ""
	}
	return b.contentType
}

func (b *Body) setContentType(ct string) {
	if b != nil {
		b.contentType = ct
	}
}

// Reader acquires exclusive read access to the body. It fails with
// ErrBodyLocked while another reader is held and with ErrBodyConsumed once
// the body has been consumed.
//
// Reading through EOF consumes the body. Releasing the reader without
// reaching EOF returns the body to its unlocked state; a later reader
// resumes at the same position.
func (b *Body) Reader() (*BodyReader, error) {
	if b == nil {
		return &BodyReader{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case bodyLocked:
		return nil, ErrBodyLocked
	case bodyConsumed:
		return nil, ErrBodyConsumed
	}
	b.state = bodyLocked
	r := &BodyReader{b: b}
	b.reader = r
	return r, nil
}

// Cancel abandons the body without reading it. Cancellation counts as
// consumption: Used flips to true immediately, before any cancellation
// I/O runs, and the underlying source is released with the given reason.
// Canceling an already-consumed body fails with ErrBodyConsumed; reason
// may be nil.
func (b *Body) Cancel(reason error) error {
	if b == nil {
		return nil
	}
	if reason == nil {
		reason = errBodyCanceled
	}
	b.mu.Lock()
	if b.state == bodyConsumed {
		b.mu.Unlock()
		return ErrBodyConsumed
	}
	b.state = bodyConsumed
	b.readErr = nil
	onClose := b.onClose
	b.onClose = nil
	b.mu.Unlock()
	if onClose != nil {
		onClose(reason)
	}
	return nil
}

// finish marks the body consumed and releases the source exactly once.
// reason nil means the source was drained cleanly.
func (b *Body) finish(reason error) {
	b.mu.Lock()
	if b.state == bodyConsumed {
		b.mu.Unlock()
		return
	}
	b.state = bodyConsumed
	b.readErr = reason
	onClose := b.onClose
	b.onClose = nil
	b.mu.Unlock()
	if onClose != nil {
		onClose(reason)
	}
}

func (b *Body) sourceLocked() io.Reader {
	if b.cur == nil {
		if b.stream != nil {
			b.cur = b.stream
		} else {
			b.cur = bytes.NewReader(b.fixed)
		}
	}
	return b.cur
}

// replayBytes returns the full fixed payload for redirect replays,
// bypassing consumption state. Stream bodies cannot be replayed.
func (b *Body) replayBytes() ([]byte, bool) {
	if b == nil {
		return nil, true
	}
	if b.stream != nil {
		return nil, false
	}
	return b.fixed, true
}

// Bytes drains the body and returns its raw bytes, consuming it.
// A second full-read call fails with ErrBodyConsumed.
func (b *Body) Bytes() ([]byte, error) {
	if b == nil {
		return []byte{}, nil
	}
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if _, err := bb.ReadFrom(r); err != nil {
		return nil, err
	}
	out := make([]byte, len(bb.B))
	copy(out, bb.B)
	return out, nil
}

// Text drains the body and decodes it as UTF-8, replacing invalid
// sequences with U+FFFD and stripping a leading byte-order mark.
func (b *Body) Text() (string, error) {
	raw, err := b.Bytes()
	if err != nil {
		return "", err
	}
	raw = trimUTF8BOM(raw)
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	return strings.ToValidUTF8(b2s(raw), "\uFFFD"), nil
}

// JSON drains the body and unmarshals it into v.
func (b *Body) JSON(v any) error {
	raw, err := b.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(trimUTF8BOM(raw), v)
}

// Blob drains the body and returns its bytes tagged with the body's
// MIME type.
func (b *Body) Blob() (*Blob, error) {
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return &Blob{Data: raw, Type: strings.ToLower(b.ContentType())}, nil
}

// Form drains the body and decodes it according to its content type:
// multipart/form-data routes through the multipart decoder, urlencoded
// payloads are percent-decoded. Any other content type fails with
// ErrNotFormData. The body is consumed even when decoding fails.
func (b *Body) Form() (*Form, error) {
	ct := b.ContentType()
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	mediatype, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, fmt.Errorf("%w: content type %q", ErrNotFormData, ct)
	}
	switch mediatype {
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, ErrMissingBoundary
		}
		return DecodeMultipartForm(bytes.NewReader(raw), boundary)
	case "application/x-www-form-urlencoded":
		return ParseURLEncodedForm(raw), nil
	}
	return nil, fmt.Errorf("%w: content type %q", ErrNotFormData, ct)
}

// Blob is a byte payload tagged with a MIME type.
type Blob struct {
	Data []byte
	Type string
}

// BodyReader reads a Body it holds exclusive access to. Obtain one from
// Body.Reader.
type BodyReader struct {
	b        *Body
	err      error
	released bool
}

// Read pulls the next chunk. Reaching EOF consumes the body; any other
// read error also consumes it and stays sticky on subsequent calls.
func (r *BodyReader) Read(p []byte) (int, error) {
	b := r.b
	if b == nil {
		return 0, io.EOF
	}
	b.mu.Lock()
	if r.released {
		b.mu.Unlock()
		return 0, errBodyReaderReleased
	}
	if b.state == bodyConsumed {
		err := b.readErr
		b.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	src := b.sourceLocked()
	b.mu.Unlock()

	n, err := src.Read(p)
	if err != nil {
		if err == io.EOF {
			b.finish(nil)
		} else {
			r.err = err
			b.finish(err)
		}
	}
	return n, err
}

// Release returns the body to its unlocked state without consuming it.
// The reader must not be used afterwards.
func (r *BodyReader) Release() {
	b := r.b
	if b == nil {
		return
	}
	b.mu.Lock()
	if !r.released {
		r.released = true
		if b.state == bodyLocked {
			b.state = bodyIdle
			b.reader = nil
		}
	}
	b.mu.Unlock()
}

// Cancel abandons the body through the reader; see Body.Cancel.
func (r *BodyReader) Cancel(reason error) error {
	if r.b == nil {
		return nil
	}
	return r.b.Cancel(reason)
}

func trimUTF8BOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
