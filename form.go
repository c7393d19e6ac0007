package fetch

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/valyala/bytebufferpool"
)

var (
	// ErrMalformedForm is returned when a multipart payload cannot be
	// decoded: bad boundary, truncated part or missing terminal delimiter.
	ErrMalformedForm = errors.New("malformed multipart form")

	// ErrMissingBoundary is returned when a multipart content type carries
	// no boundary parameter.
	ErrMissingBoundary = errors.New("multipart content type has no boundary parameter")
)

// Form is an ordered collection of form fields: plain text values and file
// attachments. Field order is preserved through encode/decode round trips.
type Form struct {
	fields []FormField
}

// FormField is a single named form entry. File is set for file attachments,
// in which case Value is empty.
type FormField struct {
	Name  string
	Value string
	File  *FormFile
}

// FormFile is a file attachment carried by a form field.
type FormFile struct {
	Filename    string
	ContentType string // application/octet-stream is assumed when empty
	Data        []byte
}

// NewForm returns an empty form.
func NewForm() *Form {
	return &Form{}
}

// Len returns the number of fields.
func (f *Form) Len() int {
	return len(f.fields)
}

// Add appends a text field.
func (f *Form) Add(name, value string) {
	f.fields = append(f.fields, FormField{Name: name, Value: value})
}

// AddFile appends a file field. contentType may be empty.
func (f *Form) AddFile(name, filename, contentType string, data []byte) {
	f.fields = append(f.fields, FormField{
		Name: name,
		File: &FormFile{Filename: filename, ContentType: contentType, Data: data},
	})
}

// Get returns the first text value stored under name.
func (f *Form) Get(name string) (string, bool) {
	for i := range f.fields {
		if f.fields[i].Name == name && f.fields[i].File == nil {
			return f.fields[i].Value, true
		}
	}
	return "", false
}

// GetFile returns the first file stored under name.
func (f *Form) GetFile(name string) (*FormFile, bool) {
	for i := range f.fields {
		if f.fields[i].Name == name && f.fields[i].File != nil {
			return f.fields[i].File, true
		}
	}
	return nil, false
}

// Del removes all fields named name.
func (f *Form) Del(name string) {
	dst := f.fields[:0]
	for i := range f.fields {
		if f.fields[i].Name != name {
			dst = append(dst, f.fields[i])
		}
	}
	f.fields = dst
}

// Fields returns the fields in insertion order. The returned slice is
// shared with the form; treat it as read-only.
func (f *Form) Fields() []FormField {
	return f.fields
}

// Clone returns a deep copy of f.
func (f *Form) Clone() *Form {
	c := &Form{fields: make([]FormField, len(f.fields))}
	copy(c.fields, f.fields)
	for i := range c.fields {
		if file := c.fields[i].File; file != nil {
			fc := *file
			fc.Data = append([]byte(nil), file.Data...)
			c.fields[i].File = &fc
		}
	}
	return c
}

// EncodeMultipart serializes the form as multipart/form-data and returns
// the payload together with the boundary used. The boundary is a random
// token regenerated until it occurs in no field name, value, filename or
// file content.
func (f *Form) EncodeMultipart() ([]byte, string, error) {
	var boundary string
	for {
		boundary = randomBoundary()
		if !f.containsToken(boundary) {
			break
		}
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	mw := multipart.NewWriter(bb)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, "", err
	}
	for i := range f.fields {
		fld := &f.fields[i]
		if fld.File == nil {
			if err := mw.WriteField(fld.Name, fld.Value); err != nil {
				return nil, "", err
			}
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%s; filename=%s`,
			quoteFormValue(fld.Name), quoteFormValue(fld.File.Filename)))
		ct := fld.File.ContentType
		if ct == "" {
			ct = contentTypeOctet
		}
		h.Set("Content-Type", ct)
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := pw.Write(fld.File.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	encoded := make([]byte, len(bb.B))
	copy(encoded, bb.B)
	return encoded, boundary, nil
}

// EncodeURLValues serializes the form as application/x-www-form-urlencoded
// in field order. File fields contribute their filename as the value.
func (f *Form) EncodeURLValues() []byte {
	var dst []byte
	for i := range f.fields {
		fld := &f.fields[i]
		if i > 0 {
			dst = append(dst, '&')
		}
		dst = AppendQuotedArg(dst, s2b(fld.Name))
		dst = append(dst, '=')
		if fld.File != nil {
			dst = AppendQuotedArg(dst, s2b(fld.File.Filename))
		} else {
			dst = AppendQuotedArg(dst, s2b(fld.Value))
		}
	}
	return dst
}

func (f *Form) containsToken(token string) bool {
	tb := s2b(token)
	for i := range f.fields {
		fld := &f.fields[i]
		if strings.Contains(fld.Name, token) || strings.Contains(fld.Value, token) {
			return true
		}
		if fld.File != nil {
			if strings.Contains(fld.File.Filename, token) || bytes.Contains(fld.File.Data, tb) {
				return true
			}
		}
	}
	return false
}

func randomBoundary() string {
	var buf [30]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		panic(fmt.Sprintf("BUG: cannot read random bytes: %s", err))
	}
	return fmt.Sprintf("%x", buf[:])
}

var formValueQuoter = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func quoteFormValue(s string) string {
	return `"` + formValueQuoter.Replace(s) + `"`
}

// DecodeMultipartForm decodes a multipart/form-data payload delimited by
// boundary. Parts carrying a filename become file fields; file parts
// without a content type default to application/octet-stream. Truncated
// payloads and bad boundaries fail with ErrMalformedForm.
func DecodeMultipartForm(r io.Reader, boundary string) (*Form, error) {
	if boundary == "" {
		return nil, ErrMissingBoundary
	}
	f := NewForm()
	mr := multipart.NewReader(r, boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedForm, err)
		}
		name, filename, isFile, err := parsePartDisposition(p)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedForm, err)
		}
		if isFile {
			ct := p.Header.Get("Content-Type")
			if ct == "" {
				ct = contentTypeOctet
			}
			f.AddFile(name, filename, ct, data)
		} else {
			f.Add(name, string(data))
		}
	}
	return f, nil
}

func parsePartDisposition(p *multipart.Part) (name, filename string, isFile bool, err error) {
	disp := p.Header.Get("Content-Disposition")
	_, params, err := mime.ParseMediaType(disp)
	if err != nil {
		return "", "", false, fmt.Errorf("%w: bad content disposition %q", ErrMalformedForm, disp)
	}
	name, ok := params["name"]
	if !ok {
		return "", "", false, fmt.Errorf("%w: part without a field name", ErrMalformedForm)
	}
	filename, isFile = params["filename"]
	return name, filename, isFile, nil
}

// ParseURLEncodedForm decodes an application/x-www-form-urlencoded payload,
// preserving pair order. Decoding is forgiving: stray percent signs pass
// through verbatim and '+' decodes to space.
func ParseURLEncodedForm(b []byte) *Form {
	f := NewForm()
	for len(b) > 0 {
		pair := b
		if i := bytes.IndexByte(b, '&'); i >= 0 {
			pair, b = b[:i], b[i+1:]
		} else {
			b = nil
		}
		if len(pair) == 0 {
			continue
		}
		var k, v []byte
		if i := bytes.IndexByte(pair, '='); i >= 0 {
			k, v = pair[:i], pair[i+1:]
		} else {
			k = pair
		}
		f.Add(string(decodeArgAppend(nil, k)), string(decodeArgAppend(nil, v)))
	}
	return f
}

// decodeArgAppend appends url-decoded src to dst and returns dst
// (which may be newly allocated).
func decodeArgAppend(dst, src []byte) []byte {
	if bytes.IndexByte(src, '%') < 0 && bytes.IndexByte(src, '+') < 0 {
		// fast path: src doesn't contain encoded chars
		return append(dst, src...)
	}

	// slow path
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '%':
			if i+2 >= len(src) {
				return append(dst, src[i:]...)
			}
			x2 := hex2intTable[src[i+2]]
			x1 := hex2intTable[src[i+1]]
			if x1 == 16 || x2 == 16 {
				dst = append(dst, '%')
			} else {
				dst = append(dst, x1<<4|x2)
				i += 2
			}
		case c == '+':
			dst = append(dst, ' ')
		default:
			dst = append(dst, c)
		}
	}
	return dst
}
