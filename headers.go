package fetch

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
)

var (
	// ErrInvalidHeaderName is returned when a header name contains bytes
	// outside the RFC 7230 token set.
	ErrInvalidHeaderName = errors.New("invalid header name")

	// ErrInvalidHeaderValue is returned when a header value contains bytes
	// forbidden by RFC 7230 field-value rules.
	ErrInvalidHeaderValue = errors.New("invalid header value")
)

// Headers is an ordered, case-insensitive multimap of HTTP header
// name/value pairs.
//
// Names are validated against the RFC 7230 token grammar and stored
// lowercased; values are validated against field-value rules with
// surrounding whitespace trimmed. Iteration yields pairs in insertion
// order. Invalid input is rejected at insertion, never silently dropped.
//
// Headers instances are not safe for concurrent mutation.
type Headers struct {
	kvs []headerKV
}

type headerKV struct {
	key   string
	value string
}

// NewHeaders returns an empty header store.
func NewHeaders() *Headers {
	return &Headers{}
}

// HeadersFromMap builds a header store from m, inserting keys in sorted
// order so the result is deterministic.
func HeadersFromMap(m map[string]string) (*Headers, error) {
	h := NewHeaders()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := h.Append(k, m[k]); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// HeadersFromPairs builds a header store from name/value pairs, preserving
// their order and duplicates.
func HeadersFromPairs(pairs [][2]string) (*Headers, error) {
	h := NewHeaders()
	for _, kv := range pairs {
		if err := h.Append(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Len returns the number of stored name/value pairs.
func (h *Headers) Len() int {
	return len(h.kvs)
}

// Append adds a name/value pair, keeping any existing pairs with the
// same name.
func (h *Headers) Append(name, value string) error {
	name, err := normalizeHeaderName(name)
	if err != nil {
		return err
	}
	value, err = normalizeHeaderValue(value)
	if err != nil {
		return err
	}
	h.kvs = append(h.kvs, headerKV{name, value})
	return nil
}

// Set replaces all pairs matching name with the single given pair.
func (h *Headers) Set(name, value string) error {
	name, err := normalizeHeaderName(name)
	if err != nil {
		return err
	}
	value, err = normalizeHeaderValue(value)
	if err != nil {
		return err
	}
	h.del(name)
	h.kvs = append(h.kvs, headerKV{name, value})
	return nil
}

// Get returns all values stored under name joined with ", ", in insertion
// order. The second return value is false when no pair matches.
func (h *Headers) Get(name string) (string, bool) {
	vals := h.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	if len(vals) == 1 {
		return vals[0], true
	}
	return strings.Join(vals, ", "), true
}

// Values returns all values stored under name in insertion order.
func (h *Headers) Values(name string) []string {
	if h == nil {
		return nil
	}
	key := lowercaseStr(name)
	var vals []string
	for i := range h.kvs {
		if h.kvs[i].key == key {
			vals = append(vals, h.kvs[i].value)
		}
	}
	return vals
}

// Has reports whether at least one pair matches name.
func (h *Headers) Has(name string) bool {
	if h == nil {
		return false
	}
	key := lowercaseStr(name)
	for i := range h.kvs {
		if h.kvs[i].key == key {
			return true
		}
	}
	return false
}

// Del removes all pairs matching name. Removing an absent name is a no-op.
func (h *Headers) Del(name string) {
	h.del(lowercaseStr(name))
}

func (h *Headers) del(key string) {
	dst := h.kvs[:0]
	for i := range h.kvs {
		if h.kvs[i].key != key {
			dst = append(dst, h.kvs[i])
		}
	}
	h.kvs = dst
}

// All returns an iterator over all name/value pairs in insertion order.
func (h *Headers) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if h == nil {
			return
		}
		for i := range h.kvs {
			if !yield(h.kvs[i].key, h.kvs[i].value) {
				return
			}
		}
	}
}

// VisitAll calls f for each name/value pair in insertion order.
func (h *Headers) VisitAll(f func(name, value string)) {
	if h == nil {
		return
	}
	for i := range h.kvs {
		f(h.kvs[i].key, h.kvs[i].value)
	}
}

// Clone returns a deep copy of h. Cloning a nil store returns nil.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return nil
	}
	c := &Headers{}
	if len(h.kvs) > 0 {
		c.kvs = make([]headerKV, len(h.kvs))
		copy(c.kvs, h.kvs)
	}
	return c
}

// String returns the pairs in wire form, one "name: value" line per pair.
func (h *Headers) String() string {
	var b strings.Builder
	for i := range h.kvs {
		b.WriteString(h.kvs[i].key)
		b.WriteString(": ")
		b.WriteString(h.kvs[i].value)
		b.WriteString("\r\n")
	}
	return b.String()
}

// appendWireBytes stores a pair parsed off the wire. The key bytes are
// lowercased in place; values arrive already trimmed by the head parser.
func (h *Headers) appendWireBytes(key, value []byte) {
	lowercaseBytes(key)
	h.kvs = append(h.kvs, headerKV{string(key), string(value)})
}

func normalizeHeaderName(name string) (string, error) {
	if len(name) == 0 {
		return "", ErrInvalidHeaderName
	}
	for i := 0; i < len(name); i++ {
		if !validHeaderFieldByte(name[i]) {
			return "", fmt.Errorf("%w: %q", ErrInvalidHeaderName, name)
		}
	}
	return lowercaseStr(name), nil
}

func normalizeHeaderValue(value string) (string, error) {
	value = trimHeaderValue(value)
	for i := 0; i < len(value); i++ {
		if !validHeaderValueByte(value[i]) {
			return "", fmt.Errorf("%w: %q", ErrInvalidHeaderValue, value)
		}
	}
	return value, nil
}

// trimHeaderValue strips leading and trailing HTTP whitespace (SP, HTAB,
// CR, LF) the way header values are normalized before storage.
func trimHeaderValue(v string) string {
	start := 0
	for start < len(v) && isHTTPSpace(v[start]) {
		start++
	}
	end := len(v)
	for end > start && isHTTPSpace(v[end-1]) {
		end--
	}
	return v[start:end]
}

func isHTTPSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func lowercaseStr(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			b := []byte(s)
			lowercaseBytes(b[i:])
			return string(b)
		}
	}
	return s
}
