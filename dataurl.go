package fetch

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidDataURL is returned when a data: URL cannot be decoded.
var ErrInvalidDataURL = errors.New("invalid data url")

// defaultDataMediaType is what a data: URL carries when its mediatype
// part is empty.
const defaultDataMediaType = "text/plain;charset=US-ASCII"

// doData decodes a data: fetch. No permission check and no network: the
// payload is embedded in the URL itself.
func (c *Client) doData(view *Request) (*Response, error) {
	u := view.url
	raw := u.Opaque
	if u.RawQuery != "" {
		// the payload may itself contain '?', which the URL parser split off
		raw += "?" + u.RawQuery
	}

	mediaType, data, err := parseDataURL(raw)
	if err != nil {
		return nil, err
	}

	headers := NewHeaders()
	if err := headers.Set(headerContentType, mediaType); err != nil {
		return nil, fmt.Errorf("%w: bad mediatype %q", ErrInvalidDataURL, mediaType)
	}
	headers.Set(headerContentLength, b2s(AppendUint(nil, len(data))))

	body := NewBodyBytes(data)
	body.setContentType(mediaType)

	return &Response{
		status:     StatusOK,
		statusText: StatusMessage(StatusOK),
		url:        responseURL(u),
		headers:    headers,
		body:       body,
		rtype:      ResponseBasic,
	}, nil
}

// parseDataURL splits "mediatype[;base64],payload" and decodes the
// payload: percent-decoding first, then base64 when flagged.
func parseDataURL(raw string) (mediaType string, data []byte, err error) {
	meta, payload, ok := strings.Cut(raw, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing comma", ErrInvalidDataURL)
	}

	isBase64 := false
	if n := len(meta) - len(";base64"); n >= 0 && strings.EqualFold(meta[n:], ";base64") {
		isBase64 = true
		meta = meta[:n]
	}
	mediaType = strings.TrimSpace(meta)
	switch {
	case mediaType == "":
		mediaType = defaultDataMediaType
	case strings.HasPrefix(mediaType, ";"):
		mediaType = "text/plain" + mediaType
	}

	decoded := percentDecodeLenient(payload)
	if isBase64 {
		data, err = decodeBase64Forgiving(decoded)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s", ErrInvalidDataURL, err)
		}
		return mediaType, data, nil
	}
	return mediaType, []byte(decoded), nil
}

// percentDecodeLenient resolves %XX escapes, passing malformed input
// through unchanged the way URL processors treat stray percent signs.
func percentDecodeLenient(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// decodeBase64Forgiving tolerates ASCII whitespace and missing padding.
func decodeBase64Forgiving(s string) ([]byte, error) {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n', '\f':
		default:
			b = append(b, s[i])
		}
	}
	cleaned := b2s(b)
	if strings.HasSuffix(cleaned, "=") {
		return base64.StdEncoding.DecodeString(cleaned)
	}
	return base64.RawStdEncoding.DecodeString(cleaned)
}
