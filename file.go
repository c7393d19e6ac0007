package fetch

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

var errFileHost = errors.New("file url with a remote host is not supported")

// doFile serves a file: fetch off the local filesystem. Only GET is
// allowed, and the read permission on the path is consulted first.
func (c *Client) doFile(view *Request) (*Response, error) {
	if view.method != MethodGet {
		return nil, fmt.Errorf("fetching files only supports the GET method. Received %s", view.method)
	}
	u := view.url
	if u.Host != "" && u.Host != "localhost" {
		return nil, errFileHost
	}
	path := u.Path
	if err := c.checkPermission(PermissionRead, path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %q: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to open %q: %w", path, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("fetching a directory %q is not supported", path)
	}

	size := int(fi.Size())
	body := NewBodyStream(f, size)

	headers := NewHeaders()
	headers.Set(headerContentLength, b2s(AppendUint(nil, size)))
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		headers.Set(headerContentType, ct)
		body.setContentType(ct)
	}

	return &Response{
		status:     StatusOK,
		statusText: StatusMessage(StatusOK),
		url:        responseURL(u),
		headers:    headers,
		body:       body,
		rtype:      ResponseBasic,
	}, nil
}
