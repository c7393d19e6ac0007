package fetch

var (
	defaultUserAgent = []byte("fetch/" + Version)

	strCRLF       = []byte("\r\n")
	strColonSpace = []byte(": ")
	strHTTP11     = []byte("HTTP/1.1")
	strHTTP1Dot   = []byte("HTTP/1.")

	strGet  = []byte("GET")
	strHead = []byte("HEAD")
	strPost = []byte("POST")

	strHost             = []byte("host")
	strContentType      = []byte("content-type")
	strContentLength    = []byte("content-length")
	strContentEncoding  = []byte("content-encoding")
	strTransferEncoding = []byte("transfer-encoding")
	strConnection       = []byte("connection")
	strAccept           = []byte("accept")
	strAcceptEncoding   = []byte("accept-encoding")
	strUserAgent        = []byte("user-agent")

	strChunked        = []byte("chunked")
	strClose          = []byte("close")
	strAcceptAny      = []byte("*/*")
	strDefaultCodings = []byte("gzip, br")
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
	schemeFile  = "file"
	schemeData  = "data"
)

// Content types inferred for request bodies and decoded form payloads.
const (
	contentTypePlainText  = "text/plain;charset=UTF-8"
	contentTypeURLEncoded = "application/x-www-form-urlencoded;charset=UTF-8"
	contentTypeMultipart  = "multipart/form-data"
	contentTypeOctet      = "application/octet-stream"
)

// Wire peer header names managed by the engine. Caller-supplied values for
// these are filtered out before dispatch and replaced by engine-computed
// ones (or omitted entirely).
const (
	headerHost             = "host"
	headerContentLength    = "content-length"
	headerContentType      = "content-type"
	headerContentEncoding  = "content-encoding"
	headerTransferEncoding = "transfer-encoding"
	headerConnection       = "connection"
	headerExpect           = "expect"
	headerLocation         = "location"
	headerAcceptEncoding   = "accept-encoding"
)
