package fetch

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

func TestSupportedCoding(t *testing.T) {
	t.Parallel()

	for _, coding := range []string{"gzip", "x-gzip", "deflate", "br", "zstd"} {
		if !supportedCoding(coding) {
			t.Fatalf("coding %q not supported", coding)
		}
	}
	for _, coding := range []string{"identity", "compress", "bzip2", ""} {
		if supportedCoding(coding) {
			t.Fatalf("coding %q wrongly supported", coding)
		}
	}
}

func gzipCompress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return buf.Bytes()
}

func brotliCompress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write([]byte(data)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return buf.Bytes()
}

func zstdCompress(t *testing.T, data string) []byte {
	t.Helper()
	zw, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return zw.EncodeAll([]byte(data), nil)
}

func zlibCompress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return buf.Bytes()
}

func rawFlateCompress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return buf.Bytes()
}

func TestDecodedBodyReader(t *testing.T) {
	t.Parallel()

	const payload = "decode me, decode me again and again and again"

	for _, tc := range []struct {
		coding     string
		compressed []byte
	}{
		{"gzip", gzipCompress(t, payload)},
		{"x-gzip", gzipCompress(t, payload)},
		{"br", brotliCompress(t, payload)},
		{"zstd", zstdCompress(t, payload)},
		// both spellings of deflate seen in the wild
		{"deflate", zlibCompress(t, payload)},
		{"deflate", rawFlateCompress(t, payload)},
	} {
		dec := newDecodedBodyReader(bytes.NewReader(tc.compressed), tc.coding)
		data, err := io.ReadAll(dec)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.coding, err)
		}
		if string(data) != payload {
			t.Fatalf("unexpected %q payload %q", tc.coding, data)
		}
		dec.releaseDecoder()
		// releasing twice is fine
		dec.releaseDecoder()
	}
}

func TestDecodedBodyReaderGarbage(t *testing.T) {
	t.Parallel()

	dec := newDecodedBodyReader(strings.NewReader("definitely not gzip"), "gzip")
	if _, err := io.ReadAll(dec); err == nil {
		t.Fatalf("garbage decoded without error")
	}
	// the error is sticky
	if _, err := dec.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expecting a sticky error")
	}
}

func TestLooksLikeZlib(t *testing.T) {
	t.Parallel()

	zl := zlibCompress(t, "x")
	if !looksLikeZlib([2]byte{zl[0], zl[1]}) {
		t.Fatalf("zlib header not recognized")
	}
	raw := rawFlateCompress(t, "x")
	if looksLikeZlib([2]byte{raw[0], raw[1]}) {
		t.Fatalf("raw flate header recognized as zlib")
	}
}

func TestDecoderPoolsRoundTrip(t *testing.T) {
	t.Parallel()

	// exercise reacquisition from the pools after a release
	for i := 0; i < 3; i++ {
		payload := strings.Repeat("pooled payload ", i+1)
		dec := newDecodedBodyReader(bytes.NewReader(gzipCompress(t, payload)), "gzip")
		data, err := io.ReadAll(dec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != payload {
			t.Fatalf("unexpected payload %q", data)
		}
		dec.releaseDecoder()
	}
}
