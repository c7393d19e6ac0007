package fetch

import (
	"bytes"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipReaderPool   sync.Pool
	flateReaderPool  sync.Pool
	brotliReaderPool sync.Pool
	zstdDecoderPool  sync.Pool
)

func acquireGzipReader(r io.Reader) (*gzip.Reader, error) {
	v := gzipReaderPool.Get()
	if v == nil {
		return gzip.NewReader(r)
	}
	zr := v.(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		return nil, err
	}
	return zr, nil
}

func releaseGzipReader(zr *gzip.Reader) {
	gzipReaderPool.Put(zr)
}

func acquireFlateReader(r io.Reader) (io.ReadCloser, error) {
	v := flateReaderPool.Get()
	if v == nil {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	}
	zr := v.(io.ReadCloser)
	if err := resetFlateReader(zr, r); err != nil {
		return nil, err
	}
	return zr, nil
}

func releaseFlateReader(zr io.ReadCloser) {
	flateReaderPool.Put(zr)
}

func resetFlateReader(zr io.ReadCloser, r io.Reader) error {
	zrr, ok := zr.(zlib.Resetter)
	if !ok {
		panic("BUG: zlib.Reader doesn't implement zlib.Resetter???")
	}
	return zrr.Reset(r, nil)
}

func acquireBrotliReader(r io.Reader) (*brotli.Reader, error) {
	v := brotliReaderPool.Get()
	if v == nil {
		return brotli.NewReader(r), nil
	}
	br := v.(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		return nil, err
	}
	return br, nil
}

func releaseBrotliReader(br *brotli.Reader) {
	brotliReaderPool.Put(br)
}

func acquireZstdReader(r io.Reader) (*zstd.Decoder, error) {
	v := zstdDecoderPool.Get()
	if v == nil {
		return zstd.NewReader(r)
	}
	zr := v.(*zstd.Decoder)
	if err := zr.Reset(r); err != nil {
		return nil, err
	}
	return zr, nil
}

func releaseZstdReader(zr *zstd.Decoder) {
	zstdDecoderPool.Put(zr)
}

// supportedCoding reports whether the given content-encoding token can be
// decoded transparently.
func supportedCoding(coding string) bool {
	switch coding {
	case "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

// decodedBodyReader decodes a content-encoded response body as it is
// read. The decoder is constructed on the first Read call so that
// response resolution never blocks waiting for body bytes.
type decodedBodyReader struct {
	src     io.Reader
	coding  string
	zr      io.Reader
	release func()
	err     error
}

func newDecodedBodyReader(src io.Reader, coding string) *decodedBodyReader {
	if !supportedCoding(coding) {
		panic("BUG: unsupported content coding " + coding)
	}
	return &decodedBodyReader{
		src:    src,
		coding: coding,
	}
}

func (r *decodedBodyReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.zr == nil {
		if err := r.init(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n, err := r.zr.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

func (r *decodedBodyReader) init() error {
	switch r.coding {
	case "gzip", "x-gzip":
		zr, err := acquireGzipReader(r.src)
		if err != nil {
			return err
		}
		r.zr = zr
		r.release = func() { releaseGzipReader(zr) }
	case "deflate":
		// Peers disagree on whether deflate means the zlib wrapper or a
		// raw flate stream. Sniff the two-byte zlib header to tell.
		var hdr [2]byte
		if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
			return err
		}
		pr := io.MultiReader(bytes.NewReader(hdr[:]), r.src)
		if looksLikeZlib(hdr) {
			zr, err := acquireFlateReader(pr)
			if err != nil {
				return err
			}
			r.zr = zr
			r.release = func() { releaseFlateReader(zr) }
		} else {
			zr := flate.NewReader(pr)
			r.zr = zr
			r.release = func() { zr.Close() }
		}
	case "br":
		zr, err := acquireBrotliReader(r.src)
		if err != nil {
			return err
		}
		r.zr = zr
		r.release = func() { releaseBrotliReader(zr) }
	case "zstd":
		zr, err := acquireZstdReader(r.src)
		if err != nil {
			return err
		}
		r.zr = zr
		r.release = func() { releaseZstdReader(zr) }
	}
	return nil
}

// releaseDecoder returns pooled decoder state. Safe to call more than once.
func (r *decodedBodyReader) releaseDecoder() {
	if r.release != nil {
		r.release()
		r.release = nil
		r.zr = nil
	}
}

func looksLikeZlib(h [2]byte) bool {
	if h[0]&0x0f != 8 {
		return false
	}
	return (uint16(h[0])<<8|uint16(h[1]))%31 == 0
}
