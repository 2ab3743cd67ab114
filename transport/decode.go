package transport

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const acceptEncoding = "gzip, deflate, br, zstd"

// decodeBody wraps r according to a Content-Encoding header value. The
// returned closer releases decoder resources and must be called.
func decodeBody(r io.Reader, encoding string) (io.Reader, func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, noop, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("gzip: %v", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("deflate: %v", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case "br":
		return brotli.NewReader(r), noop, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("zstd: %v", err)
		}
		return zr, zr.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
