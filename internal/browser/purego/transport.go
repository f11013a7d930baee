package purego

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var brotliReaderPool = sync.Pool{
	New: func() interface{} { return brotli.NewReader(nil) },
}

// decodingTransport advertises compressed encodings the way a browser does and
// decodes the response body before it reaches the HTML parser.
type decodingTransport struct {
	next http.RoundTripper
}

func newDecodingTransport(next http.RoundTripper) *decodingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decodingTransport{next: next}
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return resp, nil
}

type decodedBody struct {
	io.Reader
	closers []func() error
}

func (b *decodedBody) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// decodeBody unwraps layered Content-Encoding values in reverse order of application.
func decodeBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	body := &decodedBody{Reader: resp.Body, closers: []func() error{resp.Body.Close}}
	for i := len(encodings) - 1; i >= 0; i-- {
		for _, enc := range strings.Split(encodings[i], ",") {
			switch strings.ToLower(strings.TrimSpace(enc)) {
			case "", "identity":
			case "gzip", "x-gzip":
				zr, err := gzip.NewReader(body.Reader)
				if err != nil {
					return err
				}
				body.Reader = zr
				body.closers = append([]func() error{zr.Close}, body.closers...)
			case "br":
				br := brotliReaderPool.Get().(*brotli.Reader)
				if err := br.Reset(body.Reader); err != nil {
					brotliReaderPool.Put(br)
					return err
				}
				body.Reader = br
				body.closers = append([]func() error{func() error {
					brotliReaderPool.Put(br)
					return nil
				}}, body.closers...)
			case "deflate":
				r, closeFn, err := inflate(body.Reader)
				if err != nil {
					return err
				}
				body.Reader = r
				body.closers = append([]func() error{closeFn}, body.closers...)
			default:
				return fmt.Errorf("unsupported content encoding %q", enc)
			}
		}
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers disagree on
// what "deflate" means.
func inflate(r io.Reader) (io.Reader, func() error, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		return zr, zr.Close, nil
	}
	fr := flate.NewReader(bytes.NewReader(raw))
	return fr, fr.Close, nil
}
