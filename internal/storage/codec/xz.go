// Package codec holds the archive and delta encodings used by the
// lifecycle engine.
package codec

import (
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// XZ identifies the xz archiver.
const XZ = "xz"

// CompressXZ streams src into dst as an xz container and returns the
// number of compressed bytes written.
func CompressXZ(dst io.Writer, src io.Reader) (int64, error) {
	cw := &countingWriter{w: dst}
	w, err := xz.NewWriter(cw)
	if err != nil {
		return 0, fmt.Errorf("xz: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return 0, fmt.Errorf("xz: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("xz: close: %w", err)
	}
	return cw.n, nil
}

// DecompressXZ returns a reader yielding the decoded content of src.
func DecompressXZ(src io.Reader) (io.Reader, error) {
	r, err := xz.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("xz: %w", err)
	}
	return r, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
