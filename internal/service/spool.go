package service

import (
	"fmt"
	"io"
	"os"
)

// spoolFile is a seekable temporary copy of a stream, so that backends that
// need a length or a rewindable body (S3) can take it.
type spoolFile struct {
	*os.File
	size int64
}

// spool copies r into a temp file in dir (the OS default when empty) and
// rewinds it.
func spool(dir string, r io.Reader) (*spoolFile, error) {
	f, err := os.CreateTemp(dir, "lifecycle-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	sf := &spoolFile{File: f}

	n, err := io.Copy(f, r)
	if err != nil {
		sf.Close()
		return nil, fmt.Errorf("failed to spool: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		sf.Close()
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}
	sf.size = n
	return sf, nil
}

// spoolWith lets write fill a temp file and rewinds it.
func spoolWith(dir string, write func(w io.Writer) error) (*spoolFile, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(write(pw))
	}()
	sf, err := spool(dir, pr)
	pr.Close()
	return sf, err
}

// Close closes and removes the file.
func (s *spoolFile) Close() error {
	err := s.File.Close()
	os.Remove(s.Name())
	return err
}
