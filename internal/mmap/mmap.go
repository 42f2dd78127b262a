package mmap

import (
	"errors"
	"io"
	"os"
	"sync"
)

// AccessPattern is an advisory hint about how a mapping will be read.
type AccessPattern int

const (
	AccessNormal AccessPattern = iota
	AccessSequential
	AccessRandom
	AccessWillNeed
)

// Mapping is a read-only view of a file.
type Mapping struct {
	data   []byte
	f      *os.File
	unmap  func([]byte) error
	closed sync.Once
}

// Open maps the file at path into memory as read-only.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	size := fi.Size()
	if size < 0 {
		_ = f.Close()
		return nil, errors.New("mmap: file size is negative")
	}
	if size == 0 {
		return &Mapping{f: f}, nil
	}

	data, unmap, err := osMap(f, int(size))
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Mapping{data: data, f: f, unmap: unmap}, nil
}

// Bytes returns the mapped region. The slice is valid until Close.
func (m *Mapping) Bytes() []byte { return m.data }

// Size returns the mapped length.
func (m *Mapping) Size() int64 { return int64(len(m.data)) }

// Advise passes an access hint to the kernel. Unsupported hints are ignored.
func (m *Mapping) Advise(p AccessPattern) error {
	return osAdvise(m.data, p)
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps the memory and closes the underlying file. It is safe to call
// more than once.
func (m *Mapping) Close() error {
	var err error
	m.closed.Do(func() {
		if m.data != nil && m.unmap != nil {
			err = m.unmap(m.data)
		}
		m.data = nil
		if cerr := m.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
