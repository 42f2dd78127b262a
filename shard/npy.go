package shard

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/hupe1980/paperdex/distance"
)

const npyMagic = "\x93NUMPY"

// ErrShape is returned for arrays that are not 2-D row-major float arrays.
var ErrShape = errors.New("shard: unsupported npy array")

// ErrPayloadSize is returned when the data following an npy header does not
// match the shape it declares.
var ErrPayloadSize = errors.New("shard: npy payload size disagrees with header")

// NpyReader streams the rows of a 2-D .npy float array.
type NpyReader struct {
	r      *bufio.Reader
	rows   int
	dim    int
	width  int
	order  binary.ByteOrder
	read   int
	buf    []byte
	offset int64 // start of the row data
}

// NewNpyReader parses the .npy header (format versions 1 to 3) and positions
// the reader at the first row.
func NewNpyReader(r io.Reader) (*NpyReader, error) {
	br := bufio.NewReaderSize(r, 1<<16)

	pre := make([]byte, 8)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, fmt.Errorf("npy preamble: %w", err)
	}
	if string(pre[:6]) != npyMagic {
		return nil, fmt.Errorf("npy: bad magic %q", pre[:6])
	}

	var hlen, lenBytes int
	switch pre[6] {
	case 1:
		b := make([]byte, 2)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, fmt.Errorf("npy header length: %w", err)
		}
		hlen, lenBytes = int(binary.LittleEndian.Uint16(b)), 2
	case 2, 3:
		b := make([]byte, 4)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, fmt.Errorf("npy header length: %w", err)
		}
		hlen, lenBytes = int(binary.LittleEndian.Uint32(b)), 4
	default:
		return nil, fmt.Errorf("npy: unsupported version %d.%d", pre[6], pre[7])
	}
	if hlen > 1<<20 {
		return nil, fmt.Errorf("npy: header length %d too large", hlen)
	}
	hdr := make([]byte, hlen)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("npy header: %w", err)
	}

	n := &NpyReader{r: br, offset: int64(len(pre) + lenBytes + hlen)}
	if err := n.parseHeader(string(hdr)); err != nil {
		return nil, err
	}
	n.buf = make([]byte, n.dim*n.width)
	return n, nil
}

// parseHeader reads the Python dict literal, e.g.
// {'descr': '<f4', 'fortran_order': False, 'shape': (300, 384), }
func (n *NpyReader) parseHeader(h string) error {
	descr, err := dictValue(h, "descr")
	if err != nil {
		return err
	}
	descr = strings.Trim(descr, `'"`)
	if len(descr) != 3 || descr[1] != 'f' {
		return fmt.Errorf("%w: dtype %q", ErrShape, descr)
	}
	switch descr[0] {
	case '<', '|', '=':
		n.order = binary.LittleEndian
	case '>':
		n.order = binary.BigEndian
	default:
		return fmt.Errorf("%w: byte order %q", ErrShape, descr[0])
	}
	switch descr[2] {
	case '4':
		n.width = 4
	case '8':
		n.width = 8
	default:
		return fmt.Errorf("%w: dtype %q", ErrShape, descr)
	}

	fortran, err := dictValue(h, "fortran_order")
	if err != nil {
		return err
	}
	if fortran != "False" {
		return fmt.Errorf("%w: fortran order", ErrShape)
	}

	shape, err := dictValue(h, "shape")
	if err != nil {
		return err
	}
	shape = strings.Trim(shape, "()")
	var dims []int
	for _, part := range strings.Split(shape, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: shape %q", ErrShape, shape)
		}
		dims = append(dims, d)
	}
	if len(dims) != 2 || dims[1] == 0 {
		return fmt.Errorf("%w: shape %q", ErrShape, shape)
	}
	n.rows, n.dim = dims[0], dims[1]
	return nil
}

func dictValue(h, key string) (string, error) {
	i := strings.Index(h, "'"+key+"'")
	if i < 0 {
		return "", fmt.Errorf("npy header: missing %q", key)
	}
	rest := h[i+len(key)+2:]
	c := strings.IndexByte(rest, ':')
	if c < 0 {
		return "", fmt.Errorf("npy header: malformed %q", key)
	}
	rest = strings.TrimSpace(rest[c+1:])
	if strings.HasPrefix(rest, "(") {
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return "", fmt.Errorf("npy header: unterminated %q", key)
		}
		return rest[:end+1], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		return "", fmt.Errorf("npy header: unterminated %q", key)
	}
	return strings.TrimSpace(rest[:end]), nil
}

// Rows returns the number of rows declared by the header.
func (n *NpyReader) Rows() int { return n.rows }

// Dim returns the row width.
func (n *NpyReader) Dim() int { return n.dim }

// CheckSize verifies that a file of size bytes holds exactly the rows the
// header declares.
func (n *NpyReader) CheckSize(size int64) error {
	rowBytes := int64(n.dim) * int64(n.width)
	if rowBytes <= 0 || int64(n.rows) > (math.MaxInt64-n.offset)/rowBytes {
		return fmt.Errorf("%w: shape (%d, %d) overflows", ErrPayloadSize, n.rows, n.dim)
	}
	if want := n.offset + int64(n.rows)*rowBytes; want != size {
		return fmt.Errorf("%w: shape (%d, %d) needs %d bytes, file has %d", ErrPayloadSize, n.rows, n.dim, want, size)
	}
	return nil
}

// Next decodes the next row into dst, growing it as needed. It returns
// io.EOF after the last row, io.ErrUnexpectedEOF for truncated data and
// distance.ErrNonFinite for NaN or infinite components.
func (n *NpyReader) Next(dst []float32) ([]float32, error) {
	if n.read >= n.rows {
		return dst, io.EOF
	}
	if _, err := io.ReadFull(n.r, n.buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return dst, fmt.Errorf("npy row %d: %w", n.read, err)
	}
	if cap(dst) >= n.dim {
		dst = dst[:n.dim]
	} else {
		dst = make([]float32, n.dim)
	}
	if n.width == 4 {
		for i := range dst {
			dst[i] = math.Float32frombits(n.order.Uint32(n.buf[4*i:]))
		}
	} else {
		for i := range dst {
			dst[i] = float32(math.Float64frombits(n.order.Uint64(n.buf[8*i:])))
		}
	}
	if !distance.Finite(dst) {
		return dst, fmt.Errorf("npy row %d: %w", n.read, distance.ErrNonFinite)
	}
	n.read++
	return dst, nil
}

// EncodeNpy returns a version 1.0 .npy file holding rows as a float32 array.
// All rows must share the same width.
func EncodeNpy(rows [][]float32) []byte {
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0])
	}
	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", len(rows), dim)
	// Header plus preamble is padded to a multiple of 64 and ends in '\n'.
	total := len(npyMagic) + 2 + 2 + len(dict) + 1
	pad := (64 - total%64) % 64
	hdr := dict + strings.Repeat(" ", pad) + "\n"

	out := make([]byte, 0, 10+len(hdr)+4*len(rows)*dim)
	out = append(out, npyMagic...)
	out = append(out, 1, 0)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(hdr)))
	out = append(out, hdr...)
	for _, r := range rows {
		for _, f := range r {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
		}
	}
	return out
}
