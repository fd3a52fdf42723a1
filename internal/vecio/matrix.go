// Package vecio reads and writes float32 matrices and replaces files atomically.
package vecio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	matrixMagic   = "FMAT"
	matrixVersion = 1

	// maxMatrixElements bounds allocations when reading untrusted headers.
	maxMatrixElements = 1 << 30
)

// ErrCorruptMatrix is returned when a matrix header or body cannot be decoded.
var ErrCorruptMatrix = errors.New("corrupt matrix data")

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewMatrix allocates a zero-filled rows x cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromRows packs equally sized rows into a matrix. Rows must all have length cols.
func FromRows(rows [][]float32, cols int) Matrix {
	m := NewMatrix(len(rows), cols)
	for i, row := range rows {
		copy(m.Data[i*cols:(i+1)*cols], row)
	}
	return m
}

// Row returns a view of row i.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Valid reports whether the data length agrees with the declared shape.
func (m Matrix) Valid() bool {
	return m.Rows >= 0 && m.Cols >= 0 && len(m.Data) == m.Rows*m.Cols
}

type matrixHeader struct {
	Magic   [4]byte
	Version uint32
	Rows    uint32
	Cols    uint32
}

// WriteMatrix encodes m as a fixed header followed by little-endian float32 values.
func WriteMatrix(w io.Writer, m Matrix) error {
	if !m.Valid() {
		return fmt.Errorf("matrix shape %dx%d does not match %d values", m.Rows, m.Cols, len(m.Data))
	}
	h := matrixHeader{Version: matrixVersion, Rows: uint32(m.Rows), Cols: uint32(m.Cols)}
	copy(h.Magic[:], matrixMagic)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("writing matrix header: %w", err)
	}
	if len(m.Data) == 0 {
		return nil
	}
	if err := binary.Write(w, binary.LittleEndian, m.Data); err != nil {
		return fmt.Errorf("writing matrix data: %w", err)
	}
	return nil
}

// ReadMatrix decodes a matrix written by WriteMatrix.
func ReadMatrix(r io.Reader) (Matrix, error) {
	var h matrixHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Matrix{}, fmt.Errorf("%w: reading header: %v", ErrCorruptMatrix, err)
	}
	if string(h.Magic[:]) != matrixMagic {
		return Matrix{}, fmt.Errorf("%w: bad magic %q", ErrCorruptMatrix, h.Magic[:])
	}
	if h.Version != matrixVersion {
		return Matrix{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptMatrix, h.Version)
	}
	n := uint64(h.Rows) * uint64(h.Cols)
	if n > maxMatrixElements {
		return Matrix{}, fmt.Errorf("%w: %dx%d exceeds size limit", ErrCorruptMatrix, h.Rows, h.Cols)
	}
	m := NewMatrix(int(h.Rows), int(h.Cols))
	if n == 0 {
		return m, nil
	}
	if err := binary.Read(r, binary.LittleEndian, m.Data); err != nil {
		return Matrix{}, fmt.Errorf("%w: reading data: %v", ErrCorruptMatrix, err)
	}
	return m, nil
}
