package catalog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kozaktomas/doorbell/internal/vecio"
)

const (
	indexMagic   = "FIDX"
	indexVersion = 1

	// maxIndexElements bounds allocations when reading untrusted headers.
	maxIndexElements = 1 << 30
)

type indexHeader struct {
	Magic   [4]byte
	Version uint32
	Dim     uint32
	Count   uint32
}

// writeIndexBlob writes the index vectors as a zstd stream containing a fixed
// header followed by little-endian float32 rows. Labels are stored separately.
func writeIndexBlob(w io.Writer, x *Index) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	h := indexHeader{Version: indexVersion, Dim: uint32(x.dim), Count: uint32(x.Len())}
	copy(h.Magic[:], indexMagic)
	if err := binary.Write(enc, binary.LittleEndian, h); err != nil {
		enc.Close()
		return fmt.Errorf("writing index header: %w", err)
	}
	if len(x.data) > 0 {
		if err := binary.Write(enc, binary.LittleEndian, x.data); err != nil {
			enc.Close()
			return fmt.Errorf("writing index data: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing zstd encoder: %w", err)
	}
	return nil
}

// readIndexBlob decodes a blob written by writeIndexBlob. Every row gets
// NoLabel until labels are attached.
func readIndexBlob(r io.Reader) (*Index, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	defer dec.Close()

	var h indexHeader
	if err := binary.Read(dec, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrCorruptBlob, err)
	}
	if string(h.Magic[:]) != indexMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptBlob, h.Magic[:])
	}
	if h.Version != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptBlob, h.Version)
	}
	if h.Dim == 0 {
		return nil, fmt.Errorf("%w: zero dimension", ErrCorruptBlob)
	}
	if uint64(h.Dim)*uint64(h.Count) > maxIndexElements {
		return nil, fmt.Errorf("%w: %d x %d exceeds size limit", ErrCorruptBlob, h.Count, h.Dim)
	}

	x := NewIndex(int(h.Dim))
	if h.Count > 0 {
		x.data = make([]float32, int(h.Dim)*int(h.Count))
		if err := binary.Read(dec, binary.LittleEndian, x.data); err != nil {
			return nil, fmt.Errorf("%w: reading data: %v", ErrCorruptBlob, err)
		}
	}
	x.labels = make([]Label, h.Count)
	for i := range x.labels {
		x.labels[i] = NoLabel
	}
	return x, nil
}

func writeIndexFile(path string, x *Index) error {
	return vecio.WriteFileAtomic(path, func(w io.Writer) error {
		return writeIndexBlob(w, x)
	})
}

func readIndexFile(path string) (*Index, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	x, err := readIndexBlob(bufio.NewReader(f))
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	}
	return x, true, nil
}

// writeLabelsFile stores labels as a msgpack array of int32.
func writeLabelsFile(path string, labels []Label) error {
	raw := make([]int32, len(labels))
	for i, l := range labels {
		raw[i] = int32(l)
	}
	return vecio.WriteFileAtomic(path, func(w io.Writer) error {
		if err := msgpack.NewEncoder(w).Encode(raw); err != nil {
			return fmt.Errorf("encoding labels: %w", err)
		}
		return nil
	})
}

func readLabelsFile(path string) ([]Label, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var raw []int32
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&raw); err != nil {
		return nil, false, fmt.Errorf("decoding %s: %w", path, err)
	}
	labels := make([]Label, len(raw))
	for i, l := range raw {
		labels[i] = Label(l)
	}
	return labels, true, nil
}
