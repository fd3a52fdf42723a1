package vecio

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// WriteFileAtomic writes path through a temp file in the same directory and
// renames it into place once writeFunc and the flush succeed. Readers see
// either the old or the new content.
func WriteFileAtomic(path string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	pf, err := renameio.TempFile(dir, path)
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer pf.Cleanup()

	buf := bufio.NewWriterSize(pf, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON.
func WriteJSON(path string, v any) error {
	return WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
		}
		return nil
	})
}

// ReadJSON decodes the JSON file at path into v. It reports false without an
// error when the file does not exist.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return true, nil
}

// WriteMatrixFile atomically writes m to path.
func WriteMatrixFile(path string, m Matrix) error {
	return WriteFileAtomic(path, func(w io.Writer) error {
		return WriteMatrix(w, m)
	})
}

// ReadMatrixFile reads a matrix file. It reports false without an error when
// the file does not exist.
func ReadMatrixFile(path string) (Matrix, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Matrix{}, false, nil
	}
	if err != nil {
		return Matrix{}, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	m, err := ReadMatrix(bufio.NewReader(f))
	if err != nil {
		return Matrix{}, false, fmt.Errorf("reading %s: %w", path, err)
	}
	return m, true, nil
}
