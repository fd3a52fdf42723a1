package catalog

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestIndexBlobRoundTrip(t *testing.T) {
	x := NewIndex(3)
	if err := x.Add([][]float32{{1, 2, 3}, {4, 5, 6}}, []Label{0, 1}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := writeIndexBlob(&buf, x); err != nil {
		t.Fatalf("writeIndexBlob: %v", err)
	}
	got, err := readIndexBlob(&buf)
	if err != nil {
		t.Fatalf("readIndexBlob: %v", err)
	}

	if got.Dim() != 3 || got.Len() != 2 {
		t.Fatalf("expected 2x3, got %dx%d", got.Len(), got.Dim())
	}
	if got.Row(1)[2] != 6 {
		t.Errorf("expected 6, got %v", got.Row(1)[2])
	}
	if got.LabelAt(0) != NoLabel {
		t.Errorf("labels are stored separately, expected NoLabel, got %d", got.LabelAt(0))
	}
}

func TestIndexBlobCorrupt(t *testing.T) {
	if _, err := readIndexBlob(bytes.NewReader([]byte("not zstd"))); !errors.Is(err, ErrCorruptBlob) {
		t.Errorf("expected ErrCorruptBlob, got %v", err)
	}
}

func TestLabelsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), LabelsFile)

	if _, ok, err := readLabelsFile(path); err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	want := []Label{3, NoLabel, 0}
	if err := writeLabelsFile(path, want); err != nil {
		t.Fatalf("writeLabelsFile: %v", err)
	}
	got, ok, err := readLabelsFile(path)
	if err != nil || !ok {
		t.Fatalf("readLabelsFile: ok=%v err=%v", ok, err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d labels, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("label %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}
