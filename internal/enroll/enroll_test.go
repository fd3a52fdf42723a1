package enroll

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/embedder"
)

// fakeDetector maps file contents to embeddings. Contents "fail" produce an
// error, as does every call while down is set; each other comma-separated
// token becomes one face.
type fakeDetector struct {
	mu    sync.Mutex
	calls int
	dim   int
	down  bool
}

func (d *fakeDetector) DetectFaces(_ context.Context, data []byte) (*embedder.FaceResponse, error) {
	d.mu.Lock()
	d.calls++
	down := d.down
	d.mu.Unlock()

	s := strings.TrimSpace(string(data))
	if s == "fail" || down {
		return nil, errors.New("detector unavailable")
	}
	resp := &embedder.FaceResponse{}
	for _, tok := range strings.Split(s, ",") {
		if tok == "" {
			continue
		}
		dim := d.dim
		if strings.HasPrefix(tok, "wide") {
			dim++
		}
		v := make([]float32, dim)
		v[int(tok[len(tok)-1]-'0')%dim] = 1
		resp.Faces = append(resp.Faces, embedder.FaceDetection{Embedding: v})
	}
	return resp, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newStore(t *testing.T, dim int) *catalog.Store {
	t.Helper()
	dir := t.TempDir()
	return catalog.NewStore(catalog.DefaultPaths(filepath.Join(dir, "catalog"), filepath.Join(dir, "config.json")), catalog.Options{Dim: dim})
}

func TestBuild(t *testing.T) {
	images := t.TempDir()
	writeFile(t, filepath.Join(images, "alice", "1.jpg"), "f0")
	writeFile(t, filepath.Join(images, "alice", "2.PNG"), "f1,f2")
	writeFile(t, filepath.Join(images, "alice", "notes.txt"), "f3")
	writeFile(t, filepath.Join(images, "bob", "1.jpeg"), "f3")
	writeFile(t, filepath.Join(images, "bob", "broken.jpg"), "fail")
	writeFile(t, filepath.Join(images, UnknownDirName, "u_1.jpg"), "f0")

	store := newStore(t, 4)
	det := &fakeDetector{dim: 4}
	var progress []int
	stats, err := Build(context.Background(), store, det, images, Options{
		Concurrency: 2,
		Progress:    func(done, total int) { progress = append(progress, done) },
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := Stats{Persons: 2, Images: 4, Faces: 4, Failed: 1}
	if stats != want {
		t.Errorf("expected stats %+v, got %+v", want, stats)
	}
	if det.calls != 4 {
		t.Errorf("expected 4 detector calls, got %d", det.calls)
	}
	if len(progress) != 4 || progress[len(progress)-1] != 4 {
		t.Errorf("expected progress to reach 4, got %v", progress)
	}

	alice, ok := store.LabelOf("alice")
	if !ok || alice != 0 {
		t.Fatalf("expected alice at label 0, got %d (ok=%v)", alice, ok)
	}
	bob, ok := store.LabelOf("bob")
	if !ok || bob != 1 {
		t.Fatalf("expected bob at label 1, got %d (ok=%v)", bob, ok)
	}
	counts := store.CountByLabel()
	if counts[alice] != 3 || counts[bob] != 1 {
		t.Errorf("expected 3 alice and 1 bob vectors, got %v", counts)
	}
	rec, _ := store.Lookup(alice)
	if rec.DisplayName() != "alice" {
		t.Errorf("expected display name alice, got %q", rec.DisplayName())
	}
}

func TestBuild_RepeatedRunDoesNotDuplicate(t *testing.T) {
	images := t.TempDir()
	writeFile(t, filepath.Join(images, "alice", "1.jpg"), "f0,f1")

	store := newStore(t, 4)
	det := &fakeDetector{dim: 4}
	for range 2 {
		if _, err := Build(context.Background(), store, det, images, Options{}); err != nil {
			t.Fatalf("Build: %v", err)
		}
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 vectors after two runs, got %d", store.Len())
	}
}

func TestBuild_KeepsExistingLabels(t *testing.T) {
	images := t.TempDir()
	writeFile(t, filepath.Join(images, "alice", "1.jpg"), "f0")
	writeFile(t, filepath.Join(images, "bob", "1.jpg"), "f1")

	store := newStore(t, 4)
	if _, err := store.RegisterPerson(7, "bob", "Bob", catalog.PolicyKeep); err != nil {
		t.Fatalf("RegisterPerson: %v", err)
	}
	if _, err := Build(context.Background(), store, &fakeDetector{dim: 4}, images, Options{}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if l, _ := store.LabelOf("bob"); l != 7 {
		t.Errorf("expected bob to keep label 7, got %d", l)
	}
	if l, _ := store.LabelOf("alice"); l != 8 {
		t.Errorf("expected alice at label 8, got %d", l)
	}
	rec, _ := store.Lookup(7)
	if rec.DisplayName() != "Bob" {
		t.Errorf("expected existing name Bob to survive, got %q", rec.DisplayName())
	}
}

func TestBuild_AdaptsEmptyStoreDimension(t *testing.T) {
	images := t.TempDir()
	writeFile(t, filepath.Join(images, "alice", "1.jpg"), "f0,wide1")

	var events []catalog.DimensionChanged
	store := catalog.NewStore(catalog.DefaultPaths(t.TempDir(), ""), catalog.Options{
		Dim:                512,
		OnDimensionChanged: func(e catalog.DimensionChanged) { events = append(events, e) },
	})

	stats, err := Build(context.Background(), store, &fakeDetector{dim: 3}, images, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if store.Dim() != 3 {
		t.Errorf("expected dim 3, got %d", store.Dim())
	}
	if stats.Faces != 1 || stats.Dropped != 1 {
		t.Errorf("expected 1 face and 1 dropped, got %+v", stats)
	}
	if len(events) != 1 || events[0] != (catalog.DimensionChanged{Old: 512, New: 3}) {
		t.Errorf("expected one dimension change event, got %v", events)
	}
}

func TestBuild_PopulatedStoreKeepsDimensionUnlessRebuild(t *testing.T) {
	images := t.TempDir()
	writeFile(t, filepath.Join(images, "alice", "1.jpg"), "f0")

	store := newStore(t, 4)
	if _, _, err := store.Enroll("carol", "", [][]float32{{1, 0, 0, 0}}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	stats, err := Build(context.Background(), store, &fakeDetector{dim: 3}, images, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if store.Dim() != 4 || stats.Dropped != 1 || stats.Faces != 0 {
		t.Errorf("expected dim 4 with the face dropped, got dim=%d stats=%+v", store.Dim(), stats)
	}

	stats, err = Build(context.Background(), store, &fakeDetector{dim: 3}, images, Options{Rebuild: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if store.Dim() != 3 || stats.Faces != 1 {
		t.Errorf("expected rebuild to dim 3 with one face, got dim=%d stats=%+v", store.Dim(), stats)
	}
}

func TestBuild_MissingImagesDir(t *testing.T) {
	store := newStore(t, 4)
	stats, err := Build(context.Background(), store, &fakeDetector{dim: 4}, filepath.Join(t.TempDir(), "missing"), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}

func newPersistentStore(t *testing.T, dim int) (*catalog.Store, catalog.Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := catalog.DefaultPaths(filepath.Join(dir, "catalog"), filepath.Join(dir, "config.json"))
	return catalog.NewStore(paths, catalog.Options{Dim: dim}), paths
}

func TestBuild_DetectorOutageKeepsCatalog(t *testing.T) {
	images := t.TempDir()
	writeFile(t, filepath.Join(images, "alice", "1.jpg"), "f0")

	store, paths := newPersistentStore(t, 4)
	det := &fakeDetector{dim: 4}
	if _, err := Build(context.Background(), store, det, images, Options{}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 vector after first run, got %d", store.Len())
	}

	det.down = true
	stats, err := Build(context.Background(), store, det, images, Options{})
	if !errors.Is(err, ErrEnrollFailed) {
		t.Fatalf("expected ErrEnrollFailed, got %v", err)
	}
	if stats.Failed != 1 || stats.Faces != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if store.Len() != 1 {
		t.Errorf("expected the vector to survive a failed run, got %d", store.Len())
	}

	reloaded := catalog.NewStore(paths, catalog.Options{Dim: 4})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Errorf("expected the saved catalog to keep 1 vector, got %d", reloaded.Len())
	}
}

func TestBuild_PartialFailureKeepsPersonVectors(t *testing.T) {
	images := t.TempDir()
	writeFile(t, filepath.Join(images, "alice", "1.jpg"), "f0")
	writeFile(t, filepath.Join(images, "alice", "2.jpg"), "f1")
	writeFile(t, filepath.Join(images, "bob", "1.jpg"), "f2")

	store := newStore(t, 4)
	det := &fakeDetector{dim: 4}
	if _, err := Build(context.Background(), store, det, images, Options{}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	writeFile(t, filepath.Join(images, "alice", "2.jpg"), "fail")
	writeFile(t, filepath.Join(images, "bob", "1.jpg"), "f3")
	stats, err := Build(context.Background(), store, det, images, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := Stats{Persons: 2, Images: 3, Faces: 1, Failed: 1, Kept: 1}
	if stats != want {
		t.Errorf("expected stats %+v, got %+v", want, stats)
	}

	alice, _ := store.LabelOf("alice")
	bob, _ := store.LabelOf("bob")
	counts := store.CountByLabel()
	if counts[alice] != 2 || counts[bob] != 1 {
		t.Errorf("expected alice to keep 2 vectors and bob to have 1, got %v", counts)
	}
	got, err := store.Match([][]float32{{0, 0, 0, 1}}, 1)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got[0]) != 1 || got[0][0].Label != bob || got[0][0].Similarity != 1 {
		t.Errorf("expected bob's vector to be replaced, got %+v", got[0])
	}
}

func TestBuild_MissingImagesDirKeepsCatalog(t *testing.T) {
	store := newStore(t, 4)
	if _, _, err := store.Enroll("carol", "Carol", [][]float32{{1, 0, 0, 0}}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	stats, err := Build(context.Background(), store, &fakeDetector{dim: 4}, filepath.Join(t.TempDir(), "missing"), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("expected zero stats, got %+v", stats)
	}
	if store.Len() != 1 {
		t.Errorf("expected carol's vector to survive, got %d vectors", store.Len())
	}
}

func TestBuild_Canceled(t *testing.T) {
	images := t.TempDir()
	writeFile(t, filepath.Join(images, "alice", "1.jpg"), "f0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, newStore(t, 4), &fakeDetector{dim: 4}, images, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestValidatePersonID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"alice", true},
		{"Jan Novák", true},
		{"", false},
		{"  ", false},
		{"..", false},
		{"unknown", false},
		{"a/b", false},
		{`a\b`, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidatePersonID(tt.id)
			if tt.valid && err != nil {
				t.Errorf("expected %q to be valid, got %v", tt.id, err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidPersonID) {
				t.Errorf("expected ErrInvalidPersonID for %q, got %v", tt.id, err)
			}
		})
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestSavePhotos(t *testing.T) {
	images := t.TempDir()
	n, err := SavePhotos(images, "alice", []Photo{
		{Name: "good.png", Data: pngBytes(t)},
		{Name: "../escape.png", Data: pngBytes(t)},
		{Name: "garbage.jpg", Data: []byte("not an image")},
		{Name: "doc.pdf", Data: pngBytes(t)},
	})
	if err != nil {
		t.Fatalf("SavePhotos: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 saved photos, got %d", n)
	}
	for _, name := range []string{"good.png", "escape.png"} {
		if _, err := os.Stat(filepath.Join(images, "alice", name)); err != nil {
			t.Errorf("expected %s in person folder: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(images, "escape.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected no file outside the person folder")
	}

	if _, err := SavePhotos(images, "unknown", nil); !errors.Is(err, ErrInvalidPersonID) {
		t.Errorf("expected ErrInvalidPersonID, got %v", err)
	}
}

func TestCopyIntoPerson(t *testing.T) {
	images := t.TempDir()
	src := filepath.Join(images, UnknownDirName, "u_3.jpg")
	writeFile(t, src, "crop")

	dst, err := CopyIntoPerson(images, "bob", src)
	if err != nil {
		t.Fatalf("CopyIntoPerson: %v", err)
	}
	if dst != filepath.Join(images, "bob", "u_3.jpg") {
		t.Errorf("unexpected destination %s", dst)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "crop" {
		t.Errorf("expected copied content, got %q (%v)", data, err)
	}
}
