// Package enroll builds the catalog from the per-person photo folders.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/embedder"
)

// UnknownDirName is the folder under the images directory holding unknown crops.
const UnknownDirName = "unknown"

// DefaultConcurrency is the number of parallel detector requests.
const DefaultConcurrency = 4

var (
	// ErrInvalidPersonID is returned for person ids that cannot be folder names.
	ErrInvalidPersonID = errors.New("invalid person id")
	// ErrEnrollFailed is returned when no image of a run could be processed.
	ErrEnrollFailed = errors.New("no image could be processed")
)

var imageExtensions = []string{".jpg", ".jpeg", ".png"}

// Detector finds faces and embeds them.
type Detector interface {
	DetectFaces(ctx context.Context, imageData []byte) (*embedder.FaceResponse, error)
}

// Options configures Build.
type Options struct {
	Concurrency int
	// Rebuild resets the catalog to the detector's dimension even when it holds vectors.
	Rebuild bool
	// Progress is called after each image with the number done and the total.
	Progress func(done, total int)
	Logger   *slog.Logger
}

// Stats summarizes a build.
type Stats struct {
	Persons int `json:"persons"`
	Images  int `json:"images"`
	Faces   int `json:"faces"`
	Failed  int `json:"failed"`  // images the detector could not process
	Dropped int `json:"dropped"` // embeddings of the wrong dimension
	Kept    int `json:"kept"`    // persons whose stored vectors were kept because of failed images
}

type personDir struct {
	id     string
	images []string
}

type imageResult struct {
	embeddings [][]float32
	failed     bool
}

// Build embeds every photo under imagesDir/<person_id>/ and replaces the
// stored vectors of each person that produced embeddings, then saves.
// Persons without a folder or without usable embeddings keep their vectors,
// and so does a person with failed images who already has vectors. When
// every image fails the store is left untouched and ErrEnrollFailed is
// returned. Existing persons keep their labels; new folders are registered
// with the next free label and their folder name as display name. The
// unknown folder is skipped.
func Build(ctx context.Context, store *catalog.Store, det Detector, imagesDir string, opts Options) (Stats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "enroll")

	persons, err := scan(imagesDir)
	if err != nil {
		return Stats{}, err
	}

	var jobs []string
	for _, p := range persons {
		jobs = append(jobs, p.images...)
	}
	results, err := embedAll(ctx, det, jobs, opts, logger)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Persons: len(persons), Images: len(jobs)}
	for _, r := range results {
		if r.failed {
			stats.Failed++
		}
	}
	if stats.Images > 0 && stats.Failed == stats.Images {
		logger.Error("enrollment aborted, catalog unchanged", "images", stats.Images)
		return stats, fmt.Errorf("%w: %d of %d images failed", ErrEnrollFailed, stats.Failed, stats.Images)
	}

	if dim := firstDim(results); dim > 0 && dim != store.Dim() {
		if opts.Rebuild && store.Len() > 0 {
			if err := store.Rebuild(dim); err != nil {
				return stats, err
			}
		} else if _, err := store.EnsureDim(dim); err != nil {
			return stats, err
		}
	}

	counts := store.CountByLabel()
	var vectors [][]float32
	var labels []catalog.Label
	next := 0
	for _, p := range persons {
		label, ok := store.LabelOf(p.id)
		if !ok {
			label, err = store.RegisterPerson(store.NextLabel(), p.id, p.id, catalog.PolicyKeep)
			if err != nil {
				return stats, err
			}
			logger.Info("registered person", "person_id", p.id, "label", label)
		}

		var own [][]float32
		failed := false
		for range p.images {
			r := results[next]
			next++
			if r.failed {
				failed = true
				continue
			}
			for _, v := range r.embeddings {
				if len(v) != store.Dim() {
					stats.Dropped++
					continue
				}
				own = append(own, v)
			}
		}
		if len(own) == 0 {
			continue
		}
		if failed && counts[label] > 0 {
			stats.Kept++
			logger.Warn("keeping stored vectors, some photos failed", "person_id", p.id, "stored", counts[label])
			continue
		}
		for _, v := range own {
			vectors = append(vectors, v)
			labels = append(labels, label)
		}
	}

	n, err := store.ReplaceVectors(vectors, labels)
	if err != nil {
		return stats, err
	}
	stats.Faces = n
	if err := store.Save(); err != nil {
		return stats, err
	}
	logger.Info("catalog enrolled", "persons", stats.Persons, "images", stats.Images,
		"faces", stats.Faces, "failed", stats.Failed, "dropped", stats.Dropped, "kept", stats.Kept)
	return stats, nil
}

// embedAll runs the detector over every image with bounded concurrency.
// Unreadable images and detector failures mark the image failed; only
// context cancellation aborts the build.
func embedAll(ctx context.Context, det Detector, paths []string, opts Options, logger *slog.Logger) ([]imageResult, error) {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	results := make([]imageResult, len(paths))
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = embedFile(gctx, det, path, logger)
			if err := gctx.Err(); err != nil {
				return err
			}

			mu.Lock()
			done++
			if opts.Progress != nil {
				opts.Progress(done, len(paths))
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func embedFile(ctx context.Context, det Detector, path string, logger *slog.Logger) imageResult {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("skipping unreadable image", "path", path, "error", err)
		return imageResult{failed: true}
	}
	resp, err := det.DetectFaces(ctx, data)
	if err != nil {
		logger.Warn("face detection failed", "path", path, "error", err)
		return imageResult{failed: true}
	}
	var out [][]float32
	for _, f := range resp.Faces {
		if len(f.Embedding) > 0 {
			out = append(out, f.Embedding)
		}
	}
	logger.Debug("image embedded", "path", path, "faces", len(out))
	return imageResult{embeddings: out}
}

func firstDim(results []imageResult) int {
	for _, r := range results {
		for _, v := range r.embeddings {
			return len(v)
		}
	}
	return 0
}

// scan lists person folders and their images, both sorted by name.
func scan(imagesDir string) ([]personDir, error) {
	entries, err := os.ReadDir(imagesDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading images directory: %w", err)
	}

	var persons []personDir
	for _, e := range entries {
		if !e.IsDir() || e.Name() == UnknownDirName {
			continue
		}
		dir := filepath.Join(imagesDir, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		p := personDir{id: e.Name()}
		for _, f := range files {
			if f.IsDir() || !IsImageFile(f.Name()) {
				continue
			}
			p.images = append(p.images, filepath.Join(dir, f.Name()))
		}
		persons = append(persons, p)
	}
	return persons, nil
}

// IsImageFile reports whether name has an enrollable image extension.
func IsImageFile(name string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(name)))
}

// ValidatePersonID rejects ids that are empty, reserved, or not a single path element.
func ValidatePersonID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty", ErrInvalidPersonID)
	case id == "." || id == ".." || id == UnknownDirName:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidPersonID, id)
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidPersonID, id)
	}
	return nil
}
