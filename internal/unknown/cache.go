// Package unknown keeps embeddings of faces that matched nobody, deduplicated
// by similarity, together with a JPEG crop of each face.
package unknown

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/imaging"
	"github.com/kozaktomas/doorbell/internal/vecio"
)

// Default file names inside the catalog directory.
const (
	EmbeddingsFile = "unknown_embeddings.bin"
	MetaFile       = "unknown_meta.json"
)

// DefaultDupSim is the similarity at which a new face counts as already seen.
const DefaultDupSim = 0.8

var (
	ErrNotFound       = errors.New("unknown face not found")
	ErrEmptyEmbedding = errors.New("empty embedding")
)

// CropSource produces the face image stored next to an admitted embedding.
type CropSource interface {
	Crop() (image.Image, error)
}

// Entry is one unidentified face. IDs are never reused.
type Entry struct {
	ID        uint64    `json:"id"`
	File      string    `json:"file"`
	Embedding []float32 `json:"-"`
}

// Admission reports the outcome of Admit. Similarity is the best match among
// the entries present before the call.
type Admission struct {
	Admitted   bool
	Entry      Entry
	Similarity float32
}

// Options configures a Cache.
type Options struct {
	EmbeddingsPath string
	MetaPath       string
	CropDir        string
	DupSim         float32
	Dim            int
	Logger         *slog.Logger
	// OnDimensionChanged is called when an embedding of a new dimension resets the cache.
	OnDimensionChanged func(catalog.DimensionChanged)
}

// Cache is safe for concurrent use. It has its own lock, independent of the catalog.
type Cache struct {
	mu      sync.Mutex
	opts    Options
	logger  *slog.Logger
	dim     int
	data    []float32 // row-major, parallel to entries
	entries []Entry
	nextID  uint64
}

// New creates an empty cache. Call Load to read persisted state. DupSim is
// used as given; DefaultOptions fills in the standard value.
func New(opts Options) *Cache {
	if opts.Dim <= 0 {
		opts.Dim = catalog.DefaultDim
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		opts:   opts,
		logger: logger.With("component", "unknown"),
		dim:    opts.Dim,
	}
}

// DefaultOptions returns options for the standard layout.
func DefaultOptions(catalogDir, cropDir string) Options {
	return Options{
		EmbeddingsPath: filepath.Join(catalogDir, EmbeddingsFile),
		MetaPath:       filepath.Join(catalogDir, MetaFile),
		CropDir:        cropDir,
		DupSim:         DefaultDupSim,
	}
}

// Admit stores embedding unless an existing entry is at least DupSim similar.
// An embedding of another dimension first resets the cache. The crop, when
// given, is written as u_<id>.jpg and the cache is saved.
func (c *Cache) Admit(embedding []float32, crop CropSource) (Admission, error) {
	if len(embedding) == 0 {
		return Admission{}, ErrEmptyEmbedding
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(embedding) != c.dim {
		c.resetLocked(len(embedding))
	}

	best := catalog.MaxInnerProduct(embedding, c.data)
	if len(c.entries) > 0 && best >= c.opts.DupSim {
		c.logger.Debug("unknown face already cached", "similarity", best)
		return Admission{Similarity: best}, nil
	}

	entry := Entry{ID: c.nextID, Embedding: slices.Clone(embedding)}
	if crop != nil {
		entry.File = fmt.Sprintf("u_%d.jpg", entry.ID)
		if err := c.writeCrop(entry.File, crop); err != nil {
			return Admission{Similarity: best}, err
		}
	}

	c.nextID++
	c.entries = append(c.entries, entry)
	c.data = append(c.data, entry.Embedding...)
	if err := c.saveLocked(); err != nil {
		return Admission{Admitted: true, Entry: entry, Similarity: best}, err
	}
	c.logger.Info("unknown face admitted", "id", entry.ID, "file", entry.File, "similarity", best)
	return Admission{Admitted: true, Entry: entry, Similarity: best}, nil
}

func (c *Cache) writeCrop(name string, crop CropSource) error {
	img, err := crop.Crop()
	if err != nil {
		return fmt.Errorf("cropping face: %w", err)
	}
	path := filepath.Join(c.opts.CropDir, name)
	return vecio.WriteFileAtomic(path, func(w io.Writer) error {
		return imaging.EncodeJPEG(w, img)
	})
}

// resetLocked drops every entry and switches to dim. Crop files stay on disk.
func (c *Cache) resetLocked(dim int) {
	old := c.dim
	if len(c.entries) > 0 {
		c.logger.Warn("unknown cache reset for new embedding dimension",
			"old_dim", old, "new_dim", dim, "dropped", len(c.entries))
	}
	c.dim = dim
	c.data = nil
	c.entries = nil
	if c.opts.OnDimensionChanged != nil {
		c.opts.OnDimensionChanged(catalog.DimensionChanged{Old: old, New: dim})
	}
}

// Remove deletes the entry with id, saves, and removes its crop file.
func (c *Cache) Remove(id uint64) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return c.removeLocked(i)
}

// RemoveAt deletes the entry at position i in admission order.
func (c *Cache) RemoveAt(i int) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= len(c.entries) {
		return Entry{}, fmt.Errorf("%w: index %d", ErrNotFound, i)
	}
	return c.removeLocked(i)
}

func (c *Cache) removeLocked(i int) (Entry, error) {
	entry := c.entries[i]
	c.entries = slices.Delete(c.entries, i, i+1)
	c.data = slices.Delete(c.data, i*c.dim, (i+1)*c.dim)

	if err := c.saveLocked(); err != nil {
		return entry, err
	}
	if entry.File != "" {
		if err := os.Remove(c.cropPath(entry)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to delete unknown crop", "file", entry.File, "error", err)
		}
	}
	return entry, nil
}

func (c *Cache) indexOf(id uint64) int {
	return slices.IndexFunc(c.entries, func(e Entry) bool { return e.ID == id })
}

// Get returns a copy of the entry with id.
func (c *Cache) Get(id uint64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return Entry{}, false
	}
	e := c.entries[i]
	e.Embedding = slices.Clone(e.Embedding)
	return e, true
}

// Entries returns all entries in admission order without embeddings.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = Entry{ID: e.ID, File: e.File}
	}
	return out
}

// Len returns the number of cached faces.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Dim returns the current embedding dimension.
func (c *Cache) Dim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

// CropPath returns the path of the entry's crop, or "" when it has none.
func (c *Cache) CropPath(e Entry) string {
	return c.cropPath(e)
}

func (c *Cache) cropPath(e Entry) string {
	if e.File == "" {
		return ""
	}
	return filepath.Join(c.opts.CropDir, filepath.Base(e.File))
}
