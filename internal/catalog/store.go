// Package catalog implements the persisted face catalog: an exact
// inner-product index over enrolled embeddings, the label registry mapping
// labels to persons, and their atomic on-disk form.
package catalog

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kozaktomas/doorbell/internal/config"
	"github.com/kozaktomas/doorbell/internal/vecio"
)

// Paths locates the persisted catalog artifacts. An empty Record disables
// writing EMBED_DIM to the shared config record.
type Paths struct {
	Index   string
	Labels  string
	Persons string
	Vectors string
	Record  string
}

// DefaultPaths returns the standard layout under catalogDir with the config
// record at recordPath.
func DefaultPaths(catalogDir, recordPath string) Paths {
	return Paths{
		Index:   filepath.Join(catalogDir, IndexFile),
		Labels:  filepath.Join(catalogDir, LabelsFile),
		Persons: filepath.Join(catalogDir, PersonsFile),
		Vectors: filepath.Join(catalogDir, VectorsFile),
		Record:  recordPath,
	}
}

// DimensionChanged is emitted whenever the store is rebuilt for a dimension.
type DimensionChanged struct {
	Old int
	New int
}

// Options configures a Store.
type Options struct {
	// Dim is the dimension used until a persisted index says otherwise.
	Dim int
	// Strict makes Add report ErrDimensionMismatch instead of skipping.
	Strict bool
	Logger *slog.Logger
	// OnDimensionChanged is called with the store lock held.
	OnDimensionChanged func(DimensionChanged)
}

// Store owns the index, the registry, and the vector buffer used to rebuild
// the index. Search takes a read lock; every other operation is exclusive.
type Store struct {
	mu       sync.RWMutex
	paths    Paths
	index    *Index
	vectors  []float32 // row-major rebuild source, parallel to index rows
	registry *Registry
	strict   bool
	logger   *slog.Logger
	onDim    func(DimensionChanged)
}

// NewStore creates an empty store. Call Load to read persisted state.
func NewStore(paths Paths, opts Options) *Store {
	dim := opts.Dim
	if dim <= 0 {
		dim = DefaultDim
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		paths:    paths,
		index:    NewIndex(dim),
		registry: NewRegistry(),
		strict:   opts.Strict,
		logger:   logger.With("component", "catalog"),
		onDim:    opts.OnDimensionChanged,
	}
}

// Load replaces the in-memory state with the persisted one. Missing files
// count as empty. A vector array whose shape disagrees with the index is
// replaced by zeros, and a label array of the wrong length is truncated or
// padded with NoLabel. The resolved dimension is written to the config record.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok, err := readIndexFile(s.paths.Index)
	if err != nil {
		return err
	}
	if !ok {
		index = NewIndex(s.index.Dim())
	}

	labels, ok, err := readLabelsFile(s.paths.Labels)
	if err != nil {
		return err
	}
	if ok || index.Len() > 0 {
		index.labels = s.reconcileLabels(labels, index.Len())
	}

	registry := NewRegistry()
	if _, err := vecio.ReadJSON(s.paths.Persons, registry); err != nil {
		return err
	}

	vectors, ok, err := vecio.ReadMatrixFile(s.paths.Vectors)
	if err != nil {
		s.logger.Warn("discarding unreadable vector array", "path", s.paths.Vectors, "error", err)
		ok = false
	}
	switch {
	case ok && vectors.Rows == index.Len() && vectors.Cols == index.Dim():
		s.vectors = vectors.Data
	default:
		if ok || index.Len() > 0 {
			s.logger.Warn("vector array does not match index, using zero placeholder",
				"rows", vectors.Rows, "cols", vectors.Cols, "index_count", index.Len(), "dim", index.Dim())
		}
		s.vectors = make([]float32, index.Len()*index.Dim())
	}

	s.index = index
	s.registry = registry
	s.logger.Info("catalog loaded", "vectors", index.Len(), "persons", registry.Len(), "dim", index.Dim())

	return s.persistDimLocked()
}

func (s *Store) reconcileLabels(labels []Label, count int) []Label {
	if len(labels) == count {
		return labels
	}
	s.logger.Warn("label array does not match index", "labels", len(labels), "index_count", count)
	out := make([]Label, count)
	n := copy(out, labels)
	for i := n; i < count; i++ {
		out[i] = NoLabel
	}
	return out
}

// Save writes the index blob, labels, person records and vector array, each
// through an atomic replace, then the dimension to the config record.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := writeIndexFile(s.paths.Index, s.index); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}
	if err := writeLabelsFile(s.paths.Labels, s.index.labels); err != nil {
		return fmt.Errorf("saving labels: %w", err)
	}
	if err := vecio.WriteJSON(s.paths.Persons, s.registry); err != nil {
		return fmt.Errorf("saving persons: %w", err)
	}
	m := vecio.Matrix{Rows: s.index.Len(), Cols: s.index.Dim(), Data: s.vectors}
	if m.Data == nil {
		m.Data = []float32{}
	}
	if err := vecio.WriteMatrixFile(s.paths.Vectors, m); err != nil {
		return fmt.Errorf("saving vectors: %w", err)
	}
	s.logger.Debug("catalog saved", "vectors", s.index.Len(), "persons", s.registry.Len())
	return s.persistDimLocked()
}

func (s *Store) persistDimLocked() error {
	if s.paths.Record == "" {
		return nil
	}
	if err := config.MergeRecord(s.paths.Record, map[string]any{config.KeyEmbedDim: s.index.Dim()}); err != nil {
		return fmt.Errorf("persisting embedding dimension: %w", err)
	}
	return nil
}

// Add appends vectors under labels. It does not save. When any vector has the
// wrong dimension nothing is added; the call is a silent no-op unless the
// store is strict, in which case ErrDimensionMismatch is returned.
func (s *Store) Add(vectors [][]float32, labels []Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(vectors, labels)
}

func (s *Store) addLocked(vectors [][]float32, labels []Label) error {
	if len(vectors) == 0 {
		return nil
	}
	if len(vectors) != len(labels) {
		return fmt.Errorf("%w: %d vectors, %d labels", ErrLengthMismatch, len(vectors), len(labels))
	}
	for _, v := range vectors {
		if len(v) != s.index.Dim() {
			if s.strict {
				return fmt.Errorf("%w: got %d, catalog has %d", ErrDimensionMismatch, len(v), s.index.Dim())
			}
			s.logger.Debug("skipping add with mismatched dimension", "got", len(v), "dim", s.index.Dim())
			return nil
		}
	}
	if err := s.index.Add(vectors, labels); err != nil {
		return err
	}
	for _, v := range vectors {
		s.vectors = append(s.vectors, v...)
	}
	return nil
}

// Search returns the top-k labels and similarities for each query.
func (s *Store) Search(queries [][]float32, k int) (SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Search(queries, k)
}

// Neighbor is one search hit together with the person record its label
// resolved to at search time.
type Neighbor struct {
	Label      Label
	Similarity float32
	Record     PersonRecord
	// Registered is false for rows whose label has no person record.
	Registered bool
}

// Match searches like Search and resolves every hit against the registry
// under the same read lock, so results never mix two catalog states. Each
// query gets up to k neighbors, best first; an empty catalog yields none.
func (s *Store) Match(queries [][]float32, k int) ([][]Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.index.Search(queries, k)
	if err != nil {
		return nil, err
	}
	out := make([][]Neighbor, len(queries))
	for qi := range res.Labels {
		for j, l := range res.Labels[qi] {
			sim := res.Similarities[qi][j]
			if l == NoLabel && sim == NoSimilarity {
				break
			}
			n := Neighbor{Label: l, Similarity: sim}
			if l >= 0 {
				n.Record, n.Registered = s.registry.Lookup(l)
			}
			out[qi] = append(out[qi], n)
		}
	}
	return out, nil
}

// Enroll registers personID if needed (keeping an existing registration) and
// appends the vectors that match the catalog dimension under its label.
// It returns the label and how many vectors were added. It does not save.
func (s *Store) Enroll(personID, name string, vectors [][]float32) (Label, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	label, ok := s.registry.LabelOf(personID)
	if !ok {
		label = s.registry.RegisterPerson(s.registry.NextLabel(), personID, name, PolicyKeep)
	}

	accepted, err := s.filterDim(vectors)
	if err != nil {
		return label, 0, err
	}
	labels := make([]Label, len(accepted))
	for i := range labels {
		labels[i] = label
	}
	if err := s.addLocked(accepted, labels); err != nil {
		return label, 0, err
	}
	return label, len(accepted), nil
}

// ReplaceVectors swaps the stored vectors of every label present in labels
// for the given ones. Rows under any other label are kept. Vectors of another
// dimension are skipped unless the store is strict, and a label whose vectors
// were all skipped keeps its rows. It does not save.
func (s *Store) ReplaceVectors(vectors [][]float32, labels []Label) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(vectors) != len(labels) {
		return 0, fmt.Errorf("%w: %d vectors, %d labels", ErrLengthMismatch, len(vectors), len(labels))
	}
	keptVectors := make([][]float32, 0, len(vectors))
	keptLabels := make([]Label, 0, len(labels))
	replaced := roaring.New()
	for i, v := range vectors {
		if labels[i] < 0 {
			return 0, ErrInvalidLabel
		}
		if len(v) != s.index.Dim() {
			if s.strict {
				return 0, fmt.Errorf("%w: got %d, catalog has %d", ErrDimensionMismatch, len(v), s.index.Dim())
			}
			continue
		}
		keptVectors = append(keptVectors, v)
		keptLabels = append(keptLabels, labels[i])
		replaced.Add(uint32(labels[i]))
	}
	if skipped := len(vectors) - len(keptVectors); skipped > 0 {
		s.logger.Debug("skipping vectors with mismatched dimension", "skipped", skipped, "dim", s.index.Dim())
	}
	if len(keptVectors) == 0 {
		return 0, nil
	}

	dropped := s.filterLocked(func(l Label) bool {
		return l < 0 || !replaced.Contains(uint32(l))
	})
	if err := s.addLocked(keptVectors, keptLabels); err != nil {
		return 0, err
	}
	s.logger.Debug("vectors replaced", "labels", replaced.GetCardinality(), "dropped", dropped, "added", len(keptVectors))
	return len(keptVectors), nil
}

func (s *Store) filterDim(vectors [][]float32) ([][]float32, error) {
	out := make([][]float32, 0, len(vectors))
	for _, v := range vectors {
		if len(v) == s.index.Dim() {
			out = append(out, v)
			continue
		}
		if s.strict {
			return nil, fmt.Errorf("%w: got %d, catalog has %d", ErrDimensionMismatch, len(v), s.index.Dim())
		}
		s.logger.Debug("skipping vector with mismatched dimension", "got", len(v), "dim", s.index.Dim())
	}
	return out, nil
}

// RemovePerson deletes every record for personID and all vectors under their
// labels, rebuilds the index and saves. It reports false when nothing matched.
func (s *Store) RemovePerson(personID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.registry.RemovePerson(personID)
	if len(removed) == 0 {
		return false, nil
	}
	target := roaring.New()
	for _, l := range removed {
		target.Add(uint32(l))
	}
	dropped := s.filterLocked(func(l Label) bool {
		return l < 0 || !target.Contains(uint32(l))
	})
	s.logger.Info("person removed", "person_id", personID, "labels", removed, "vectors", dropped)
	if err := s.saveLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// PruneOrphans drops vectors whose label has no person record, rebuilds the
// index and saves. It reports whether anything was dropped.
func (s *Store) PruneOrphans() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	valid := roaring.New()
	for _, p := range s.registry.Records() {
		valid.Add(uint32(p.Label))
	}
	dropped := s.filterLocked(func(l Label) bool {
		return l >= 0 && valid.Contains(uint32(l))
	})
	if dropped == 0 {
		return false, nil
	}
	s.logger.Info("orphan vectors pruned", "vectors", dropped)
	if err := s.saveLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// filterLocked keeps the rows whose label satisfies keep and rebuilds the
// index from the vector buffer. It returns the number of dropped rows.
func (s *Store) filterLocked(keep func(Label) bool) int {
	dim := s.index.Dim()
	labels := s.index.labels
	var keptVectors [][]float32
	var keptLabels []Label
	for i, l := range labels {
		if keep(l) {
			keptVectors = append(keptVectors, s.vectors[i*dim:(i+1)*dim])
			keptLabels = append(keptLabels, l)
		}
	}
	dropped := len(labels) - len(keptLabels)
	if dropped == 0 {
		return 0
	}

	rebuilt := NewIndex(dim)
	if err := rebuilt.Add(keptVectors, keptLabels); err != nil {
		// Rows come from a buffer of the same dimension.
		panic(err)
	}
	s.index = rebuilt
	s.vectors = append([]float32(nil), rebuilt.data...)
	return dropped
}

// Rebuild discards every vector and label and switches to dim. Person records
// survive. The new dimension is written to the config record.
func (s *Store) Rebuild(dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked(dim)
}

func (s *Store) rebuildLocked(dim int) error {
	old := s.index.Dim()
	s.index.Reset(dim)
	s.vectors = nil
	s.logger.Info("catalog rebuilt", "old_dim", old, "new_dim", dim)
	if s.onDim != nil {
		s.onDim(DimensionChanged{Old: old, New: dim})
	}
	return s.persistDimLocked()
}

// EnsureDim rebuilds the store for dim when it is empty and uses another
// dimension. It reports whether a rebuild happened.
func (s *Store) EnsureDim(dim int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dim <= 0 || dim == s.index.Dim() || s.index.Len() > 0 {
		return false, nil
	}
	return true, s.rebuildLocked(dim)
}

// RegisterPerson registers a person under label using policy and returns the
// label holding the record.
func (s *Store) RegisterPerson(label Label, personID, name string, policy ConflictPolicy) (Label, error) {
	if label < 0 {
		return NoLabel, ErrInvalidLabel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.RegisterPerson(label, personID, name, policy), nil
}

// NextLabel returns the label a new person would receive.
func (s *Store) NextLabel() Label {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.NextLabel()
}

// Lookup returns the person record for label.
func (s *Store) Lookup(label Label) (PersonRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Lookup(label)
}

// LabelOf returns the label registered for personID.
func (s *Store) LabelOf(personID string) (Label, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.LabelOf(personID)
}

// FindByName resolves a loosely typed name to a registered person.
func (s *Store) FindByName(name string) (PersonRecord, Label, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	label, ok := s.registry.FindByName(name)
	if !ok {
		return PersonRecord{}, NoLabel, false
	}
	rec, _ := s.registry.Lookup(label)
	return rec, label, true
}

// Persons lists registered persons with their vector counts, ordered by label.
func (s *Store) Persons() []Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := s.countByLabelLocked()
	people := s.registry.Records()
	for i := range people {
		people[i].Vectors = counts[people[i].Label]
	}
	return people
}

// CountByLabel returns the number of stored vectors per label, orphans included.
func (s *Store) CountByLabel() map[Label]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countByLabelLocked()
}

func (s *Store) countByLabelLocked() map[Label]int {
	counts := make(map[Label]int)
	for _, l := range s.index.labels {
		counts[l]++
	}
	return counts
}

// Len returns the number of stored vectors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// Dim returns the catalog dimension.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Dim()
}

// Labels returns the stored labels in insertion order.
func (s *Store) Labels() []Label {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Labels()
}
