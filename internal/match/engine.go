// Package match turns face embeddings into identities: it searches the
// catalog, applies the similarity threshold and routes unmatched faces to the
// unknown cache.
package match

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/unknown"
)

// Defaults used when Options leave a field zero.
const (
	DefaultSimThreshold = 0.4
	DefaultTopK         = 1
)

const (
	// UnknownName is reported for faces below the threshold.
	UnknownName = "Unknown"
	// KnownName is reported for a match whose record has no name or person_id.
	KnownName = "Known"
)

// Catalog is the part of catalog.Store the engine reads.
type Catalog interface {
	Len() int
	Dim() int
	EnsureDim(dim int) (bool, error)
	Match(queries [][]float32, k int) ([][]catalog.Neighbor, error)
}

// Admitter receives faces that matched nobody.
type Admitter interface {
	Admit(embedding []float32, crop unknown.CropSource) (unknown.Admission, error)
}

// Face is one detected face.
type Face struct {
	Embedding []float32
	BBox      []float64
	// Crop is optional; without it admitted unknowns have no image.
	Crop unknown.CropSource
}

// Candidate is one ranked catalog hit.
type Candidate struct {
	Label      catalog.Label `json:"label"`
	Similarity float32       `json:"similarity"`
}

// Result is the decision for one face.
type Result struct {
	Name       string        `json:"name"`
	Known      bool          `json:"known"`
	Label      catalog.Label `json:"label"`
	PersonID   string        `json:"person_id,omitempty"`
	Similarity float32       `json:"similarity"`
	BBox       []float64     `json:"bbox,omitempty"`
	Candidates []Candidate   `json:"candidates,omitempty"`
	Admitted   bool          `json:"admitted"`
	UnknownID  *uint64       `json:"unknown_id,omitempty"`
}

// Options configures an Engine. SimThreshold is used as given, zero
// included; start from DefaultOptions for the standard values.
type Options struct {
	SimThreshold float32
	TopK         int
	Logger       *slog.Logger
}

// DefaultOptions returns the standard threshold and neighbor count.
func DefaultOptions() Options {
	return Options{SimThreshold: DefaultSimThreshold, TopK: DefaultTopK}
}

// Engine holds no state of its own beyond its collaborators.
type Engine struct {
	catalog      Catalog
	unknowns     Admitter
	simThreshold float32
	topK         int
	logger       *slog.Logger
}

// NewEngine creates an engine. unknowns may be nil to disable admission.
func NewEngine(cat Catalog, unknowns Admitter, opts Options) *Engine {
	if opts.TopK < 1 {
		opts.TopK = DefaultTopK
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		catalog:      cat,
		unknowns:     unknowns,
		simThreshold: opts.SimThreshold,
		topK:         opts.TopK,
		logger:       logger.With("component", "match"),
	}
}

// SimThreshold returns the minimum similarity for a known match.
func (e *Engine) SimThreshold() float32 {
	return e.simThreshold
}

// TopK returns the number of neighbors retrieved per face.
func (e *Engine) TopK() int {
	return e.topK
}

// Classify names every face. An empty catalog whose dimension differs from
// the faces is first rebuilt for it. Search and person lookup happen against
// one catalog state. While the catalog is empty every face is Unknown and
// nothing is admitted. Failed admissions are logged and leave Admitted false.
func (e *Engine) Classify(faces []Face) ([]Result, error) {
	results := make([]Result, len(faces))
	for i, f := range faces {
		results[i] = Result{Name: UnknownName, Label: catalog.NoLabel, Similarity: catalog.NoSimilarity, BBox: f.BBox}
	}
	if len(faces) == 0 {
		return results, nil
	}

	if dim := len(faces[0].Embedding); dim > 0 && dim != e.catalog.Dim() && e.catalog.Len() == 0 {
		if _, err := e.catalog.EnsureDim(dim); err != nil {
			return nil, fmt.Errorf("adapting catalog dimension: %w", err)
		}
	}

	queries := make([][]float32, len(faces))
	for i, f := range faces {
		queries[i] = f.Embedding
	}
	neighbors, err := e.catalog.Match(queries, e.topK)
	if err != nil {
		return nil, fmt.Errorf("searching catalog: %w", err)
	}

	for i, f := range faces {
		if i >= len(neighbors) || len(neighbors[i]) == 0 {
			// Only an empty catalog has no neighbors.
			continue
		}
		r := &results[i]
		r.Candidates = candidates(neighbors[i])
		top := neighbors[i][0]
		r.Similarity = top.Similarity
		r.Label = top.Label

		if r.Similarity >= e.simThreshold && r.Label >= 0 {
			r.Known = true
			r.Name = KnownName
			if top.Registered {
				r.PersonID = top.Record.PersonID
				if name := top.Record.DisplayName(); name != "" {
					r.Name = name
				}
			}
			continue
		}

		r.Label = catalog.NoLabel
		e.admit(r, f)
	}
	return results, nil
}

func (e *Engine) admit(r *Result, f Face) {
	if e.unknowns == nil {
		return
	}
	adm, err := e.unknowns.Admit(f.Embedding, f.Crop)
	if err != nil {
		e.logger.Warn("failed to admit unknown face", "error", err)
		return
	}
	if adm.Admitted {
		id := adm.Entry.ID
		r.Admitted = true
		r.UnknownID = &id
	}
}

func candidates(neighbors []catalog.Neighbor) []Candidate {
	var out []Candidate
	for _, n := range neighbors {
		if n.Label == catalog.NoLabel {
			continue
		}
		out = append(out, Candidate{Label: n.Label, Similarity: n.Similarity})
	}
	return out
}
