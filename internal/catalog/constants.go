package catalog

import (
	"errors"
	"math"
)

// Catalog artifacts, relative to the catalog directory.
const (
	IndexFile   = "index.bin"
	LabelsFile  = "labels.bin"
	PersonsFile = "persons.json"
	VectorsFile = "vectors.bin"
)

// DefaultDim is the embedding dimension of a catalog that has never been loaded.
const DefaultDim = 512

const (
	// NoLabel fills empty search slots and marks rows without a known owner.
	NoLabel Label = -1

	// NoSimilarity fills the similarity of empty search slots.
	NoSimilarity float32 = -math.MaxFloat32
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrLengthMismatch    = errors.New("vectors and labels differ in length")
	ErrInvalidK          = errors.New("k must be at least 1")
	ErrInvalidLabel      = errors.New("label must be non-negative")
	ErrCorruptBlob       = errors.New("corrupt index blob")
	ErrUnknownPolicy     = errors.New("unknown conflict policy")
)
