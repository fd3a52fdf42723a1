// Package recognizer wires the catalog, the unknown cache, the match engine
// and the embedder into the operations exposed by the HTTP API, MQTT and CLI.
package recognizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/embedder"
	"github.com/kozaktomas/doorbell/internal/enroll"
	"github.com/kozaktomas/doorbell/internal/imaging"
	"github.com/kozaktomas/doorbell/internal/match"
	"github.com/kozaktomas/doorbell/internal/unknown"
)

var ErrNoDetector = errors.New("no face detector configured")

// Detector finds faces and embeds them.
type Detector interface {
	DetectFaces(ctx context.Context, imageData []byte) (*embedder.FaceResponse, error)
}

type Options struct {
	ImagesDir string
	Match     match.Options
	// Concurrency bounds detector calls during enrollment.
	Concurrency int
	Logger      *slog.Logger
}

// Service is safe for concurrent use. Recognition runs concurrently;
// catalog mutations are serialized.
type Service struct {
	admin     sync.Mutex
	store     *catalog.Store
	unknowns  *unknown.Cache
	engine    *match.Engine
	detector  Detector
	imagesDir string
	opts      Options
	logger    *slog.Logger
}

// New creates a service. det may be nil, in which case only embedding-based
// recognition and catalog management are available.
func New(store *catalog.Store, unknowns *unknown.Cache, det Detector, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Match.Logger == nil {
		opts.Match.Logger = logger
	}
	var admitter match.Admitter
	if unknowns != nil {
		admitter = unknowns
	}
	return &Service{
		store:     store,
		unknowns:  unknowns,
		engine:    match.NewEngine(store, admitter, opts.Match),
		detector:  det,
		imagesDir: opts.ImagesDir,
		opts:      opts,
		logger:    logger.With("component", "recognizer"),
	}
}

func (s *Service) Store() *catalog.Store    { return s.store }
func (s *Service) Unknowns() *unknown.Cache { return s.unknowns }
func (s *Service) Engine() *match.Engine    { return s.engine }

// Recognition is the outcome for one image.
type Recognition struct {
	Width  int            `json:"width"`
	Height int            `json:"height"`
	Faces  []match.Result `json:"faces"`

	frame image.Image
}

// Annotated draws the recognized faces onto the frame.
func (r *Recognition) Annotated() *image.RGBA {
	return imaging.Annotate(r.frame, Boxes(r.Faces))
}

// Boxes converts results to drawable boxes labelled with their names.
func Boxes(results []match.Result) []imaging.Box {
	boxes := make([]imaging.Box, len(results))
	for i, r := range results {
		boxes[i] = imaging.Box{BBox: r.BBox, Label: r.Name, Known: r.Known}
	}
	return boxes
}

// ProcessImage detects the faces in an encoded image and classifies them.
// Unknown faces are cached with a crop cut from the frame.
func (s *Service) ProcessImage(ctx context.Context, data []byte) (*Recognition, error) {
	if s.detector == nil {
		return nil, ErrNoDetector
	}
	frame, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	resp, err := s.detector.DetectFaces(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("detecting faces: %w", err)
	}

	faces := make([]match.Face, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		faces = append(faces, match.Face{
			Embedding: f.Embedding,
			BBox:      f.BBox,
			Crop:      imaging.FrameCrop{Frame: frame, BBox: f.BBox},
		})
	}
	results, err := s.engine.Classify(faces)
	if err != nil {
		return nil, err
	}

	b := frame.Bounds()
	s.logger.Debug("image processed", "faces", len(results), "width", b.Dx(), "height", b.Dy())
	return &Recognition{Width: b.Dx(), Height: b.Dy(), Faces: results, frame: frame}, nil
}

// ProcessFaces classifies precomputed embeddings.
func (s *Service) ProcessFaces(faces []match.Face) ([]match.Result, error) {
	return s.engine.Classify(faces)
}

// Enroll rebuilds the catalog from the images directory.
func (s *Service) Enroll(ctx context.Context, rebuild bool, progress func(done, total int)) (enroll.Stats, error) {
	if s.detector == nil {
		return enroll.Stats{}, ErrNoDetector
	}
	s.admin.Lock()
	defer s.admin.Unlock()
	return s.enrollLocked(ctx, rebuild, progress)
}

func (s *Service) enrollLocked(ctx context.Context, rebuild bool, progress func(done, total int)) (enroll.Stats, error) {
	return enroll.Build(ctx, s.store, s.detector, s.imagesDir, enroll.Options{
		Concurrency: s.opts.Concurrency,
		Rebuild:     rebuild,
		Progress:    progress,
		Logger:      s.logger,
	})
}

// Added is the outcome of AddPerson.
type Added struct {
	PersonID string       `json:"person_id"`
	Saved    int          `json:"saved"`
	Enroll   enroll.Stats `json:"enroll"`
}

// AddPerson saves the photos for personID and re-enrolls the catalog. When
// personID is already registered, policy decides what happens: keep adds the
// photos to that person, rename registers a new person under a suffixed id
// and files the photos there, replace resets the person's record and swaps
// their photo folder for the new photos. Nothing changes when no photo is a
// usable image.
func (s *Service) AddPerson(ctx context.Context, personID string, photos []enroll.Photo, policy catalog.ConflictPolicy) (Added, error) {
	if s.detector == nil {
		return Added{}, ErrNoDetector
	}
	if err := enroll.ValidatePersonID(personID); err != nil {
		return Added{}, err
	}
	usable := enroll.UsablePhotos(photos)
	if len(usable) == 0 {
		return Added{PersonID: personID}, nil
	}
	s.admin.Lock()
	defer s.admin.Unlock()

	target := personID
	if label, ok := s.store.LabelOf(personID); ok {
		switch policy {
		case catalog.PolicyRename:
			l, err := s.store.RegisterPerson(s.store.NextLabel(), personID, personID, catalog.PolicyRename)
			if err != nil {
				return Added{}, err
			}
			rec, _ := s.store.Lookup(l)
			target = rec.PersonID
		case catalog.PolicyReplace:
			if _, err := s.store.RegisterPerson(label, personID, personID, catalog.PolicyReplace); err != nil {
				return Added{}, err
			}
			if err := os.RemoveAll(filepath.Join(s.imagesDir, personID)); err != nil {
				return Added{}, fmt.Errorf("deleting photos: %w", err)
			}
		}
		s.logger.Info("person already registered", "person_id", personID, "policy", policy, "target", target)
	}

	saved, err := enroll.SavePhotos(s.imagesDir, target, usable)
	if err != nil {
		return Added{PersonID: target, Saved: saved}, err
	}
	s.logger.Info("photos saved", "person_id", target, "count", saved)
	stats, err := s.enrollLocked(ctx, false, nil)
	return Added{PersonID: target, Saved: saved, Enroll: stats}, err
}

// Labelled is the outcome of LabelUnknown.
type Labelled struct {
	Label    catalog.Label `json:"label"`
	PersonID string        `json:"person_id"`
	Added    int           `json:"added"`
	Photo    string        `json:"photo,omitempty"`
}

// LabelUnknown moves a cached unknown face into the catalog under name. A
// name matching an existing person (by id or normalized name) reuses that
// person; otherwise a new one is registered. The crop is copied into the
// person's photo folder so later enrollments keep it, the stored embedding is
// enrolled directly, and the unknown entry is removed.
func (s *Service) LabelUnknown(id uint64, name string) (Labelled, error) {
	if s.unknowns == nil {
		return Labelled{}, fmt.Errorf("%w: id %d", unknown.ErrNotFound, id)
	}
	s.admin.Lock()
	defer s.admin.Unlock()

	entry, ok := s.unknowns.Get(id)
	if !ok {
		return Labelled{}, fmt.Errorf("%w: id %d", unknown.ErrNotFound, id)
	}

	personID := name
	if rec, _, found := s.store.FindByName(name); found {
		personID = rec.PersonID
	}
	if err := enroll.ValidatePersonID(personID); err != nil {
		return Labelled{}, err
	}

	out := Labelled{PersonID: personID}
	if src := s.unknowns.CropPath(entry); src != "" {
		dst, err := enroll.CopyIntoPerson(s.imagesDir, personID, src)
		switch {
		case errors.Is(err, os.ErrNotExist):
			s.logger.Warn("unknown crop missing", "id", id, "file", entry.File)
		case err != nil:
			return Labelled{}, err
		default:
			out.Photo = filepath.Base(dst)
		}
	}

	label, added, err := s.store.Enroll(personID, personID, [][]float32{entry.Embedding})
	if err != nil {
		return Labelled{}, err
	}
	if added == 0 {
		s.logger.Warn("unknown embedding does not match catalog dimension", "id", id,
			"dim", len(entry.Embedding), "catalog_dim", s.store.Dim())
	}
	if err := s.store.Save(); err != nil {
		return Labelled{}, err
	}
	if _, err := s.unknowns.Remove(id); err != nil {
		return Labelled{}, err
	}

	out.Label = label
	out.Added = added
	s.logger.Info("unknown face labelled", "id", id, "person_id", personID, "label", label)
	return out, nil
}

// RemoveUnknown discards a cached unknown face and its crop.
func (s *Service) RemoveUnknown(id uint64) error {
	if s.unknowns == nil {
		return fmt.Errorf("%w: id %d", unknown.ErrNotFound, id)
	}
	_, err := s.unknowns.Remove(id)
	return err
}

// RemovePerson deletes a person and their vectors. With deletePhotos the
// person's photo folder is removed too, so enrollment does not bring them back.
func (s *Service) RemovePerson(personID string, deletePhotos bool) (bool, error) {
	s.admin.Lock()
	defer s.admin.Unlock()

	removed, err := s.store.RemovePerson(personID)
	if err != nil || !removed {
		return removed, err
	}
	if deletePhotos {
		if err := enroll.ValidatePersonID(personID); err != nil {
			return true, err
		}
		if err := os.RemoveAll(filepath.Join(s.imagesDir, personID)); err != nil {
			return true, fmt.Errorf("deleting photos: %w", err)
		}
	}
	return true, nil
}

// Prune drops catalog vectors whose person no longer exists.
func (s *Service) Prune() (bool, error) {
	s.admin.Lock()
	defer s.admin.Unlock()
	return s.store.PruneOrphans()
}

// Reload re-reads the catalog and the unknown cache from disk.
func (s *Service) Reload() error {
	s.admin.Lock()
	defer s.admin.Unlock()

	if err := s.store.Load(); err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	if s.unknowns != nil {
		if err := s.unknowns.Load(); err != nil {
			return fmt.Errorf("loading unknown faces: %w", err)
		}
	}
	s.logger.Info("state reloaded", "vectors", s.store.Len(), "unknowns", s.UnknownCount())
	return nil
}

// Save writes the catalog and the unknown cache.
func (s *Service) Save() error {
	s.admin.Lock()
	defer s.admin.Unlock()

	if err := s.store.Save(); err != nil {
		return err
	}
	if s.unknowns != nil {
		return s.unknowns.Save()
	}
	return nil
}

// UnknownCount returns the number of cached unknown faces.
func (s *Service) UnknownCount() int {
	if s.unknowns == nil {
		return 0
	}
	return s.unknowns.Len()
}

// Stats summarizes the catalog state.
type Stats struct {
	Persons    int `json:"persons"`
	Vectors    int `json:"vectors"`
	Dim        int `json:"dim"`
	Unknowns   int `json:"unknowns"`
	UnknownDim int `json:"unknown_dim"`
}

func (s *Service) Stats() Stats {
	st := Stats{
		Persons:  len(s.store.Persons()),
		Vectors:  s.store.Len(),
		Dim:      s.store.Dim(),
		Unknowns: s.UnknownCount(),
	}
	if s.unknowns != nil {
		st.UnknownDim = s.unknowns.Dim()
	}
	return st
}

// EncodeAnnotated writes the annotated frame of r as JPEG.
func EncodeAnnotated(r *Recognition) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.EncodeJPEG(&buf, r.Annotated()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
