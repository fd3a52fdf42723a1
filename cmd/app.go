package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/config"
	"github.com/kozaktomas/doorbell/internal/embedder"
	"github.com/kozaktomas/doorbell/internal/logging"
	"github.com/kozaktomas/doorbell/internal/match"
	"github.com/kozaktomas/doorbell/internal/recognizer"
	"github.com/kozaktomas/doorbell/internal/unknown"
)

// serviceOptions tweaks openService for a single command.
type serviceOptions struct {
	detector bool
	// simThreshold overrides the configured threshold when set.
	simThreshold *float64
}

// openService loads the catalog and the unknown cache from cfg.DataDir and
// wires them into a recognizer service.
func openService(cfg *config.Config, opts serviceOptions) (*recognizer.Service, *slog.Logger, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel)

	onDim := func(source string) func(catalog.DimensionChanged) {
		return func(e catalog.DimensionChanged) {
			logger.Warn("embedding dimension changed", "source", source, "old", e.Old, "new", e.New)
		}
	}

	store := catalog.NewStore(catalog.DefaultPaths(cfg.CatalogDir(), cfg.RecordPath()), catalog.Options{
		Dim:                cfg.Match.EmbedDim,
		Strict:             cfg.Match.StrictDim,
		Logger:             logger,
		OnDimensionChanged: onDim("catalog"),
	})
	if err := store.Load(); err != nil {
		return nil, nil, fmt.Errorf("loading catalog: %w", err)
	}

	uopts := unknown.DefaultOptions(cfg.CatalogDir(), cfg.UnknownDir())
	uopts.DupSim = float32(cfg.Match.UnknownDupSim)
	uopts.Dim = store.Dim()
	uopts.Logger = logger
	uopts.OnDimensionChanged = onDim("unknown")
	unknowns := unknown.New(uopts)
	if err := unknowns.Load(); err != nil {
		return nil, nil, fmt.Errorf("loading unknown faces: %w", err)
	}

	var det recognizer.Detector
	if opts.detector {
		det = embedder.NewClient(cfg.Embedding.URL)
	}

	threshold := cfg.Match.SimThreshold
	if opts.simThreshold != nil {
		threshold = *opts.simThreshold
	}
	svc := recognizer.New(store, unknowns, det, recognizer.Options{
		ImagesDir: cfg.ImagesDir(),
		Match: match.Options{
			SimThreshold: float32(threshold),
			TopK:         cfg.Match.TopK,
			Logger:       logger,
		},
		Concurrency: cfg.Enroll.Concurrency,
		Logger:      logger,
	})
	return svc, logger, nil
}
