// Package scanner probes which Bedrock models and modalities are usable
// under the current credentials and persists the resulting capability
// matrix.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"bedrock-chat/internal/domain"
	"bedrock-chat/internal/integrations/bedrock"
)

const (
	DefaultConcurrency  = 10
	DefaultProbeTimeout = 60 * time.Second
)

// ErrProbeSkipped is returned by a Prober for probes it cannot issue under
// the current configuration. The modality is recorded as absent.
var ErrProbeSkipped = errors.New("scanner: probe skipped")

// Catalog enumerates candidate models.
type Catalog interface {
	FoundationModels(ctx context.Context) ([]domain.CapabilityEntry, error)
	ImportedModels(ctx context.Context) ([]domain.CapabilityEntry, error)
}

// Probe is one capability check against one model.
type Probe struct {
	Entry    domain.CapabilityEntry
	Modality domain.Modality
	// Generate selects a generation probe for image or video output models
	// instead of a Converse input probe.
	Generate bool
}

// Prober issues a single probe. A nil error means the model served it.
type Prober interface {
	Probe(ctx context.Context, p Probe) error
}

// Store persists the matrix.
type Store interface {
	Save(ctx context.Context, matrix domain.CapabilityMatrix) error
}

// Options tunes a Scanner. Zero values select the defaults.
type Options struct {
	Concurrency  int
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Scanner builds and persists the capability matrix.
type Scanner struct {
	catalog Catalog
	prober  Prober
	store   Store
	limit   int
	timeout time.Duration
	log     *slog.Logger
}

// New creates a Scanner.
func New(catalog Catalog, prober Prober, store Store, opts Options) (*Scanner, error) {
	if catalog == nil {
		return nil, errors.New("scanner: catalog must not be nil")
	}
	if prober == nil {
		return nil, errors.New("scanner: prober must not be nil")
	}
	if store == nil {
		return nil, errors.New("scanner: store must not be nil")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scanner{
		catalog: catalog,
		prober:  prober,
		store:   store,
		limit:   opts.Concurrency,
		timeout: opts.ProbeTimeout,
		log:     opts.Logger,
	}, nil
}

type outcome struct {
	probe Probe
	err   error
}

// Scan enumerates models, probes them with bounded concurrency and persists
// the recomputed matrix. Nothing is persisted when ctx ends mid-scan.
func (s *Scanner) Scan(ctx context.Context) (domain.CapabilityMatrix, error) {
	entries, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}
	probes := Plan(entries)
	s.log.Info("starting capability scan", "models", len(entries), "probes", len(probes))

	results := make(chan outcome, len(probes))
	var g errgroup.Group
	g.SetLimit(s.limit)
	for _, p := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			results <- outcome{probe: p, err: s.prober.Probe(pctx, p)}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scanner: Scan: %w", err)
	}

	matrix := make(domain.CapabilityMatrix, len(entries))
	for _, e := range entries {
		matrix[e.ModelID] = e
	}
	for r := range results {
		e := matrix[r.probe.Entry.ModelID]
		e.SetModality(r.probe.Modality, s.granted(r))
		matrix[e.ModelID] = e
	}

	if err := s.store.Save(ctx, matrix); err != nil {
		return nil, fmt.Errorf("scanner: Scan: %w", err)
	}
	s.log.Info("capability scan complete", "models", len(matrix), "visible", len(matrix.Visible()))
	return matrix, nil
}

// candidates returns foundation and imported models, deduplicated by model
// id. A failed imported-model listing does not abort the scan.
func (s *Scanner) candidates(ctx context.Context) ([]domain.CapabilityEntry, error) {
	foundation, err := s.catalog.FoundationModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: list models: %w", err)
	}
	imported, err := s.catalog.ImportedModels(ctx)
	if err != nil {
		s.log.Warn("listing imported models failed", "err", err)
	}

	seen := make(map[string]bool, len(foundation)+len(imported))
	out := make([]domain.CapabilityEntry, 0, len(foundation)+len(imported))
	for _, e := range append(foundation, imported...) {
		if e.ModelID == "" || seen[e.ModelID] {
			continue
		}
		seen[e.ModelID] = true
		out = append(out, e)
	}
	return out, nil
}

// Plan lists the probes for entries. Text-output models get one Converse
// probe per modality (imported models only TEXT); image and video output
// models get a single generation probe.
func Plan(entries []domain.CapabilityEntry) []Probe {
	var probes []Probe
	for _, e := range entries {
		switch {
		case e.HasOutput(domain.ModalityText) && e.Imported:
			probes = append(probes, Probe{Entry: e, Modality: domain.ModalityText})
		case e.HasOutput(domain.ModalityText):
			for _, m := range domain.ProbeModalities {
				probes = append(probes, Probe{Entry: e, Modality: m})
			}
		case e.HasOutput(domain.ModalityImage):
			probes = append(probes, Probe{Entry: e, Modality: domain.ModalityImage, Generate: true})
		case e.HasOutput(domain.ModalityVideo):
			probes = append(probes, Probe{Entry: e, Modality: domain.ModalityVideo, Generate: true})
		}
	}
	return probes
}

// Granted classifies a probe error. Throttling proves the model is
// reachable, so it counts as present.
func Granted(err error) bool {
	if err == nil {
		return true
	}
	return bedrock.Classify(err) == bedrock.KindThrottled
}

func (s *Scanner) granted(r outcome) bool {
	if Granted(r.err) {
		return true
	}
	switch {
	case errors.Is(r.err, ErrProbeSkipped):
		s.log.Debug("probe skipped", "model_id", r.probe.Entry.ModelID, "probe", r.probe.Modality)
	case bedrock.Classify(r.err) == bedrock.KindOther:
		s.log.Warn("probe failed unexpectedly", "model_id", r.probe.Entry.ModelID, "probe", r.probe.Modality, "err", r.err)
	}
	return false
}
