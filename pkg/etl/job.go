// Package etl runs an extraction for a provider, tags the resulting record
// set with a job id and hands it to the downstream transform/load stage.
package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/dataset-extractor/pkg/extractor"
	"github.com/Sternrassler/dataset-extractor/pkg/logging"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

// Job outcomes recorded in extract_jobs_total.
const (
	OutcomeSuccess       = "success"
	OutcomeExtractFailed = "extract_failed"
	OutcomePersistFailed = "persist_failed"
	OutcomeLoadFailed    = "load_failed"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_jobs_total",
		Help: "Total extraction jobs by provider and outcome",
	}, []string{"provider", "outcome"})

	jobRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extract_job_records",
		Help: "Records in the last successful record set per provider",
	}, []string{"provider"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "extract_job_duration_seconds",
		Help:    "Extraction job duration in seconds",
		Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"provider"})
)

// TransformerLoader consumes a completed record set.
type TransformerLoader interface {
	Load(ctx context.Context, set *record.RecordSet) error
}

// LoaderFunc adapts a function to TransformerLoader.
type LoaderFunc func(ctx context.Context, set *record.RecordSet) error

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, set *record.RecordSet) error {
	return f(ctx, set)
}

// Persister stores record sets. *store.Store implements it.
type Persister interface {
	SaveRecordSet(ctx context.Context, set *record.RecordSet) error
	AttachJobID(ctx context.Context, setID int64, jobID string) error
}

// Job wires extractors to persistence and the downstream loader.
type Job struct {
	extractors map[record.Provider]extractor.Extractor

	// Store is optional; without it record sets live only in memory.
	Store Persister

	Loader TransformerLoader
	Logger zerolog.Logger
}

// NewJob creates a job over the given extractors.
func NewJob(extractors []extractor.Extractor, store Persister, loader TransformerLoader) *Job {
	byProvider := make(map[record.Provider]extractor.Extractor, len(extractors))
	for _, ex := range extractors {
		byProvider[ex.Provider()] = ex
	}
	return &Job{
		extractors: byProvider,
		Store:      store,
		Loader:     loader,
		Logger:     logging.NewLogger("etl"),
	}
}

// Perform extracts provider, attaches jobID (when non-empty) and hands the
// set to the loader exactly once. A failed extraction returns the error
// with nothing stored, no job id attached and the loader not called.
func (j *Job) Perform(ctx context.Context, provider record.Provider, jobID string) (*record.RecordSet, error) {
	ex, ok := j.extractors[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no extractor configured for %q", record.ErrUnknownProvider, provider)
	}
	if j.Loader == nil {
		return nil, fmt.Errorf("etl job: no loader configured")
	}

	start := time.Now()
	logger := j.Logger.With().Str("provider", string(provider)).Str("job_id", jobID).Logger()
	logger.Info().Msg("Extraction job started")

	fail := func(outcome string, err error) (*record.RecordSet, error) {
		jobsTotal.WithLabelValues(string(provider), outcome).Inc()
		jobDuration.WithLabelValues(string(provider)).Observe(time.Since(start).Seconds())
		logger.Error().Err(err).Str("outcome", outcome).Msg("Extraction job failed")
		return nil, err
	}

	set, err := ex.Run(ctx)
	if err != nil {
		return fail(OutcomeExtractFailed, fmt.Errorf("%s extraction: %w", provider, err))
	}

	if j.Store != nil {
		if err := j.Store.SaveRecordSet(ctx, set); err != nil {
			return fail(OutcomePersistFailed, fmt.Errorf("%s persist record set: %w", provider, err))
		}
	}

	if jobID != "" {
		if err := set.AttachJobID(jobID); err != nil {
			return fail(OutcomePersistFailed, fmt.Errorf("%s attach job id: %w", provider, err))
		}
		if j.Store != nil {
			if err := j.Store.AttachJobID(ctx, set.ID, jobID); err != nil {
				return fail(OutcomePersistFailed, fmt.Errorf("%s attach job id: %w", provider, err))
			}
		}
	}

	set.Freeze()

	logger.Info().
		Int64("record_set_id", set.ID).
		Int("datasets", set.Len()).
		Dur("duration", time.Since(start)).
		Msg("Extraction job complete")

	if err := j.Loader.Load(ctx, set); err != nil {
		return fail(OutcomeLoadFailed, fmt.Errorf("%s load record set %d: %w", provider, set.ID, err))
	}

	jobsTotal.WithLabelValues(string(provider), OutcomeSuccess).Inc()
	jobRecords.WithLabelValues(string(provider)).Set(float64(set.Len()))
	jobDuration.WithLabelValues(string(provider)).Observe(time.Since(start).Seconds())

	return set, nil
}

// PerformAll runs Perform for each provider concurrently. Each provider
// gets its own record set; the first failure cancels the others.
func (j *Job) PerformAll(ctx context.Context, providers []record.Provider, jobID string) ([]*record.RecordSet, error) {
	sets := make([]*record.RecordSet, len(providers))

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			set, err := j.Perform(ctx, p, jobID)
			if err != nil {
				return err
			}
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sets, nil
}
