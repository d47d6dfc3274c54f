// Package extractor lists and fetches dataset metadata from repository
// APIs and assembles it into a record.RecordSet.
//
// Each provider differs only in base endpoint, auth, page-link convention
// and field mapping; pagination and retry mechanics are shared through
// pkg/pagination and pkg/client.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dataset-extractor/pkg/client"
	"github.com/Sternrassler/dataset-extractor/pkg/logging"
	"github.com/Sternrassler/dataset-extractor/pkg/pagination"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

// Where the source payload of a record came from.
const (
	originList   = "list"
	originDetail = "detail"
	originPrior  = "prior"
)

var recordsExtractedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "extract_records_total",
	Help: "Total dataset records extracted by provider and payload origin",
}, []string{"provider", "origin"})

// ListResult is one item of a provider listing.
type ListResult struct {
	// ID is the provider-local dataset identifier.
	ID string

	// ModifiedToken is the provider's version marker for the item.
	ModifiedToken string

	// Source is the full record payload when the listing already carries
	// it; nil when a detail request is needed.
	Source json.RawMessage
}

// Extractor pulls every dataset of one affiliation from one provider.
type Extractor interface {
	// Provider returns the provider tag.
	Provider() record.Provider

	// List returns every dataset of affiliation, in listing order.
	List(ctx context.Context, affiliation string) ([]ListResult, error)

	// Detail fetches the full payload of one dataset.
	Detail(ctx context.Context, id string) (json.RawMessage, error)

	// Run lists the configured affiliation and builds a RecordSet from it.
	Run(ctx context.Context) (*record.RecordSet, error)
}

// PriorLookup finds a stored record version so an unchanged dataset can be
// reused without a detail request. It returns an error matching
// record.ErrNotFound when there is none.
type PriorLookup interface {
	FindRecord(ctx context.Context, provider record.Provider, datasetID, modifiedToken string) (*record.DatasetRecord, error)
}

// Config holds the settings of one provider extractor.
type Config struct {
	// Affiliation selects the datasets to extract (a ROR id for Dryad and
	// DataCite, an affiliation name for Zenodo).
	Affiliation string

	PageSize  int
	PageSleep time.Duration

	// MaxPages stops pagination early; 0 means all pages.
	MaxPages int

	// Token is sent as a bearer token when set.
	Token string

	HTTP client.Config
}

// Options carries shared collaborators.
type Options struct {
	// HTTPClient is shared by all extractors when set.
	HTTPClient *http.Client

	// Redis enables the response cache and shared rate limit state.
	Redis *redis.Client

	// Prior enables reuse of unchanged stored records.
	Prior PriorLookup

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

type factory struct {
	defaults func() Config
	build    func(base *base) Extractor
}

var registry = map[record.Provider]factory{
	record.ProviderDryad:    {defaults: dryadDefaults, build: func(b *base) Extractor { return &Dryad{base: b} }},
	record.ProviderZenodo:   {defaults: zenodoDefaults, build: func(b *base) Extractor { return &Zenodo{base: b} }},
	record.ProviderDataCite: {defaults: dataciteDefaults, build: func(b *base) Extractor { return &DataCite{base: b} }},
}

// Providers returns the providers an extractor exists for, sorted.
func Providers() []record.Provider {
	out := make([]record.Provider, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultConfig returns the production settings for provider.
func DefaultConfig(provider record.Provider) (Config, error) {
	f, ok := registry[provider]
	if !ok {
		return Config{}, fmt.Errorf("%w: no extractor for %q", record.ErrUnknownProvider, provider)
	}
	return f.defaults(), nil
}

// New creates the extractor for provider.
func New(provider record.Provider, cfg Config, opts Options) (Extractor, error) {
	f, ok := registry[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no extractor for %q", record.ErrUnknownProvider, provider)
	}

	httpCfg := cfg.HTTP
	httpCfg.Provider = string(provider)
	if opts.HTTPClient != nil {
		httpCfg.HTTPClient = opts.HTTPClient
	}
	if opts.Redis != nil {
		httpCfg.Redis = opts.Redis
	}
	headers := make(map[string]string, len(httpCfg.DefaultHeaders)+1)
	for k, v := range httpCfg.DefaultHeaders {
		headers[k] = v
	}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	httpCfg.DefaultHeaders = headers

	httpClient, err := client.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("%s extractor: %w", provider, err)
	}

	logger := logging.NewLogger("extractor")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("provider", string(provider)).Logger()

	fetcher := pagination.NewListFetcher(pagination.Config{
		PageSize:  cfg.PageSize,
		PageSleep: cfg.PageSleep,
		MaxPages:  cfg.MaxPages,
	})
	fetcher.Logger = logger

	return f.build(&base{
		provider: provider,
		config:   cfg,
		http:     httpClient,
		pages:    fetcher,
		prior:    opts.Prior,
		logger:   logger,
	}), nil
}

// base holds what every provider implementation shares.
type base struct {
	provider record.Provider
	config   Config
	http     *client.Client
	pages    *pagination.ListFetcher
	prior    PriorLookup
	logger   zerolog.Logger
}

// Provider returns the provider tag.
func (b *base) Provider() record.Provider {
	return b.provider
}

// Pages exposes the list fetcher so tests can replace its sleep.
func (b *base) Pages() *pagination.ListFetcher {
	return b.pages
}

// source is the provider-specific half of an extractor.
type source interface {
	Provider() record.Provider
	List(ctx context.Context, affiliation string) ([]ListResult, error)
	Detail(ctx context.Context, id string) (json.RawMessage, error)
	// recordDOI derives the DOI of a dataset from its payload.
	recordDOI(id string, payload json.RawMessage) string
}

// run builds the RecordSet for one extraction. Any error aborts the run and
// no partial set is returned.
func run(ctx context.Context, src source, b *base) (*record.RecordSet, error) {
	start := time.Now()
	provider := src.Provider()

	results, err := src.List(ctx, b.config.Affiliation)
	if err != nil {
		return nil, fmt.Errorf("%s list: %w", provider, err)
	}

	set := record.NewRecordSet(provider)
	origins := map[string]int{}
	for i, lr := range results {
		rec, origin, err := buildRecord(ctx, src, b.prior, i, lr)
		if err != nil {
			return nil, fmt.Errorf("%s dataset %q: %w", provider, lr.ID, err)
		}
		if err := set.Add(rec); err != nil {
			return nil, fmt.Errorf("%s dataset %q: %w", provider, lr.ID, err)
		}
		origins[origin]++
		recordsExtractedTotal.WithLabelValues(string(provider), origin).Inc()
	}

	b.logger.Info().
		Str("affiliation", b.config.Affiliation).
		Int("records", set.Len()).
		Int("from_list", origins[originList]).
		Int("from_detail", origins[originDetail]).
		Int("reused", origins[originPrior]).
		Dur("duration", time.Since(start)).
		Msg("Extraction complete")

	return set, nil
}

func buildRecord(ctx context.Context, src source, prior PriorLookup, index int, lr ListResult) (*record.DatasetRecord, string, error) {
	provider := src.Provider()
	if lr.ID == "" {
		return nil, "", &MappingError{Provider: provider, Index: index, Field: "id", Err: errMissingField}
	}

	payload, origin := lr.Source, originList
	if payload == nil {
		if prior != nil && lr.ModifiedToken != "" {
			prev, err := prior.FindRecord(ctx, provider, lr.ID, lr.ModifiedToken)
			switch {
			case err == nil:
				return prev.Clone(), originPrior, nil
			case !errors.Is(err, record.ErrNotFound):
				return nil, "", fmt.Errorf("prior record lookup: %w", err)
			}
		}

		detail, err := src.Detail(ctx, lr.ID)
		if err != nil {
			return nil, "", err
		}
		payload, origin = detail, originDetail
	}

	rec, err := record.NewDatasetRecord(provider, lr.ID, src.recordDOI(lr.ID, payload), lr.ModifiedToken, payload)
	if err != nil {
		return nil, "", &MappingError{Provider: provider, ID: lr.ID, Index: index, Err: err}
	}
	return rec, origin, nil
}
