package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/dataset-extractor/internal/publish"
	"github.com/Sternrassler/dataset-extractor/pkg/cache"
	"github.com/Sternrassler/dataset-extractor/pkg/etl"
	"github.com/Sternrassler/dataset-extractor/pkg/extractor"
	"github.com/Sternrassler/dataset-extractor/pkg/logging"
	"github.com/Sternrassler/dataset-extractor/pkg/metrics"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

type extractFlags struct {
	providers   []string
	all         bool
	jobID       string
	metricsAddr string
	refresh     bool
}

func newExtractCmd(a *app) *cobra.Command {
	var flags extractFlags

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Run an extraction job for one or more providers",
		Example: `  dataset-extract extract --provider zenodo --job-id 42
  dataset-extract extract --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtract(cmd, a, flags)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&flags.providers, "provider", "p", nil, "provider to extract (datacite, dryad, zenodo); repeatable")
	f.BoolVar(&flags.all, "all", false, "extract every provider with an affiliation configured")
	f.StringVar(&flags.jobID, "job-id", "", "job id attached to the record sets (default: random UUID)")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	f.BoolVar(&flags.refresh, "refresh", false, "drop cached provider responses before extracting (needs redis)")
	cmd.MarkFlagsMutuallyExclusive("provider", "all")
	cmd.MarkFlagsOneRequired("provider", "all")

	return cmd
}

func runExtract(cmd *cobra.Command, a *app, flags extractFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := selectProviders(a, flags)
	if err != nil {
		return err
	}

	jobID := flags.jobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	addr := flags.metricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, addr); err != nil {
				logger := logging.NewLogger("cli")
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	if flags.refresh {
		if rdb == nil {
			return errors.New("--refresh needs redis.addr configured")
		}
		manager := cache.NewManager(rdb)
		for _, p := range providers {
			n, err := manager.Purge(ctx, string(p))
			if err != nil {
				return fmt.Errorf("purge %s cache: %w", p, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: dropped %d cached responses\n", p, n)
		}
	}

	extractors := make([]extractor.Extractor, 0, len(providers))
	for _, p := range providers {
		cfg, err := a.cfg.Extractor(p)
		if err != nil {
			return err
		}
		if cfg.Affiliation == "" {
			return fmt.Errorf("%s: no affiliation configured (providers.%s.affiliation)", p, p)
		}
		ex, err := extractor.New(p, cfg, extractor.Options{Redis: rdb, Prior: st})
		if err != nil {
			return err
		}
		extractors = append(extractors, ex)
	}

	var loader etl.TransformerLoader = publish.LogLoader{Logger: logging.NewLogger("handoff")}
	if target, ok := a.cfg.PublishTarget(); ok {
		pub, err := publish.New(ctx, target)
		if err != nil {
			return err
		}
		loader = pub
	}

	job := etl.NewJob(extractors, st, loader)
	sets, err := job.PerformAll(ctx, providers, jobID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, set := range sets {
		id, _ := set.JobID()
		fmt.Fprintf(out, "%-9s record_set=%d job=%s records=%d\n", set.Provider(), set.ID, id, set.Len())
	}
	return nil
}

func selectProviders(a *app, flags extractFlags) ([]record.Provider, error) {
	if flags.all {
		enabled := a.cfg.EnabledProviders()
		if len(enabled) == 0 {
			return nil, errors.New("no provider has an affiliation configured")
		}
		return enabled, nil
	}

	seen := make(map[record.Provider]bool, len(flags.providers))
	var out []record.Provider
	for _, name := range flags.providers {
		p, err := record.ParseProvider(name)
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}
