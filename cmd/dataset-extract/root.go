package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/dataset-extractor/internal/config"
	"github.com/Sternrassler/dataset-extractor/internal/store"
	"github.com/Sternrassler/dataset-extractor/pkg/logging"
)

// app carries the loaded configuration into subcommands.
type app struct {
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "dataset-extract",
		Short: "Extract dataset metadata from research data repositories",
		Long: `dataset-extract lists the datasets an institution published on DataCite,
Dryad and Zenodo, stores every run as a record set and hands the set to the
transform/load stage (S3 and SQS when configured).`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(config.New(), a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg

			lc := cfg.Logging()
			lc.Output = cmd.ErrOrStderr()
			logging.Setup(lc)
			return nil
		},
	}
	root.Version = version

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default: ./dataset-extract.yaml or ~/.config/dataset-extract/dataset-extract.yaml)")

	root.AddCommand(
		newExtractCmd(a),
		newSetsCmd(a),
		newShowCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) openStore() (*store.Store, error) {
	st, err := store.Open(a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// redisClient returns nil when Redis is not configured.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
	}
	return client, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dataset-extract %s\n", version)
		},
	}
}
