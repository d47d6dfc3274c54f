package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func newSetsCmd(a *app) *cobra.Command {
	var (
		provider string
		limit    int
		format   string
	)

	cmd := &cobra.Command{
		Use:   "sets",
		Short: "List stored record sets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var p record.Provider
			if provider != "" {
				var err error
				if p, err = record.ParseProvider(provider); err != nil {
					return err
				}
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			sums, err := st.RecordSets(cmd.Context(), p, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case formatTable:
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPROVIDER\tJOB\tRECORDS\tCREATED")
				for _, s := range sums {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", s.ID, s.Provider, s.JobID, s.Records, s.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			default:
				return encode(out, format, sums)
			}
		},
	}

	f := cmd.Flags()
	f.StringVarP(&provider, "provider", "p", "", "only list sets of this provider")
	f.IntVar(&limit, "limit", 20, "maximum number of sets (0 for all)")
	f.StringVarP(&format, "format", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

// recordView is the printable form of a DatasetRecord.
type recordView struct {
	DatasetID     string `json:"dataset_id" yaml:"dataset_id"`
	DOI           string `json:"doi,omitempty" yaml:"doi,omitempty"`
	ModifiedToken string `json:"modified_token,omitempty" yaml:"modified_token,omitempty"`
	SourceMD5     string `json:"source_md5" yaml:"source_md5"`
	Source        any    `json:"source,omitempty" yaml:"source,omitempty"`
}

type setView struct {
	ID        int64           `json:"id" yaml:"id"`
	Provider  record.Provider `json:"provider" yaml:"provider"`
	JobID     string          `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	CreatedAt time.Time       `json:"created_at" yaml:"created_at"`
	Records   []recordView    `json:"records" yaml:"records"`
}

func newShowCmd(a *app) *cobra.Command {
	var (
		format      string
		withSources bool
	)

	cmd := &cobra.Command{
		Use:   "show <record-set-id>",
		Short: "Print a stored record set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record set id %q", args[0])
			}
			if format != formatJSON && format != formatYAML {
				return fmt.Errorf("unsupported format %q (json or yaml)", format)
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			set, err := st.RecordSet(cmd.Context(), id)
			if err != nil {
				return err
			}

			view, err := newSetView(set, format, withSources)
			if err != nil {
				return err
			}
			return encode(cmd.OutOrStdout(), format, view)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&format, "format", "o", formatJSON, "output format: json or yaml")
	f.BoolVar(&withSources, "sources", false, "include the raw source payloads")
	return cmd
}

func newSetView(set *record.RecordSet, format string, withSources bool) (setView, error) {
	jobID, _ := set.JobID()
	view := setView{
		ID:        set.ID,
		Provider:  set.Provider(),
		JobID:     jobID,
		CreatedAt: set.CreatedAt,
		Records:   make([]recordView, 0, set.Len()),
	}
	for _, rec := range set.Records() {
		rv := recordView{
			DatasetID:     rec.DatasetID,
			DOI:           rec.DOI,
			ModifiedToken: rec.ModifiedToken,
			SourceMD5:     rec.SourceMD5(),
		}
		if withSources {
			if format == formatYAML {
				var doc any
				if err := json.Unmarshal(rec.Source(), &doc); err != nil {
					return setView{}, fmt.Errorf("decode source of %s: %w", rec.DatasetID, err)
				}
				rv.Source = doc
			} else {
				rv.Source = rec.Source()
			}
		}
		view.Records = append(view.Records, rv)
	}
	return view, nil
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
