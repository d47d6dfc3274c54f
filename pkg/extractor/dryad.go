package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dataset-extractor/pkg/client"
	"github.com/Sternrassler/dataset-extractor/pkg/pagination"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

// DryadBaseURL is the production Dryad API root.
const DryadBaseURL = "https://datadryad.org"

const (
	dryadSearchPath  = "/api/v2/search"
	dryadDatasetPath = "/api/v2/datasets/"
)

func dryadDefaults() Config {
	return Config{
		PageSize:  100,
		PageSleep: time.Second,
		HTTP:      client.DefaultConfig(string(record.ProviderDryad), DryadBaseURL),
	}
}

// Dryad extracts datasets from the Dryad v2 API. Search results only carry
// the identifier and version number, so each dataset needs a detail
// request unless an unchanged version is already stored.
type Dryad struct {
	*base
}

type dryadSearchPage struct {
	Embedded *struct {
		Datasets []json.RawMessage `json:"stash:datasets"`
	} `json:"_embedded"`
	Links struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

type dryadListItem struct {
	Identifier    string      `json:"identifier"`
	VersionNumber json.Number `json:"versionNumber"`
}

// List pages through the affiliation search.
func (d *Dryad) List(ctx context.Context, affiliation string) ([]ListResult, error) {
	return pagination.Collect(ctx, d.pages, string(d.provider), func(ctx context.Context, p pagination.Page) (pagination.PageResult[ListResult], error) {
		params := url.Values{
			"affiliation": {affiliation},
			"per_page":    {strconv.Itoa(p.Size)},
			"page":        {strconv.Itoa(p.Number)},
		}

		var page dryadSearchPage
		if err := d.http.GetJSON(ctx, dryadSearchPath, params, &page); err != nil {
			return pagination.PageResult[ListResult]{}, err
		}
		if page.Embedded == nil || page.Embedded.Datasets == nil {
			return pagination.PageResult[ListResult]{}, malformed(d.provider, dryadSearchPath, `missing "_embedded.stash:datasets"`)
		}

		results := make([]ListResult, 0, len(page.Embedded.Datasets))
		for i, raw := range page.Embedded.Datasets {
			index := (p.Number-1)*p.Size + i
			var item dryadListItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return pagination.PageResult[ListResult]{}, &MappingError{Provider: d.provider, Index: index, Err: err}
			}
			if item.Identifier == "" {
				return pagination.PageResult[ListResult]{}, &MappingError{Provider: d.provider, Index: index, Field: "identifier", Err: errMissingField}
			}
			results = append(results, ListResult{
				ID:            item.Identifier,
				ModifiedToken: item.VersionNumber.String(),
			})
		}

		hasNext := page.Links.Next != nil && page.Links.Next.Href != ""
		return pagination.PageResult[ListResult]{Items: results, HasNext: hasNext}, nil
	})
}

// Detail fetches one dataset by its DOI identifier.
func (d *Dryad) Detail(ctx context.Context, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := d.http.GetJSON(ctx, dryadDatasetPath+url.QueryEscape(id), nil, &raw); err != nil {
		return nil, fmt.Errorf("detail %s: %w", id, err)
	}
	return raw, nil
}

// Run extracts the configured affiliation.
func (d *Dryad) Run(ctx context.Context) (*record.RecordSet, error) {
	return run(ctx, d, d.base)
}

// recordDOI strips the "doi:" scheme from the identifier.
func (d *Dryad) recordDOI(id string, _ json.RawMessage) string {
	return strings.TrimPrefix(id, "doi:")
}
