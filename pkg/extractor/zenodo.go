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

// ZenodoBaseURL is the production Zenodo API root.
const ZenodoBaseURL = "https://zenodo.org"

const (
	zenodoRecordsPath = "/api/records"

	// Anonymous clients may not request larger pages.
	zenodoMaxAnonymousPageSize = 25
)

func zenodoDefaults() Config {
	return Config{
		PageSize:  zenodoMaxAnonymousPageSize,
		PageSleep: time.Second,
		HTTP:      client.DefaultConfig(string(record.ProviderZenodo), ZenodoBaseURL),
	}
}

// Zenodo extracts dataset records from the Zenodo records API. Search hits
// are complete records, so no detail requests are made.
type Zenodo struct {
	*base
}

type zenodoSearchPage struct {
	Hits *struct {
		Hits []json.RawMessage `json:"hits"`
	} `json:"hits"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type zenodoListItem struct {
	ID       json.Number `json:"id"`
	Revision json.Number `json:"revision"`
	DOI      string      `json:"doi"`
	PIDs     struct {
		DOI struct {
			Identifier string `json:"identifier"`
		} `json:"doi"`
	} `json:"pids"`
}

// List pages through the dataset records matching affiliation.
func (z *Zenodo) List(ctx context.Context, affiliation string) ([]ListResult, error) {
	return pagination.Collect(ctx, z.pages, string(z.provider), func(ctx context.Context, p pagination.Page) (pagination.PageResult[ListResult], error) {
		params := url.Values{
			"q":    {zenodoQuery(affiliation)},
			"type": {"dataset"},
			"size": {strconv.Itoa(p.Size)},
			"page": {strconv.Itoa(p.Number)},
		}

		var page zenodoSearchPage
		if err := z.http.GetJSON(ctx, zenodoRecordsPath, params, &page); err != nil {
			return pagination.PageResult[ListResult]{}, err
		}
		if page.Hits == nil || page.Hits.Hits == nil {
			return pagination.PageResult[ListResult]{}, malformed(z.provider, zenodoRecordsPath, `missing "hits.hits"`)
		}

		results := make([]ListResult, 0, len(page.Hits.Hits))
		for i, raw := range page.Hits.Hits {
			index := (p.Number-1)*p.Size + i
			var item zenodoListItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return pagination.PageResult[ListResult]{}, &MappingError{Provider: z.provider, Index: index, Err: err}
			}
			if item.ID == "" {
				return pagination.PageResult[ListResult]{}, &MappingError{Provider: z.provider, Index: index, Field: "id", Err: errMissingField}
			}
			results = append(results, ListResult{
				ID:            item.ID.String(),
				ModifiedToken: item.Revision.String(),
				Source:        raw,
			})
		}

		return pagination.PageResult[ListResult]{Items: results, HasNext: page.Links.Next != ""}, nil
	})
}

// Detail fetches one record by id.
func (z *Zenodo) Detail(ctx context.Context, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := z.http.GetJSON(ctx, zenodoRecordsPath+"/"+url.PathEscape(id), nil, &raw); err != nil {
		return nil, fmt.Errorf("detail %s: %w", id, err)
	}
	return raw, nil
}

// Run extracts the configured affiliation.
func (z *Zenodo) Run(ctx context.Context) (*record.RecordSet, error) {
	return run(ctx, z, z.base)
}

func (z *Zenodo) recordDOI(_ string, payload json.RawMessage) string {
	var item zenodoListItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return ""
	}
	if item.DOI != "" {
		return item.DOI
	}
	return item.PIDs.DOI.Identifier
}

// zenodoQuery turns an affiliation name into a search query. Values that
// already look like a query are passed through.
func zenodoQuery(affiliation string) string {
	if affiliation == "" || strings.Contains(affiliation, ":") {
		return affiliation
	}
	return fmt.Sprintf(`creators.affiliation:"%s"`, affiliation)
}
