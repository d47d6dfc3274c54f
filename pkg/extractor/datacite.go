package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/dataset-extractor/pkg/client"
	"github.com/Sternrassler/dataset-extractor/pkg/pagination"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

// DataCiteBaseURL is the production DataCite REST API root.
const DataCiteBaseURL = "https://api.datacite.org"

const (
	dataciteDOIsPath = "/dois"

	// dataciteFirstCursor starts cursor pagination.
	dataciteFirstCursor = "1"
)

func dataciteDefaults() Config {
	return Config{
		PageSize:  100,
		PageSleep: time.Second,
		HTTP:      client.DefaultConfig(string(record.ProviderDataCite), DataCiteBaseURL),
	}
}

// DataCite extracts dataset DOIs registered with a ROR affiliation. It
// uses cursor pagination; list items are complete DOI records.
type DataCite struct {
	*base
}

type dataciteListPage struct {
	Data  []json.RawMessage `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type dataciteItem struct {
	ID         string `json:"id"`
	Attributes struct {
		DOI     string `json:"doi"`
		Updated string `json:"updated"`
	} `json:"attributes"`
}

// List walks the DOI listing for affiliation.
func (d *DataCite) List(ctx context.Context, affiliation string) ([]ListResult, error) {
	return pagination.Collect(ctx, d.pages, string(d.provider), func(ctx context.Context, p pagination.Page) (pagination.PageResult[ListResult], error) {
		cursor := p.Cursor
		if cursor == "" {
			cursor = dataciteFirstCursor
		}
		params := url.Values{
			"affiliation-id":   {affiliation},
			"resource-type-id": {"dataset"},
			"page[size]":       {strconv.Itoa(p.Size)},
			"page[cursor]":     {cursor},
		}

		var page dataciteListPage
		if err := d.http.GetJSON(ctx, dataciteDOIsPath, params, &page); err != nil {
			return pagination.PageResult[ListResult]{}, err
		}
		if page.Data == nil {
			return pagination.PageResult[ListResult]{}, malformed(d.provider, dataciteDOIsPath, `missing "data"`)
		}

		results := make([]ListResult, 0, len(page.Data))
		for i, raw := range page.Data {
			index := (p.Number-1)*p.Size + i
			var item dataciteItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return pagination.PageResult[ListResult]{}, &MappingError{Provider: d.provider, Index: index, Err: err}
			}
			if item.ID == "" {
				return pagination.PageResult[ListResult]{}, &MappingError{Provider: d.provider, Index: index, Field: "id", Err: errMissingField}
			}
			results = append(results, ListResult{
				ID:            item.ID,
				ModifiedToken: item.Attributes.Updated,
				Source:        raw,
			})
		}

		if page.Links.Next == "" {
			return pagination.PageResult[ListResult]{Items: results}, nil
		}
		next, err := nextCursor(page.Links.Next)
		if err != nil {
			return pagination.PageResult[ListResult]{}, malformed(d.provider, dataciteDOIsPath, err.Error())
		}
		return pagination.PageResult[ListResult]{Items: results, HasNext: true, Cursor: next}, nil
	})
}

// Detail fetches one DOI record.
func (d *DataCite) Detail(ctx context.Context, id string) (json.RawMessage, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	path := dataciteDOIsPath + "/" + url.PathEscape(id)
	if err := d.http.GetJSON(ctx, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("detail %s: %w", id, err)
	}
	if resp.Data == nil {
		return nil, malformed(d.provider, path, `missing "data"`)
	}
	return resp.Data, nil
}

// Run extracts the configured affiliation.
func (d *DataCite) Run(ctx context.Context) (*record.RecordSet, error) {
	return run(ctx, d, d.base)
}

func (d *DataCite) recordDOI(id string, payload json.RawMessage) string {
	var item dataciteItem
	if err := json.Unmarshal(payload, &item); err == nil && item.Attributes.DOI != "" {
		return item.Attributes.DOI
	}
	return id
}

// nextCursor extracts page[cursor] from a next link.
func nextCursor(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid next link %q: %w", link, err)
	}
	cursor := u.Query().Get("page[cursor]")
	if cursor == "" {
		return "", fmt.Errorf("next link %q carries no page[cursor]", link)
	}
	return cursor, nil
}
