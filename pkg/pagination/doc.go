// Package pagination fetches every page of a provider list endpoint.
//
// Repository APIs page their search results and throttle aggressive
// clients, so pages are fetched strictly one after another with a pause
// between consecutive requests. The fetch is all-or-nothing: an error on
// any page discards what was collected so far.
//
// Example usage:
//
//	lf := pagination.NewListFetcher(pagination.DefaultConfig())
//	items, err := pagination.Collect(ctx, lf, "dryad", func(ctx context.Context, p pagination.Page) (pagination.PageResult[Item], error) {
//		resp, err := fetchSearchPage(ctx, p.Number, p.Size)
//		if err != nil {
//			return pagination.PageResult[Item]{}, err
//		}
//		return pagination.PageResult[Item]{Items: resp.Items, HasNext: resp.Next != ""}, nil
//	})
//
// A PageFunc may also hand back an opaque Cursor (a next-page URL or
// cursor token) which is passed to the following call.
package pagination
