package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/dataset-extractor/internal/testutil"
	"github.com/Sternrassler/dataset-extractor/pkg/client"
	"github.com/Sternrassler/dataset-extractor/pkg/pagination"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

var dataciteFixtures = []testutil.DataCiteDOI{
	{DOI: "10.25740/aa111", Updated: "2024-01-02T10:00:00Z", Title: "Census tracts"},
	{DOI: "10.25740/bb222", Updated: "2024-03-04T11:00:00Z", Title: "Traffic counts"},
	{DOI: "10.25740/cc333", Updated: "2024-05-06T12:00:00Z", Title: "Rainfall"},
}

func TestDataCite_Run(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetCursorPages("/dois", "page[cursor]", map[string]string{
		"1":      testutil.DataCiteListPage(mock.URL(), "MTcwNA", dataciteFixtures[0], dataciteFixtures[1]),
		"MTcwNA": testutil.DataCiteListPage(mock.URL(), "", dataciteFixtures[2]),
	})

	ex, sleeps := newTestExtractor(t, record.ProviderDataCite, mock.URL(), Options{})

	set, err := ex.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
	assert.Equal(t, 1, sleeps.n)

	requests := mock.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "1", requests[0].Query.Get("page[cursor]"))
	assert.Equal(t, "MTcwNA", requests[1].Query.Get("page[cursor]"))
	assert.Equal(t, testROR, requests[0].Query.Get("affiliation-id"))
	assert.Equal(t, "dataset", requests[0].Query.Get("resource-type-id"))
	assert.Equal(t, "100", requests[0].Query.Get("page[size]"))

	recs := set.Records()
	assert.Equal(t, "10.25740/aa111", recs[0].DatasetID)
	assert.Equal(t, "10.25740/aa111", recs[0].DOI)
	assert.Equal(t, "2024-01-02T10:00:00Z", recs[0].ModifiedToken)
	assert.Equal(t, "10.25740/cc333", recs[2].DatasetID)
}

func TestDataCite_NextLinkWithoutCursor(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetResponse("/dois", testutil.NewJSONResponse(
		`{"data": [], "links": {"next": "https://api.datacite.org/dois?page%5Bnumber%5D=2"}}`))

	ex, _ := newTestExtractor(t, record.ProviderDataCite, mock.URL(), Options{})

	_, err := ex.Run(context.Background())
	var pe *client.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, client.ErrorClassProtocol, pe.Class)
	assert.Contains(t, pe.Message, "page[cursor]")
}

func TestDataCite_StalledCursor(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetCursorPages("/dois", "page[cursor]", map[string]string{
		"1":    testutil.DataCiteListPage(mock.URL(), "loop", dataciteFixtures[0]),
		"loop": testutil.DataCiteListPage(mock.URL(), "loop", dataciteFixtures[1]),
	})

	ex, _ := newTestExtractor(t, record.ProviderDataCite, mock.URL(), Options{})

	set, err := ex.Run(context.Background())
	assert.Nil(t, set)
	assert.ErrorIs(t, err, pagination.ErrCursorStalled)
}

func TestDataCite_MissingData(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetResponse("/dois", testutil.NewJSONResponse(`{"errors": [{"status": "400"}]}`))

	ex, _ := newTestExtractor(t, record.ProviderDataCite, mock.URL(), Options{})

	_, err := ex.Run(context.Background())
	var pe *client.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, client.ErrorClassProtocol, pe.Class)
}

func TestDataCite_Detail(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetResponse("/dois/10.25740/aa111", testutil.NewJSONResponse(testutil.DataCiteDetail(dataciteFixtures[0])))

	ex, _ := newTestExtractor(t, record.ProviderDataCite, mock.URL(), Options{})

	raw, err := ex.Detail(context.Background(), "10.25740/aa111")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"doi":"10.25740/aa111"`)
	assert.NotContains(t, string(raw), `"data"`)
}

func TestNextCursor(t *testing.T) {
	cursor, err := nextCursor("https://api.datacite.org/dois?page%5Bcursor%5D=abc123&page%5Bsize%5D=100")
	require.NoError(t, err)
	assert.Equal(t, "abc123", cursor)

	_, err = nextCursor("https://api.datacite.org/dois?page=2")
	assert.Error(t, err)
}
