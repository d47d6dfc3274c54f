package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/dataset-extractor/internal/testutil"
	"github.com/Sternrassler/dataset-extractor/pkg/client"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

var zenodoFixtures = []testutil.ZenodoRecord{
	{ID: 1001, Revision: 3, DOI: "10.5281/zenodo.1001", Title: "Glacier melt"},
	{ID: 1002, Revision: 1, DOI: "10.5281/zenodo.1002", Title: "Bird song"},
	{ID: 1003, Revision: 7, DOI: "10.5281/zenodo.1003", Title: "Soil cores"},
}

func TestZenodo_Run(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetPages("/api/records", "page",
		testutil.ZenodoSearchPage(mock.URL()+"/api/records?page=2", zenodoFixtures[0], zenodoFixtures[1]),
		testutil.ZenodoSearchPage("", zenodoFixtures[2]),
	)

	ex, sleeps := newTestExtractor(t, record.ProviderZenodo, mock.URL(), Options{}, func(c *Config) {
		c.Affiliation = "Stanford University"
		c.Token = "zenodo-token"
	})

	set, err := ex.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
	assert.Equal(t, 1, sleeps.n)
	assert.Equal(t, 2, mock.GetRequestCount(), "list payload is complete; no detail requests")

	recs := set.Records()
	assert.Equal(t, "1001", recs[0].DatasetID)
	assert.Equal(t, "3", recs[0].ModifiedToken)
	assert.Equal(t, "10.5281/zenodo.1001", recs[0].DOI)
	assert.Equal(t, "1003", recs[2].DatasetID)
	assert.Contains(t, string(recs[1].Source()), "Bird song")

	first := mock.Requests()[0]
	assert.Equal(t, `creators.affiliation:"Stanford University"`, first.Query.Get("q"))
	assert.Equal(t, "dataset", first.Query.Get("type"))
	assert.Equal(t, "25", first.Query.Get("size"))
	assert.Equal(t, "Bearer zenodo-token", first.Header.Get("Authorization"))
}

func TestZenodo_SourceIsCanonicalHit(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetResponse("/api/records", testutil.NewJSONResponse(
		`{"hits": {"hits": [{"revision": 2, "id": 55, "metadata": {"title": "B", "creators": []}}]}, "links": {}}`))

	ex, _ := newTestExtractor(t, record.ProviderZenodo, mock.URL(), Options{})

	set, err := ex.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	rec := set.Records()[0]
	assert.Equal(t, `{"id":55,"metadata":{"creators":[],"title":"B"},"revision":2}`, string(rec.Source()))
	assert.Empty(t, rec.DOI)
}

func TestZenodo_QueryPassthrough(t *testing.T) {
	assert.Equal(t, `parent.communities.entries.id:"abc"`, zenodoQuery(`parent.communities.entries.id:"abc"`))
	assert.Equal(t, `creators.affiliation:"MIT"`, zenodoQuery("MIT"))
	assert.Equal(t, "", zenodoQuery(""))
}

func TestZenodo_MalformedEnvelope(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetResponse("/api/records", testutil.NewJSONResponse(`{"aggregations": {}}`))

	ex, _ := newTestExtractor(t, record.ProviderZenodo, mock.URL(), Options{})

	set, err := ex.Run(context.Background())
	assert.Nil(t, set)
	var pe *client.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, client.ErrorClassProtocol, pe.Class)
}

func TestZenodo_MissingID(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetResponse("/api/records", testutil.NewJSONResponse(`{"hits": {"hits": [{"revision": 2}]}, "links": {}}`))

	ex, _ := newTestExtractor(t, record.ProviderZenodo, mock.URL(), Options{})

	_, err := ex.Run(context.Background())
	var me *MappingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "id", me.Field)
	assert.Equal(t, 0, me.Index)
}

func TestZenodo_InvalidUTF8Source(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetResponse("/api/records", testutil.NewJSONResponse(
		"{\"hits\": {\"hits\": [{\"id\": 9, \"revision\": 1, \"metadata\": {\"title\": \"bad \xff\"}}]}, \"links\": {}}"))

	ex, _ := newTestExtractor(t, record.ProviderZenodo, mock.URL(), Options{})

	set, err := ex.Run(context.Background())
	assert.Nil(t, set)
	var me *MappingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "9", me.ID)
	assert.ErrorIs(t, err, record.ErrInvalidSource)
}

func TestZenodo_Detail(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.SetResponse("/api/records/1001", testutil.NewJSONResponse(`{"id": 1001, "revision": 3}`))

	ex, _ := newTestExtractor(t, record.ProviderZenodo, mock.URL(), Options{})

	raw, err := ex.Detail(context.Background(), "1001")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 1001, "revision": 3}`, string(raw))
}
