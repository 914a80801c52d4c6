package mangadex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdscrape/internal/download"
	collyfetcher "github.com/JakeFAU/mdscrape/internal/fetcher/colly"
	"github.com/JakeFAU/mdscrape/internal/governor"
)

const chapterJSON = `{
  "id": 1234,
  "lang_code": "gb",
  "hash": "abcdef",
  "server": "https://s2.mangadex.org/data/",
  "page_array": ["x1.png", "x2.jpg"],
  "manga_id": 77,
  "group_id": 9,
  "volume": "2",
  "chapter": "13.5",
  "title": "Extra"
}`

const titleJSON = `{
  "chapter": {
    "1234": {"timestamp": 1600000000, "lang_code": "gb", "volume": "2", "chapter": "13.5", "title": "Extra", "group_id": 9},
    "99": {"timestamp": 1500000000, "lang_code": "it", "volume": "1", "chapter": "1", "title": "", "group_id": 4}
  }
}`

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "null", r.URL.Query().Get("server"))
		switch r.URL.Query().Get("type") {
		case kindChapter:
			if r.URL.Query().Get("id") != "1234" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(chapterJSON))
		case kindManga:
			_, _ = w.Write([]byte(titleJSON))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL string) (*Client, *governor.Governor) {
	t.Helper()
	gov, err := governor.New(governor.Config{Global: 2, PerOrigin: 1})
	require.NoError(t, err)
	c, err := New(baseURL+"/api/", collyfetcher.New(collyfetcher.Config{}), gov, nil)
	require.NoError(t, err)
	return c, gov
}

func TestClientChapter(t *testing.T) {
	t.Parallel()

	srv := newAPIServer(t)
	c, gov := newClient(t, srv.URL)

	ch, err := c.Chapter(context.Background(), 1234)
	require.NoError(t, err)
	assert.Equal(t, 1234, ch.ID)
	assert.Equal(t, "gb", ch.LangCode)
	assert.Equal(t, []string{"x1.png", "x2.jpg"}, ch.PageArray)
	assert.Equal(t, "13.5", ch.Chapter)
	assert.Equal(t, 0, gov.TotalInFlight(), "lease released")
	assert.Equal(t, 1, gov.Pools())
}

func TestClientChapterNotFound(t *testing.T) {
	t.Parallel()

	srv := newAPIServer(t)
	c, _ := newClient(t, srv.URL)

	_, err := c.Chapter(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, download.FailurePermanent, download.Classify(err))
}

func TestClientTitle(t *testing.T) {
	t.Parallel()

	srv := newAPIServer(t)
	c, _ := newClient(t, srv.URL)

	title, err := c.Title(context.Background(), 77)
	require.NoError(t, err)
	require.Len(t, title.Chapters, 2)
	assert.Equal(t, "it", title.Chapters[99].LangCode)
	assert.Equal(t, 9, title.Chapters[1234].GroupID)
}

func TestClientMalformedPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()
	c, _ := newClient(t, srv.URL)

	_, err := c.Title(context.Background(), 1)
	require.ErrorIs(t, err, download.ErrMalformed)
}

func TestClientCancelledWhileWaitingForLease(t *testing.T) {
	t.Parallel()

	srv := newAPIServer(t)
	c, gov := newClient(t, srv.URL)
	lease, err := gov.Acquire(context.Background(), c.origin)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Chapter(ctx, 1234)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	c, err := New("", download.TransportFunc(func(context.Context, string) ([]byte, error) { return nil, nil }), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://mangadex.org/api/?id=42&server=null&type=chapter", c.endpoint(42, kindChapter))
	assert.Equal(t, download.Origin("https://mangadex.org"), c.origin)
}

func TestPageLocator(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://mangadex.org/api/")
	require.NoError(t, err)

	abs := Chapter{ID: 1, Server: "https://s2.mangadex.org/data/", Hash: "h1"}
	loc, err := abs.PageLocator(base, "x1.png")
	require.NoError(t, err)
	assert.Equal(t, "https://s2.mangadex.org/data/h1/x1.png", loc)

	rel := Chapter{ID: 2, Server: "/data/", Hash: "h2"}
	loc, err = rel.PageLocator(base, "p 2.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://mangadex.org/data/h2/p%202.jpg", loc)

	_, err = rel.PageLocator(nil, "x.png")
	require.Error(t, err)
	_, err = abs.PageLocator(base, "")
	require.Error(t, err)
}
