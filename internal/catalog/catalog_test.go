package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/tunedesk/internal/registry"
)

func TestSearchAlbums(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/search/albums", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "night drive", q.Get("query"))
		assert.Equal(t, "0", q.Get("page"))
		assert.Equal(t, "15", q.Get("limit"))
		w.Write([]byte(`{"data":{"results":[
			{"id":"a1","name":"Night Drive","year":2024,"artists":{"primary":[{"name":"Ava"},{"name":"Kai"}]},
			 "image":[{"url":"http://img/50","quality":"50x50"},{"url":"http://img/500","quality":"500x500"}]}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	albums, err := c.SearchAlbums(context.Background(), "  night drive ")
	require.NoError(t, err)
	require.Len(t, albums, 1)
	assert.Equal(t, "a1", albums[0].ID)
	assert.Equal(t, 2024, albums[0].Year)
	assert.Equal(t, "http://img/500", albums[0].Cover())
	assert.Equal(t, "Ava, Kai", albums[0].PrimaryArtists())
}

func TestSearchAlbumsEmptyQuery(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 5)
	_, err := c.SearchAlbums(context.Background(), "   ")
	var verr registry.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Search query is required", verr.Message)
}

func TestAlbumByLink(t *testing.T) {
	link := "https://music.example/album/night-drive/abc?x=1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/albums", r.URL.Path)
		assert.Equal(t, link, r.URL.Query().Get("link"))
		w.Write([]byte(`{"data":{"id":"abc","name":"Night Drive"}}`))
	}))
	defer srv.Close()

	album, err := NewClient(srv.URL, 0).AlbumByLink(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, "abc", album.ID)
	assert.Empty(t, album.Cover())
}

func TestAlbumByLinkEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":null}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).AlbumByLink(context.Background(), "https://x/album")
	assert.Error(t, err)
}
