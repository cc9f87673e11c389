// Package catalog queries the third-party album catalog used to pick albums
// for automation.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/3cpo-dev/tunedesk/internal/registry"
	"github.com/3cpo-dev/tunedesk/internal/upstream"
)

const DefaultPageSize = 15

type Image struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
}

type Artist struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Role  string  `json:"role"`
	Type  string  `json:"type"`
	Image []Image `json:"image"`
	URL   string  `json:"url"`
}

type Artists struct {
	Primary  []Artist `json:"primary"`
	Featured []Artist `json:"featured"`
	All      []Artist `json:"all"`
}

// Album is a catalog search result.
type Album struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Year            int     `json:"year"`
	Type            string  `json:"type"`
	PlayCount       int     `json:"playCount"`
	Language        string  `json:"language"`
	ExplicitContent bool    `json:"explicitContent"`
	Artists         Artists `json:"artists"`
	URL             string  `json:"url"`
	Image           []Image `json:"image"`
}

// Cover returns the last (highest quality) image URL, or "".
func (a Album) Cover() string {
	if len(a.Image) == 0 {
		return ""
	}
	return a.Image[len(a.Image)-1].URL
}

// PrimaryArtists joins the primary artist names.
func (a Album) PrimaryArtists() string {
	names := make([]string, 0, len(a.Artists.Primary))
	for _, ar := range a.Artists.Primary {
		names = append(names, ar.Name)
	}
	return strings.Join(names, ", ")
}

// Client searches the album catalog.
type Client struct {
	api      *upstream.Client
	pageSize int
}

// NewClient creates a catalog client. A non-positive pageSize uses DefaultPageSize.
func NewClient(baseURL string, pageSize int, opts ...upstream.Option) *Client {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Client{api: upstream.New("catalog", baseURL, opts...), pageSize: pageSize}
}

// SearchAlbums returns the first page of albums matching query.
func (c *Client) SearchAlbums(ctx context.Context, query string) ([]Album, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, registry.ValidationError{Field: "query", Message: "Search query is required"}
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("page", "0")
	q.Set("limit", strconv.Itoa(c.pageSize))

	var resp struct {
		Data struct {
			Results []Album `json:"results"`
		} `json:"data"`
	}
	if err := c.api.DoJSON(ctx, http.MethodGet, "/api/search/albums", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("search albums: %w", err)
	}
	if resp.Data.Results == nil {
		return []Album{}, nil
	}
	return resp.Data.Results, nil
}

// AlbumByLink resolves a catalog album page URL.
func (c *Client) AlbumByLink(ctx context.Context, link string) (*Album, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, registry.ValidationError{Field: "link", Message: "Search query is required"}
	}
	var resp struct {
		Data *Album `json:"data"`
	}
	if err := c.api.DoJSON(ctx, http.MethodGet, "/api/albums", url.Values{"link": {link}}, nil, &resp); err != nil {
		return nil, fmt.Errorf("resolve album link: %w", err)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("resolve album link: empty response")
	}
	return resp.Data, nil
}
