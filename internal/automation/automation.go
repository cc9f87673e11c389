// Package automation hands album ids to the metadata automation worker.
package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tunedesk/internal/core"
	"github.com/3cpo-dev/tunedesk/internal/upstream"
)

const DefaultBatchSize = 50

// ErrNoAlbums is returned by Enqueue when nothing is left after cleanup.
var ErrNoAlbums = errors.New("no album ids to enqueue")

type enqueueRequest struct {
	AlbumIDs []string `json:"albumIds"`
}

// Result reports what Enqueue sent.
type Result struct {
	Queued  int `json:"queued"`
	Batches int `json:"batches"`
}

// Client talks to the automation worker.
type Client struct {
	api       *upstream.Client
	batchSize int
}

// NewClient creates a client. A non-positive batchSize uses DefaultBatchSize.
func NewClient(baseURL string, batchSize int, opts ...upstream.Option) *Client {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Client{api: upstream.New("automation", baseURL, opts...), batchSize: batchSize}
}

// Enqueue posts ids to the automation queue in batches. Blank and repeated
// ids are dropped; the first occurrence keeps its position. Batches are sent
// in order and the first failure stops the rest.
func (c *Client) Enqueue(ctx context.Context, ids []string) (Result, error) {
	ids = Dedup(ids)
	if len(ids) == 0 {
		return Result{}, ErrNoAlbums
	}
	var res Result
	for i, batch := range core.ChunkInputs(ids, c.batchSize) {
		if err := c.api.DoJSON(ctx, http.MethodPost, "/automate/", nil, enqueueRequest{AlbumIDs: batch}, nil); err != nil {
			return res, fmt.Errorf("enqueue batch %d: %w", i+1, err)
		}
		res.Queued += len(batch)
		res.Batches++
		log.Debug().Int("batch", i+1).Int("albums", len(batch)).Msg("Albums added to automation queue")
	}
	log.Info().Int("albums", res.Queued).Int("batches", res.Batches).Msg("Automation enqueue complete")
	return res, nil
}

// Dedup trims ids and removes blanks and duplicates, preserving order.
func Dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
