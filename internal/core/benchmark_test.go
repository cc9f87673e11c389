package core

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func BenchmarkChunkInputs(b *testing.B) {
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("album-%d", i)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = ChunkInputs(ids, 50)
	}
}

func BenchmarkParseReleaseDate(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, _ = ParseReleaseDateUpdate("album-1", "2026-01-15")
	}
}

func BenchmarkListAlbums(b *testing.B) {
	store, err := NewStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	release := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		a := Album{ID: fmt.Sprintf("a%d", i), Name: fmt.Sprintf("Album %03d", i)}
		if i%2 == 0 {
			a.Release = &release
		}
		if err := store.UpsertAlbum(ctx, a); err != nil {
			b.Fatalf("upsert: %v", err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := store.ListAlbumsReleasedSince(ctx, ReleaseCutoff); err != nil {
			b.Fatalf("list: %v", err)
		}
	}
}
