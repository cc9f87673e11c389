package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrAlbumNotFound is returned when an album id does not exist.
var ErrAlbumNotFound = errors.New("album not found")

// ReleaseCutoff is the default lower bound for albums awaiting a release-date edit.
var ReleaseCutoff = time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)

// Album is a catalog album as stored locally.
type Album struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Image   string     `json:"image"`
	Label   *string    `json:"label"`
	Release *time.Time `json:"release"`
}

// UpsertAlbum inserts or replaces an album.
func (s *Store) UpsertAlbum(ctx context.Context, a Album) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("upsert album: id is required")
	}
	var label, release sql.NullString
	if a.Label != nil {
		label = sql.NullString{String: *a.Label, Valid: true}
	}
	if a.Release != nil {
		release = sql.NullString{String: formatTime(*a.Release), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO albums (id, name, image, label, release, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			image = excluded.image,
			label = excluded.label,
			release = excluded.release,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Image, label, release, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert album %s: %w", a.ID, err)
	}
	return nil
}

// ListAlbums returns every album ordered by name.
func (s *Store) ListAlbums(ctx context.Context) ([]Album, error) {
	return s.queryAlbums(ctx, `SELECT id, name, image, label, release FROM albums ORDER BY name ASC, id ASC`)
}

// ListAlbumsWithoutLabel returns albums with no label, ordered by name.
func (s *Store) ListAlbumsWithoutLabel(ctx context.Context) ([]Album, error) {
	return s.queryAlbums(ctx, `SELECT id, name, image, label, release FROM albums WHERE label IS NULL ORDER BY name ASC, id ASC`)
}

// ListAlbumsReleasedSince returns albums released on or after since, ordered by name.
func (s *Store) ListAlbumsReleasedSince(ctx context.Context, since time.Time) ([]Album, error) {
	return s.queryAlbums(ctx, `SELECT id, name, image, label, release FROM albums WHERE release IS NOT NULL AND release >= ? ORDER BY name ASC, id ASC`, formatTime(since))
}

// UpdateReleaseDate sets the release date of one album.
func (s *Store) UpdateReleaseDate(ctx context.Context, id string, release time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE albums SET release = ?, updated_at = ? WHERE id = ?`,
		formatTime(release), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update release date %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update release date %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update release date %s: %w", id, ErrAlbumNotFound)
	}
	return nil
}

func (s *Store) queryAlbums(ctx context.Context, query string, args ...interface{}) ([]Album, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query albums: %w", err)
	}
	defer rows.Close()

	albums := []Album{}
	for rows.Next() {
		var a Album
		var label, release sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Image, &label, &release); err != nil {
			return nil, fmt.Errorf("scan album: %w", err)
		}
		if label.Valid {
			v := label.String
			a.Label = &v
		}
		if release.Valid {
			t, err := parseTime(release.String)
			if err != nil {
				return nil, fmt.Errorf("parse release of %s: %w", a.ID, err)
			}
			a.Release = &t
		}
		albums = append(albums, a)
	}
	return albums, rows.Err()
}

// FieldErrors maps a request field to its validation messages.
type FieldErrors map[string][]string

func (e FieldErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e[f], ", "))
	}
	return "invalid data: " + strings.Join(parts, "; ")
}

// ReleaseDateUpdate is the body of a release-date edit.
type ReleaseDateUpdate struct {
	AlbumID     string `json:"albumId"`
	ReleaseDate string `json:"releaseDate"`
}

var releaseDateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04", "2006-01-02"}

// Parse validates the update and returns the parsed date.
func (u ReleaseDateUpdate) Parse() (time.Time, error) {
	errs := FieldErrors{}
	if u.AlbumID == "" {
		errs["albumId"] = append(errs["albumId"], "Album ID is required")
	}
	release, ok := parseReleaseDate(u.ReleaseDate)
	if !ok {
		errs["releaseDate"] = append(errs["releaseDate"], "Invalid date format")
	}
	if len(errs) > 0 {
		return time.Time{}, errs
	}
	return release, nil
}

// ParseReleaseDateUpdate validates an album id and a date string.
func ParseReleaseDateUpdate(albumID, releaseDate string) (time.Time, error) {
	return ReleaseDateUpdate{AlbumID: albumID, ReleaseDate: releaseDate}.Parse()
}

func parseReleaseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range releaseDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
