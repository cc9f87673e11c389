package api

import "time"

// v1 contains the request and response envelopes of the admin API.

type HealthResponse struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	Version string        `json:"version"`
	Time    time.Time     `json:"time"`
	Checks  []CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CreateServiceRequest mirrors the registration form.
type CreateServiceRequest struct {
	Name     string          `json:"name"`
	URL      string          `json:"url"`
	Metadata []MetadataEntry `json:"metadata"`
}

type CheckRunStatus string

const (
	CheckStarted       CheckRunStatus = "started"
	CheckNothingToTest CheckRunStatus = "nothing_to_test"
	CheckCancelled     CheckRunStatus = "cancelled"
	CheckIdle          CheckRunStatus = "idle"
)

type StartCheckResponse struct {
	Status   CheckRunStatus `json:"status"`
	RunID    string         `json:"run_id,omitempty"`
	Services int            `json:"services"`
	Message  string         `json:"message,omitempty"`
}

// IdleCheckResponse is returned by GET /api/checks/current before any run
// has published a snapshot.
type IdleCheckResponse struct {
	Status CheckRunStatus `json:"status"`
}

type CancelCheckResponse struct {
	Status CheckRunStatus `json:"status"`
	RunID  string         `json:"run_id,omitempty"`
}

type ReleaseDateRequest struct {
	AlbumID     string `json:"albumId"`
	ReleaseDate string `json:"releaseDate"`
}

type AutomateRequest struct {
	AlbumIDs []string `json:"albumIds"`
}

type AutomateResponse struct {
	Message string `json:"message"`
	Queued  int    `json:"queued"`
	Batches int    `json:"batches"`
}

type AlbumFilter string

const (
	AlbumsAll            AlbumFilter = "all"
	AlbumsUnlabeled      AlbumFilter = "unlabeled"
	AlbumsPendingRelease AlbumFilter = "pending-release"
)
