package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/3cpo-dev/tunedesk/internal/core"
	"github.com/3cpo-dev/tunedesk/internal/registry"
	"github.com/3cpo-dev/tunedesk/internal/telemetry"
	"github.com/3cpo-dev/tunedesk/pkg/api"
)

const maxBody = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSONError(w, http.StatusServiceUnavailable, what+" is not configured")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		Status:  string(telemetry.HealthStatusHealthy),
		Service: "tunedesk-admin",
		Version: s.Version,
		Time:    time.Now(),
	}
	code := http.StatusOK
	if s.SelfChecks != nil {
		overall, checks := s.SelfChecks.Run(r.Context())
		resp.Status = string(overall)
		for _, c := range checks {
			resp.Checks = append(resp.Checks, api.CheckResult{Name: c.Name, Status: string(c.Status), Message: c.Message})
		}
		if overall == telemetry.HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		unavailable(w, "registry")
		return
	}
	services, err := s.Registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		unavailable(w, "registry")
		return
	}
	var body api.CreateServiceRequest
	if !decodeBody(w, r, &body) {
		return
	}
	entries := make([]registry.MetadataEntry, len(body.Metadata))
	for i, e := range body.Metadata {
		entries[i] = registry.MetadataEntry{Key: e.Key, Value: e.Value}
	}
	req, err := registry.NewCreateRequest(body.Name, body.URL, entries)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.Registry.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		unavailable(w, "registry")
		return
	}
	if err := s.Registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartCheck(w http.ResponseWriter, r *http.Request) {
	if s.Checks == nil {
		unavailable(w, "health checks")
		return
	}
	res, err := s.Checks.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if res.NothingToTest {
		writeJSON(w, http.StatusOK, api.StartCheckResponse{Status: api.CheckNothingToTest, Message: "No services to test"})
		return
	}
	writeJSON(w, http.StatusAccepted, api.StartCheckResponse{Status: api.CheckStarted, RunID: res.RunID, Services: res.Services})
}

func (s *Server) handleCurrentCheck(w http.ResponseWriter, r *http.Request) {
	if s.Checks == nil {
		unavailable(w, "health checks")
		return
	}
	snap, ok := s.Checks.Board().Current()
	if !ok {
		writeJSON(w, http.StatusOK, api.IdleCheckResponse{Status: api.CheckIdle})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelCheck(w http.ResponseWriter, r *http.Request) {
	if s.Checks == nil {
		unavailable(w, "health checks")
		return
	}
	runID := s.Checks.Cancel()
	if runID == "" {
		writeJSON(w, http.StatusOK, api.CancelCheckResponse{Status: api.CheckIdle})
		return
	}
	writeJSON(w, http.StatusAccepted, api.CancelCheckResponse{Status: api.CheckCancelled, RunID: runID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		unavailable(w, "run history")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.History.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHistoryRun(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		unavailable(w, "run history")
		return
	}
	run, err := s.History.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListAlbums(w http.ResponseWriter, r *http.Request) {
	if s.Albums == nil {
		unavailable(w, "album store")
		return
	}
	var (
		albums []core.Album
		err    error
	)
	switch api.AlbumFilter(r.URL.Query().Get("filter")) {
	case "", api.AlbumsAll:
		albums, err = s.Albums.ListAlbums(r.Context())
	case api.AlbumsUnlabeled:
		albums, err = s.Albums.ListAlbumsWithoutLabel(r.Context())
	case api.AlbumsPendingRelease:
		albums, err = s.Albums.ListAlbumsReleasedSince(r.Context(), core.ReleaseCutoff)
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown filter "+strconv.Quote(r.URL.Query().Get("filter")))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, albums)
}

func (s *Server) handleReleaseDate(w http.ResponseWriter, r *http.Request) {
	if s.Albums == nil {
		unavailable(w, "album store")
		return
	}
	var body api.ReleaseDateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	release, err := core.ParseReleaseDateUpdate(body.AlbumID, body.ReleaseDate)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Albums.UpdateReleaseDate(r.Context(), body.AlbumID, release); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MessageResponse{Message: "Release date updated successfully"})
}

func (s *Server) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil {
		unavailable(w, "catalog")
		return
	}
	q := r.URL.Query()
	if link := q.Get("link"); link != "" {
		album, err := s.Catalog.AlbumByLink(r.Context(), link)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, []interface{}{album})
		return
	}
	albums, err := s.Catalog.SearchAlbums(r.Context(), q.Get("query"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, albums)
}

func (s *Server) handleAutomate(w http.ResponseWriter, r *http.Request) {
	if s.Automation == nil {
		unavailable(w, "automation")
		return
	}
	var body api.AutomateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.Automation.Enqueue(r.Context(), body.AlbumIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.AutomateResponse{
		Message: "Albums added to automation queue",
		Queued:  res.Queued,
		Batches: res.Batches,
	})
}
